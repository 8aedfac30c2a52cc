package model

import "time"

// Plan is the entitlement tier a license record grants.
type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool {
	return p == PlanFree || p == PlanPro
}

// LicenseRecord is the persisted entitlement state for one identity.
type LicenseRecord struct {
	Identity       string     `json:"identity"`
	Plan           Plan       `json:"plan"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	PendingOrderID *string    `json:"pending_order_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ActiveAt reports whether the record grants pro at the given instant.
func (r *LicenseRecord) ActiveAt(now time.Time) bool {
	if r == nil || r.Plan != PlanPro || r.ExpiresAt == nil {
		return false
	}
	return r.ExpiresAt.After(now)
}

// Payment is a ledger row for a payment that has been applied to a license.
type Payment struct {
	PaymentID string    `json:"payment_id"`
	Identity  string    `json:"identity"`
	OrderID   string    `json:"order_id"`
	Gateway   string    `json:"gateway"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Status is the entitlement an identity holds after accounting for expiry.
type Status struct {
	Plan      Plan       `json:"plan"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// FreeStatus is returned for identities without an active pro license.
func FreeStatus() Status {
	return Status{Plan: PlanFree}
}
