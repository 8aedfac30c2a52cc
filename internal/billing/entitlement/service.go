// Package entitlement holds the license business rules: what an order
// costs, how long a paid plan lasts, and what plan an identity holds now.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/dukerupert/licensor/internal/billing/gateway"
	"github.com/dukerupert/licensor/internal/billing/metrics"
	"github.com/dukerupert/licensor/internal/billing/model"
	"github.com/dukerupert/licensor/internal/billing/store"
)

const maxIdentityLen = 320

// Store is the persistence the service needs. *store.LicenseStore satisfies it.
type Store interface {
	Get(ctx context.Context, identity string) (*model.LicenseRecord, error)
	UpsertPendingOrder(ctx context.Context, identity, orderID string) error
	ApplyPayment(ctx context.Context, app store.PaymentApplication) (*model.LicenseRecord, bool, error)
}

// Notifier is told about license changes caused by applied payments.
type Notifier interface {
	LicenseUpdated(ctx context.Context, identity string, status model.Status) error
}

// Options are the pricing and timing rules the service enforces.
type Options struct {
	Amount            int64
	Currency          string
	Plan              model.Plan
	Duration          time.Duration
	GatewayTimeout    time.Duration
	RequireOrderMatch bool

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

type Service struct {
	store     Store
	gw        gateway.Gateway
	opts      Options
	logger    *slog.Logger
	notifiers []Notifier
}

func New(s Store, gw gateway.Gateway, opts Options, logger *slog.Logger, notifiers ...Notifier) *Service {
	if opts.Plan == "" {
		opts.Plan = model.PlanPro
	}
	if opts.Duration <= 0 {
		opts.Duration = 30 * 24 * time.Hour
	}
	if opts.GatewayTimeout <= 0 {
		opts.GatewayTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     s,
		gw:        gw,
		opts:      opts,
		logger:    logger.With("component", "entitlement", "gateway", gw.Name()),
		notifiers: notifiers,
	}
}

// NormalizeIdentity trims surrounding space and rejects empty, oversized or
// control-character identities. The identity is otherwise opaque.
func NormalizeIdentity(identity string) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", fmt.Errorf("%w: identity is required", ErrInvalidIdentity)
	}
	if len(identity) > maxIdentityLen {
		return "", fmt.Errorf("%w: identity longer than %d bytes", ErrInvalidIdentity, maxIdentityLen)
	}
	if strings.IndexFunc(identity, unicode.IsControl) >= 0 {
		return "", fmt.Errorf("%w: identity contains control characters", ErrInvalidIdentity)
	}
	return identity, nil
}

// OrderResult is what a client needs to complete checkout.
type OrderResult struct {
	OrderID      string
	PublicKey    string
	Amount       int64
	Currency     string
	ClientSecret string
}

// CreateOrder creates a gateway order at the configured price and records it
// as the identity's pending order. A gateway failure leaves the store untouched.
func (s *Service) CreateOrder(ctx context.Context, identity string) (*OrderResult, error) {
	identity, err := NormalizeIdentity(identity)
	if err != nil {
		metrics.RecordOrder("invalid")
		return nil, err
	}

	gctx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
	defer cancel()

	start := time.Now()
	order, err := s.gw.CreateOrder(gctx, gateway.OrderRequest{
		Amount:   s.opts.Amount,
		Currency: s.opts.Currency,
		Identity: identity,
		Receipt:  newReceipt(),
	})
	metrics.ObserveGateway(s.gw.Name(), "create_order", start)
	if err != nil {
		gerr := &GatewayError{Op: "create order", Err: err, Timeout: gateway.IsTimeout(err) || errors.Is(gctx.Err(), context.DeadlineExceeded)}
		if gerr.Timeout {
			metrics.RecordOrder("timeout")
		} else {
			metrics.RecordOrder("gateway_error")
		}
		return nil, gerr
	}
	if order == nil || order.ID == "" {
		metrics.RecordOrder("gateway_error")
		return nil, &GatewayError{Op: "create order", Err: errors.New("gateway returned no order id")}
	}

	if err := s.store.UpsertPendingOrder(ctx, identity, order.ID); err != nil {
		metrics.RecordOrder("storage_error")
		return nil, fmt.Errorf("record pending order: %w", err)
	}

	metrics.RecordOrder("ok")
	s.logger.Info("order created", "identity", identity, "order_id", order.ID, "amount", order.Amount)

	amount, currency := order.Amount, order.Currency
	if amount == 0 {
		amount = s.opts.Amount
	}
	if currency == "" {
		currency = s.opts.Currency
	}
	return &OrderResult{
		OrderID:      order.ID,
		PublicKey:    s.gw.PublicKey(),
		Amount:       amount,
		Currency:     currency,
		ClientSecret: order.ClientSecret,
	}, nil
}

// Confirmation is the outcome of a verified payment.
type Confirmation struct {
	Identity string
	Status   model.Status
	// Applied is false when the payment had already been credited.
	Applied bool
}

// ConfirmPayment verifies p with the gateway and, only if it verifies,
// extends the identity's paid plan by the configured duration from
// max(current expiry, now). Re-confirming an applied payment changes nothing.
func (s *Service) ConfirmPayment(ctx context.Context, p gateway.Payload) (*Confirmation, error) {
	if p.Identity != "" {
		identity, err := NormalizeIdentity(p.Identity)
		if err != nil {
			metrics.RecordConfirmation("invalid")
			return nil, err
		}
		p.Identity = identity
	}

	gctx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
	defer cancel()

	start := time.Now()
	v, err := s.gw.Verify(gctx, p)
	metrics.ObserveGateway(s.gw.Name(), "verify", start)
	if err != nil {
		verr := &VerificationError{Reason: verificationReason(err), Err: err}
		metrics.RecordConfirmation(verr.Reason)
		return nil, verr
	}

	identity, err := NormalizeIdentity(v.Identity)
	if err != nil {
		metrics.RecordConfirmation("missing_identity")
		return nil, &VerificationError{Reason: "missing_identity", Err: err}
	}
	if v.PaymentID == "" {
		metrics.RecordConfirmation("malformed")
		return nil, &VerificationError{Reason: "malformed", Err: gateway.ErrMalformedPayload}
	}

	now := s.opts.Now().UTC()
	rec, applied, err := s.store.ApplyPayment(ctx, store.PaymentApplication{
		Identity:          identity,
		PaymentID:         v.PaymentID,
		OrderID:           v.OrderID,
		Gateway:           s.gw.Name(),
		Plan:              s.opts.Plan,
		RequireOrderMatch: s.opts.RequireOrderMatch,
		Expiry: func(current *model.LicenseRecord) time.Time {
			base := now
			if current.ActiveAt(now) {
				base = *current.ExpiresAt
			}
			return base.Add(s.opts.Duration)
		},
	})
	switch {
	case errors.Is(err, store.ErrPaymentClaimed):
		metrics.RecordConfirmation("payment_reused")
		return nil, &VerificationError{Reason: "payment_reused", Err: err}
	case errors.Is(err, store.ErrOrderMismatch):
		metrics.RecordConfirmation("order_mismatch")
		return nil, &VerificationError{Reason: "order_mismatch", Err: err}
	case err != nil:
		metrics.RecordConfirmation("storage_error")
		return nil, fmt.Errorf("apply payment: %w", err)
	}

	status := statusAt(rec, now)
	if !applied {
		metrics.RecordConfirmation("duplicate")
		s.logger.Info("payment already applied", "identity", identity, "payment_id", v.PaymentID)
		return &Confirmation{Identity: identity, Status: status}, nil
	}

	metrics.RecordConfirmation("ok")
	s.logger.Info("payment applied",
		"identity", identity,
		"order_id", v.OrderID,
		"payment_id", v.PaymentID,
		"expires_at", status.ExpiresAt,
	)
	s.notify(ctx, identity, status)

	return &Confirmation{Identity: identity, Status: status, Applied: true}, nil
}

// GetStatus returns the plan identity holds right now. A paid plan past its
// expiry reads as free even though the stored record still says pro.
func (s *Service) GetStatus(ctx context.Context, identity string) (model.Status, error) {
	identity, err := NormalizeIdentity(identity)
	if err != nil {
		return model.Status{}, err
	}

	rec, err := s.store.Get(ctx, identity)
	if err != nil {
		return model.Status{}, fmt.Errorf("get license: %w", err)
	}

	status := statusAt(rec, s.opts.Now().UTC())
	metrics.RecordStatusQuery(string(status.Plan))
	return status, nil
}

func (s *Service) notify(ctx context.Context, identity string, status model.Status) {
	for _, n := range s.notifiers {
		if err := n.LicenseUpdated(ctx, identity, status); err != nil {
			s.logger.Error("license update notification failed", "identity", identity, "error", err)
		}
	}
}

func statusAt(rec *model.LicenseRecord, now time.Time) model.Status {
	if !rec.ActiveAt(now) {
		return model.FreeStatus()
	}
	expiresAt := rec.ExpiresAt.UTC()
	return model.Status{Plan: rec.Plan, ExpiresAt: &expiresAt}
}

func verificationReason(err error) string {
	switch {
	case errors.Is(err, gateway.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, gateway.ErrMalformedPayload):
		return "malformed"
	case errors.Is(err, gateway.ErrEventIgnored):
		return "ignored"
	case gateway.IsTimeout(err):
		return "timeout"
	default:
		return "rejected"
	}
}

// newReceipt returns a short unique receipt reference. Razorpay caps
// receipts at 40 characters.
func newReceipt() string {
	return "lic_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
