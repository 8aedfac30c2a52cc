package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/licensor/internal/billing/model"
)

// LicenseStore persists one license record per identity together with the
// ledger of payments applied to it. Writes for the same identity are
// serialized in-process and run inside a single transaction.
type LicenseStore struct {
	db    *sql.DB
	locks *keyLock
}

func NewLicenseStore(db *sql.DB) *LicenseStore {
	return &LicenseStore{db: db, locks: newKeyLock()}
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanLicense(scanner interface{ Scan(...any) error }) (*model.LicenseRecord, error) {
	var rec model.LicenseRecord
	var plan string
	var expiresAt sql.NullTime
	var pendingOrderID sql.NullString
	err := scanner.Scan(&rec.Identity, &plan, &expiresAt, &pendingOrderID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Plan = model.Plan(plan)
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		rec.ExpiresAt = &t
	}
	if pendingOrderID.Valid {
		rec.PendingOrderID = &pendingOrderID.String
	}
	return &rec, nil
}

const licenseCols = `identity, plan, expires_at, pending_order_id, created_at, updated_at`

func getLicense(ctx context.Context, q queryer, identity string) (*model.LicenseRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+licenseCols+` FROM licenses WHERE identity = ?`, identity)
	rec, err := scanLicense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Get returns the license record for identity, or nil if none exists.
func (s *LicenseStore) Get(ctx context.Context, identity string) (*model.LicenseRecord, error) {
	rec, err := getLicense(ctx, s.db, identity)
	if err != nil {
		return nil, storageErr("get license", err)
	}
	return rec, nil
}

// UpsertPendingOrder records orderID as the identity's pending order,
// creating a free record if none exists. Plan and expiry are left alone.
func (s *LicenseStore) UpsertPendingOrder(ctx context.Context, identity, orderID string) error {
	if identity == "" || orderID == "" {
		return fmt.Errorf("%w: identity and order id are required", ErrInvalidRecord)
	}

	unlock := s.locks.Lock(identity)
	defer unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO licenses (identity, pending_order_id) VALUES (?, ?)
		 ON CONFLICT (identity) DO UPDATE SET
		     pending_order_id = excluded.pending_order_id,
		     updated_at = CURRENT_TIMESTAMP`,
		identity, orderID,
	)
	if err != nil {
		return storageErr("upsert pending order", err)
	}
	return nil
}

// ConfirmPlan sets plan and expiry for identity, creating the record if it
// does not exist yet so a payment is never lost to a missing order step.
// It is the unchecked create-on-confirm write: it does not consult the
// payment ledger. Credit verified payments through ApplyPayment instead.
func (s *LicenseStore) ConfirmPlan(ctx context.Context, identity string, plan model.Plan, expiresAt *time.Time) (*model.LicenseRecord, error) {
	return s.Modify(ctx, identity, func(rec *model.LicenseRecord) error {
		rec.Plan = plan
		rec.ExpiresAt = expiresAt
		return nil
	})
}

// Modify is the read-modify-write primitive ConfirmPlan is built on. It runs
// fn against the current record for identity (a fresh free record if absent)
// and writes the result, all in one transaction. An error from fn aborts the
// write and leaves the stored record untouched.
func (s *LicenseStore) Modify(ctx context.Context, identity string, fn func(rec *model.LicenseRecord) error) (*model.LicenseRecord, error) {
	if identity == "" {
		return nil, fmt.Errorf("%w: identity is required", ErrInvalidRecord)
	}

	unlock := s.locks.Lock(identity)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin modify", err)
	}
	defer tx.Rollback()

	rec, err := getLicense(ctx, tx, identity)
	if err != nil {
		return nil, storageErr("read license", err)
	}
	if rec == nil {
		rec = &model.LicenseRecord{Identity: identity, Plan: model.PlanFree}
	}

	if err := fn(rec); err != nil {
		return nil, err
	}

	out, err := writeLicense(ctx, tx, rec)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit modify", err)
	}
	return out, nil
}

// PaymentApplication describes a verified payment to be credited.
type PaymentApplication struct {
	Identity  string
	PaymentID string
	OrderID   string
	Gateway   string
	Plan      model.Plan

	// RequireOrderMatch rejects payments whose OrderID is not the identity's
	// pending order.
	RequireOrderMatch bool

	// Expiry computes the new expires_at from the record as read inside the
	// transaction. current is nil when the identity has no record yet.
	Expiry func(current *model.LicenseRecord) time.Time
}

// ApplyPayment credits a verified payment exactly once. If the payment ID is
// already in the ledger for the same identity, the current record is
// returned with applied=false and nothing is written.
func (s *LicenseStore) ApplyPayment(ctx context.Context, app PaymentApplication) (*model.LicenseRecord, bool, error) {
	if app.Identity == "" || app.PaymentID == "" || app.Expiry == nil {
		return nil, false, fmt.Errorf("%w: identity, payment id and expiry are required", ErrInvalidRecord)
	}

	unlock := s.locks.Lock(app.Identity)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, storageErr("begin apply payment", err)
	}
	defer tx.Rollback()

	rec, err := getLicense(ctx, tx, app.Identity)
	if err != nil {
		return nil, false, storageErr("read license", err)
	}

	var claimedBy string
	err = tx.QueryRowContext(ctx, `SELECT identity FROM payments WHERE payment_id = ?`, app.PaymentID).Scan(&claimedBy)
	switch {
	case err == nil:
		if claimedBy != app.Identity {
			return nil, false, ErrPaymentClaimed
		}
		return rec, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, false, storageErr("read payment", err)
	}

	if app.RequireOrderMatch {
		if rec == nil || rec.PendingOrderID == nil || *rec.PendingOrderID != app.OrderID {
			return nil, false, ErrOrderMismatch
		}
	}

	expiresAt := app.Expiry(rec).UTC()

	next := &model.LicenseRecord{Identity: app.Identity}
	if rec != nil {
		copied := *rec
		next = &copied
	}
	next.Plan = app.Plan
	next.ExpiresAt = &expiresAt
	if next.PendingOrderID != nil && *next.PendingOrderID == app.OrderID {
		next.PendingOrderID = nil
	}

	out, err := writeLicense(ctx, tx, next)
	if err != nil {
		return nil, false, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO payments (payment_id, identity, order_id, gateway, expires_at) VALUES (?, ?, ?, ?, ?)`,
		app.PaymentID, app.Identity, app.OrderID, app.Gateway, expiresAt,
	)
	if err != nil {
		return nil, false, storageErr("insert payment", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, storageErr("commit apply payment", err)
	}
	return out, true, nil
}

// GetPayment returns the ledger row for paymentID, or nil if none exists.
// The service reads the ledger inside ApplyPayment; this is for inspection.
func (s *LicenseStore) GetPayment(ctx context.Context, paymentID string) (*model.Payment, error) {
	var p model.Payment
	err := s.db.QueryRowContext(ctx,
		`SELECT payment_id, identity, order_id, gateway, expires_at, created_at FROM payments WHERE payment_id = ?`,
		paymentID,
	).Scan(&p.PaymentID, &p.Identity, &p.OrderID, &p.Gateway, &p.ExpiresAt, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get payment", err)
	}
	p.ExpiresAt = p.ExpiresAt.UTC()
	return &p, nil
}

func writeLicense(ctx context.Context, tx *sql.Tx, rec *model.LicenseRecord) (*model.LicenseRecord, error) {
	if !rec.Plan.Valid() {
		return nil, fmt.Errorf("%w: unknown plan %q", ErrInvalidRecord, rec.Plan)
	}
	if rec.Plan == model.PlanPro && rec.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: pro plan requires an expiry", ErrInvalidRecord)
	}
	if rec.Plan == model.PlanFree && rec.ExpiresAt != nil {
		return nil, fmt.Errorf("%w: free plan cannot carry an expiry", ErrInvalidRecord)
	}

	var expiresAt sql.NullTime
	if rec.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: rec.ExpiresAt.UTC(), Valid: true}
	}
	var pendingOrderID sql.NullString
	if rec.PendingOrderID != nil {
		pendingOrderID = sql.NullString{String: *rec.PendingOrderID, Valid: true}
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO licenses (identity, plan, expires_at, pending_order_id) VALUES (?, ?, ?, ?)
		 ON CONFLICT (identity) DO UPDATE SET
		     plan = excluded.plan,
		     expires_at = excluded.expires_at,
		     pending_order_id = excluded.pending_order_id,
		     updated_at = CURRENT_TIMESTAMP`,
		rec.Identity, string(rec.Plan), expiresAt, pendingOrderID,
	)
	if err != nil {
		return nil, storageErr("write license", err)
	}

	out, err := getLicense(ctx, tx, rec.Identity)
	if err != nil {
		return nil, storageErr("read back license", err)
	}
	return out, nil
}
