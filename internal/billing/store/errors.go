package store

import "errors"

var (
	// ErrInvalidRecord is returned when a write would break a license invariant.
	ErrInvalidRecord = errors.New("store: invalid license record")

	// ErrPaymentClaimed is returned when a payment ID has already been applied
	// to a different identity.
	ErrPaymentClaimed = errors.New("store: payment already applied to another identity")

	// ErrOrderMismatch is returned when order matching is required and the
	// paid order is not the identity's pending order.
	ErrOrderMismatch = errors.New("store: order does not match pending order")
)

// StorageError wraps a failure of the underlying database.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "storage: " + e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
