// Package gateway defines the contract the license service needs from a
// payment provider: create a remote order and verify a signed payment.
package gateway

import (
	"context"
	"errors"
	"net"
)

var (
	// ErrInvalidSignature means the payload's signature did not verify.
	ErrInvalidSignature = errors.New("gateway: invalid signature")

	// ErrMalformedPayload means required verification fields were missing or unreadable.
	ErrMalformedPayload = errors.New("gateway: malformed payload")

	// ErrEventIgnored means the payload verified but does not confirm a payment.
	ErrEventIgnored = errors.New("gateway: event does not confirm a payment")
)

// OrderRequest asks the gateway for a payment intent of a fixed amount.
type OrderRequest struct {
	Amount   int64 // smallest currency unit
	Currency string
	Identity string
	Receipt  string
}

// Order is the gateway-side payment intent the client completes.
type Order struct {
	ID       string
	Amount   int64
	Currency string
	// ClientSecret is set by gateways whose client SDK needs it to confirm payment.
	ClientSecret string
}

// Payload carries what the client or the gateway's webhook sent back after
// payment. Which fields are used depends on the gateway.
type Payload struct {
	Identity  string
	OrderID   string
	PaymentID string
	Signature string

	// Raw webhook body and its signature header, for gateways that confirm
	// payments through signed webhooks.
	Body            []byte
	SignatureHeader string
}

// Verification holds the facts a gateway vouches for once a payload verifies.
type Verification struct {
	Identity  string
	OrderID   string
	PaymentID string
}

// Gateway is a payment provider.
type Gateway interface {
	Name() string
	// PublicKey is the key the client needs to complete checkout.
	PublicKey() string
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	// Verify returns nil error only when the payload's signature is valid.
	Verify(ctx context.Context, p Payload) (*Verification, error)
}

// IsTimeout reports whether err came from a call that ran out of time.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
