// Package gatewaytest provides an in-memory payment gateway for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/dukerupert/licensor/internal/billing/gateway"
)

// Fake is a gateway.Gateway that issues sequential order IDs ("ord_1",
// "ord_2", ...) and accepts payloads signed with Sign.
type Fake struct {
	mu     sync.Mutex
	orders []gateway.OrderRequest

	// CreateErr, when set, is returned by CreateOrder.
	CreateErr error
	// Block makes CreateOrder wait for ctx to end.
	Block bool
	// VerifyErr, when set, is returned by Verify.
	VerifyErr error
}

var _ gateway.Gateway = (*Fake)(nil)

func (f *Fake) Name() string      { return "fake" }
func (f *Fake) PublicKey() string { return "fake_public_key" }

func (f *Fake) CreateOrder(ctx context.Context, req gateway.OrderRequest) (*gateway.Order, error) {
	if f.Block {
		<-ctx.Done()
		return nil, fmt.Errorf("create order: %w", ctx.Err())
	}
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}

	f.mu.Lock()
	f.orders = append(f.orders, req)
	id := fmt.Sprintf("ord_%d", len(f.orders))
	f.mu.Unlock()

	return &gateway.Order{ID: id, Amount: req.Amount, Currency: req.Currency}, nil
}

func (f *Fake) Verify(ctx context.Context, p gateway.Payload) (*gateway.Verification, error) {
	if f.VerifyErr != nil {
		return nil, f.VerifyErr
	}
	if p.OrderID == "" || p.PaymentID == "" || p.Signature == "" {
		return nil, gateway.ErrMalformedPayload
	}
	if p.Signature != Sign(p.OrderID, p.PaymentID) {
		return nil, gateway.ErrInvalidSignature
	}
	return &gateway.Verification{Identity: p.Identity, OrderID: p.OrderID, PaymentID: p.PaymentID}, nil
}

// Orders returns the order requests received so far.
func (f *Fake) Orders() []gateway.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]gateway.OrderRequest, len(f.orders))
	copy(out, f.orders)
	return out
}

// Sign returns the signature Verify accepts for an order/payment pair.
func Sign(orderID, paymentID string) string {
	return "sig:" + orderID + "|" + paymentID
}

// Payload builds a correctly signed payload.
func Payload(identity, orderID, paymentID string) gateway.Payload {
	return gateway.Payload{
		Identity:  identity,
		OrderID:   orderID,
		PaymentID: paymentID,
		Signature: Sign(orderID, paymentID),
	}
}
