package razorpay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukerupert/licensor/internal/billing/gateway"
)

func TestCreateOrder(t *testing.T) {
	var received orderRequest
	var user, pass string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/orders" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		user, pass, _ = r.BasicAuth()
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"order_ABC","entity":"order","amount":99900,"currency":"INR","status":"created"}`))
	}))
	defer server.Close()

	c := NewClient(Config{KeyID: "rzp_test_key", KeySecret: "secret", BaseURL: server.URL})
	order, err := c.CreateOrder(context.Background(), gateway.OrderRequest{
		Amount:   99900,
		Currency: "INR",
		Identity: "a@x.com",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.ID != "order_ABC" {
		t.Errorf("id = %q, want order_ABC", order.ID)
	}
	if user != "rzp_test_key" || pass != "secret" {
		t.Errorf("basic auth = %q/%q", user, pass)
	}
	if received.Amount != 99900 || received.Currency != "INR" || received.PaymentCapture != 1 {
		t.Errorf("request = %+v", received)
	}
	if received.Notes["identity"] != "a@x.com" {
		t.Errorf("notes = %v, want identity", received.Notes)
	}
}

func TestCreateOrderAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"code":"BAD_REQUEST_ERROR","description":"Authentication failed"}}`))
	}))
	defer server.Close()

	c := NewClient(Config{KeyID: "k", KeySecret: "s", BaseURL: server.URL})
	_, err := c.CreateOrder(context.Background(), gateway.OrderRequest{Amount: 1, Currency: "INR"})
	if err == nil {
		t.Fatal("expected error for 401")
	}
	if gateway.IsTimeout(err) {
		t.Error("401 should not look like a timeout")
	}
}

func TestCreateOrderTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	c := NewClient(Config{KeyID: "k", KeySecret: "s", BaseURL: server.URL, Timeout: 20 * time.Millisecond})
	_, err := c.CreateOrder(context.Background(), gateway.OrderRequest{Amount: 1, Currency: "INR"})
	if !gateway.IsTimeout(err) {
		t.Fatalf("err = %v, want timeout", err)
	}
}

func TestVerify(t *testing.T) {
	c := NewClient(Config{KeyID: "k", KeySecret: "secret"})

	v, err := c.Verify(context.Background(), gateway.Payload{
		Identity:  "a@x.com",
		OrderID:   "order_1",
		PaymentID: "pay_1",
		Signature: Sign("secret", "order_1", "pay_1"),
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if v.Identity != "a@x.com" || v.OrderID != "order_1" || v.PaymentID != "pay_1" {
		t.Errorf("verification = %+v", v)
	}
}

func TestVerifyRejects(t *testing.T) {
	c := NewClient(Config{KeyID: "k", KeySecret: "secret"})

	tests := []struct {
		name string
		p    gateway.Payload
		want error
	}{
		{"missing signature", gateway.Payload{OrderID: "order_1", PaymentID: "pay_1"}, gateway.ErrMalformedPayload},
		{"missing order", gateway.Payload{PaymentID: "pay_1", Signature: "abc"}, gateway.ErrMalformedPayload},
		{"wrong secret", gateway.Payload{OrderID: "order_1", PaymentID: "pay_1", Signature: Sign("other", "order_1", "pay_1")}, gateway.ErrInvalidSignature},
		{"swapped ids", gateway.Payload{OrderID: "order_2", PaymentID: "pay_1", Signature: Sign("secret", "order_1", "pay_1")}, gateway.ErrInvalidSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Verify(context.Background(), tt.p)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}
