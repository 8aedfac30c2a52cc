package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/licensor/internal/billing/entitlement"
	"github.com/dukerupert/licensor/internal/billing/gateway"
	"github.com/dukerupert/licensor/internal/billing/model"
)

// Service is the entitlement API the handlers drive.
type Service interface {
	CreateOrder(ctx context.Context, identity string) (*entitlement.OrderResult, error)
	ConfirmPayment(ctx context.Context, p gateway.Payload) (*entitlement.Confirmation, error)
	GetStatus(ctx context.Context, identity string) (model.Status, error)
}

type LicenseHandler struct {
	svc    Service
	logger *slog.Logger
}

func NewLicenseHandler(svc Service, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{svc: svc, logger: logger}
}

type createOrderRequest struct {
	Identity string `json:"identity"`
	Email    string `json:"email"`
}

type createOrderResponse struct {
	OrderID          string `json:"order_id"`
	GatewayPublicKey string `json:"gateway_public_key"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	ClientSecret     string `json:"client_secret,omitempty"`
}

// CreateOrder handles POST /create-order.
func (h *LicenseHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	identity := firstNonEmpty(req.Identity, req.Email)

	order, err := h.svc.CreateOrder(r.Context(), identity)
	if err != nil {
		writeServiceError(w, r, h.logger, "create order", identity, err)
		return
	}

	writeJSON(w, http.StatusOK, createOrderResponse{
		OrderID:          order.OrderID,
		GatewayPublicKey: order.PublicKey,
		Amount:           order.Amount,
		Currency:         order.Currency,
		ClientSecret:     order.ClientSecret,
	})
}

// verifyPaymentRequest is the Razorpay checkout handler response plus the
// identity the client is paying for.
type verifyPaymentRequest struct {
	Identity          string `json:"identity"`
	Email             string `json:"email"`
	RazorpayOrderID   string `json:"razorpay_order_id"`
	RazorpayPaymentID string `json:"razorpay_payment_id"`
	RazorpaySignature string `json:"razorpay_signature"`
}

type statusOK struct {
	Status string `json:"status"`
}

// VerifyPayment handles POST /verify-payment.
func (h *LicenseHandler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req verifyPaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	identity := firstNonEmpty(req.Identity, req.Email)
	if identity == "" {
		writeError(w, http.StatusBadRequest, "identity is required")
		return
	}

	_, err := h.svc.ConfirmPayment(r.Context(), gateway.Payload{
		Identity:  identity,
		OrderID:   req.RazorpayOrderID,
		PaymentID: req.RazorpayPaymentID,
		Signature: req.RazorpaySignature,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "verify payment", identity, err)
		return
	}

	writeJSON(w, http.StatusOK, statusOK{Status: "ok"})
}

type statusResponse struct {
	Plan      string  `json:"plan"`
	ExpiresAt *string `json:"expires_at,omitempty"`
}

// Status handles GET /license-status?identity=... (email= is accepted too).
func (h *LicenseHandler) Status(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	identity := firstNonEmpty(q.Get("identity"), q.Get("email"))

	st, err := h.svc.GetStatus(r.Context(), identity)
	if err != nil {
		writeServiceError(w, r, h.logger, "license status", identity, err)
		return
	}

	resp := statusResponse{Plan: string(st.Plan)}
	if st.ExpiresAt != nil {
		s := st.ExpiresAt.UTC().Format(time.RFC3339)
		resp.ExpiresAt = &s
	}
	writeJSON(w, http.StatusOK, resp)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
