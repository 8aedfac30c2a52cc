package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/dukerupert/licensor/internal/billing/gateway"
)

type WebhookHandler struct {
	svc    Service
	logger *slog.Logger
}

func NewWebhookHandler(svc Service, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{svc: svc, logger: logger}
}

// HandleStripeWebhook confirms payments from signed Stripe events. Events
// that verify but do not confirm a payment are acknowledged as ignored so
// Stripe stops retrying them.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeDecodeError(w, err)
		return
	}

	conf, err := h.svc.ConfirmPayment(r.Context(), gateway.Payload{
		Body:            body,
		SignatureHeader: r.Header.Get("Stripe-Signature"),
	})
	if errors.Is(err, gateway.ErrEventIgnored) {
		h.logger.Debug("webhook event ignored", "reason", err)
		writeJSON(w, http.StatusOK, statusOK{Status: "ignored"})
		return
	}
	if err != nil {
		writeServiceError(w, r, h.logger, "stripe webhook", "", err)
		return
	}

	h.logger.Info("webhook payment confirmed", "identity", conf.Identity, "applied", conf.Applied)
	writeJSON(w, http.StatusOK, statusOK{Status: "ok"})
}
