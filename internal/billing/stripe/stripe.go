package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dukerupert/licensor/internal/billing/gateway"
)

const eventPaymentIntentSucceeded = "payment_intent.succeeded"

type Config struct {
	SecretKey      string
	PublishableKey string
	WebhookSecret  string
	Timeout        time.Duration
	// APIURL overrides the Stripe API base URL (tests, stripe-mock).
	APIURL string
}

// Client creates PaymentIntents and confirms payments from signed webhooks.
type Client struct {
	cfg Config
	api *client.API
}

var _ gateway.Gateway = (*Client)(nil)

func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
	}

	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
	})

	return &Client{cfg: cfg, api: api}
}

func (c *Client) Name() string { return "stripe" }

// PublicKey returns the publishable key Stripe.js is initialised with.
func (c *Client) PublicKey() string { return c.cfg.PublishableKey }

// CreateOrder creates a PaymentIntent tagged with the buyer's identity.
func (c *Client) CreateOrder(ctx context.Context, req gateway.OrderRequest) (*gateway.Order, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.Receipt != "" {
		params.Description = stripe.String(req.Receipt)
	}
	params.Context = ctx
	params.AddMetadata("identity", req.Identity)

	pi, err := c.api.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}

	return &gateway.Order{
		ID:           pi.ID,
		Amount:       pi.Amount,
		Currency:     strings.ToUpper(string(pi.Currency)),
		ClientSecret: pi.ClientSecret,
	}, nil
}

// Verify checks the webhook signature and accepts only succeeded
// PaymentIntents. The identity comes from the signed metadata.
func (c *Client) Verify(ctx context.Context, p gateway.Payload) (*gateway.Verification, error) {
	if len(p.Body) == 0 || p.SignatureHeader == "" {
		return nil, fmt.Errorf("%w: webhook body and signature header are required", gateway.ErrMalformedPayload)
	}

	event, err := webhook.ConstructEventWithOptions(p.Body, p.SignatureHeader, c.cfg.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if errors.Is(err, webhook.ErrNotSigned) || errors.Is(err, webhook.ErrInvalidHeader) {
			return nil, fmt.Errorf("%w: %v", gateway.ErrMalformedPayload, err)
		}
		return nil, fmt.Errorf("%w: %v", gateway.ErrInvalidSignature, err)
	}

	if event.Type != eventPaymentIntentSucceeded {
		return nil, fmt.Errorf("%w: %s", gateway.ErrEventIgnored, event.Type)
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("%w: unmarshal payment intent: %v", gateway.ErrMalformedPayload, err)
	}

	identity := pi.Metadata["identity"]
	if pi.ID == "" || identity == "" {
		return nil, fmt.Errorf("%w: payment intent missing id or identity", gateway.ErrMalformedPayload)
	}
	if p.Identity != "" && p.Identity != identity {
		return nil, fmt.Errorf("%w: identity does not match payment intent", gateway.ErrMalformedPayload)
	}

	return &gateway.Verification{
		Identity:  identity,
		OrderID:   pi.ID,
		PaymentID: pi.ID,
	}, nil
}
