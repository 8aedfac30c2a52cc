package razorpay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dukerupert/licensor/internal/billing/gateway"
)

const defaultBaseURL = "https://api.razorpay.com/v1"

type Config struct {
	KeyID     string
	KeySecret string
	BaseURL   string
	Timeout   time.Duration
}

// Client talks to the Razorpay Orders API and verifies checkout signatures.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

var _ gateway.Gateway = (*Client)(nil)

func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return "razorpay" }

// PublicKey returns the key ID; Razorpay Checkout needs it client-side.
func (c *Client) PublicKey() string { return c.cfg.KeyID }

type orderRequest struct {
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Receipt        string            `json:"receipt,omitempty"`
	PaymentCapture int               `json:"payment_capture"`
	Notes          map[string]string `json:"notes,omitempty"`
}

type orderResponse struct {
	ID       string `json:"id"`
	Entity   string `json:"entity"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

// CreateOrder creates an auto-captured order for the requested amount.
func (c *Client) CreateOrder(ctx context.Context, req gateway.OrderRequest) (*gateway.Order, error) {
	payload := orderRequest{
		Amount:         req.Amount,
		Currency:       req.Currency,
		Receipt:        req.Receipt,
		PaymentCapture: 1,
	}
	if req.Identity != "" {
		payload.Notes = map[string]string{"identity": req.Identity}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.SetBasicAuth(c.cfg.KeyID, c.cfg.KeySecret)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("razorpay API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var order orderResponse
	if err := json.Unmarshal(respBody, &order); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	if order.ID == "" {
		return nil, fmt.Errorf("razorpay API returned an order without id")
	}

	return &gateway.Order{ID: order.ID, Amount: order.Amount, Currency: order.Currency}, nil
}

// Verify checks the checkout signature: hex HMAC-SHA256 of
// "order_id|payment_id" keyed with the key secret.
func (c *Client) Verify(ctx context.Context, p gateway.Payload) (*gateway.Verification, error) {
	if p.OrderID == "" || p.PaymentID == "" || p.Signature == "" {
		return nil, fmt.Errorf("%w: order id, payment id and signature are required", gateway.ErrMalformedPayload)
	}

	expected := Sign(c.cfg.KeySecret, p.OrderID, p.PaymentID)
	if subtle.ConstantTimeCompare([]byte(p.Signature), []byte(expected)) != 1 {
		return nil, gateway.ErrInvalidSignature
	}

	return &gateway.Verification{
		Identity:  p.Identity,
		OrderID:   p.OrderID,
		PaymentID: p.PaymentID,
	}, nil
}

// Sign computes the checkout signature Razorpay returns for a payment.
func Sign(secret, orderID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}
