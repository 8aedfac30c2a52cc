package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/dukerupert/licensor/internal/billing/model"
)

const postmarkURL = "https://api.postmarkapp.com/email"

type Client struct {
	serverToken string
	fromEmail   string
	baseURL     string
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func NewClient(serverToken, fromEmail, baseURL string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the server token is set.
func (c *Client) Configured() bool {
	return c.serverToken != ""
}

type postmarkEmail struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
}

var receiptHTML = template.Must(template.New("receipt").Parse(
	`<p>Thanks for your purchase.</p><p>Plan: <strong>{{.Plan}}</strong><br>Valid until: {{.Expiry}}</p><p><a href="{{.StatusURL}}">Check your license</a></p>`,
))

type receiptData struct {
	Plan      model.Plan
	Expiry    string
	StatusURL string
}

// statusURL links to the license status of identity, query-escaped so
// addresses like alice+work@example.com round-trip.
func (c *Client) statusURL(identity string) string {
	return c.baseURL + "/license-status?" + url.Values{"identity": {identity}}.Encode()
}

// SendReceipt mails a purchase receipt stating the plan and when it expires.
func (c *Client) SendReceipt(ctx context.Context, toEmail string, plan model.Plan, expiresAt time.Time) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured: missing server token")
	}

	expiry := expiresAt.UTC().Format("January 2, 2006")
	statusURL := c.statusURL(toEmail)
	subject := fmt.Sprintf("Your %s license is active", plan)
	textBody := fmt.Sprintf(
		"Thanks for your purchase.\n\nPlan: %s\nValid until: %s\n\nCheck your license at any time:\n%s\n",
		plan, expiry, statusURL,
	)
	var htmlBody strings.Builder
	if err := receiptHTML.Execute(&htmlBody, receiptData{Plan: plan, Expiry: expiry, StatusURL: statusURL}); err != nil {
		return fmt.Errorf("render receipt: %w", err)
	}

	return c.send(ctx, postmarkEmail{
		From:     c.fromEmail,
		To:       toEmail,
		Subject:  subject,
		HtmlBody: htmlBody.String(),
		TextBody: textBody,
	})
}

// LicenseUpdated sends a receipt when an identity that is an email address
// gains a paid plan. Other identities are skipped.
func (c *Client) LicenseUpdated(ctx context.Context, identity string, status model.Status) error {
	if !c.Configured() || status.ExpiresAt == nil {
		return nil
	}
	if _, err := mail.ParseAddress(identity); err != nil {
		return nil
	}
	return c.SendReceipt(ctx, identity, status.Plan, *status.ExpiresAt)
}

func (c *Client) send(ctx context.Context, payload postmarkEmail) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", postmarkURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}

	return nil
}
