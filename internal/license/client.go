package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	ws "github.com/coder/websocket"
)

// Config holds entitlement client configuration.
type Config struct {
	ServerURL     string
	Identity      string
	CheckInterval time.Duration
	GracePeriod   time.Duration
}

// Status represents the last known license status.
type Status struct {
	Plan        string     `json:"plan"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Warning     string     `json:"warning,omitempty"`
	LastChecked time.Time  `json:"last_checked"`
	Offline     bool       `json:"offline"`
}

type statusResponse struct {
	Plan      string     `json:"plan"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type eventMessage struct {
	Type      string     `json:"type"`
	Identity  string     `json:"identity"`
	Plan      string     `json:"plan"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Client tracks the license status of one identity against the license server.
type Client struct {
	mu         sync.RWMutex
	cfg        Config
	status     Status
	httpClient *http.Client
	now        func() time.Time
	stopCh     chan struct{}
	stopped    chan struct{}
}

// NewClient creates a new license client. With no identity it stays on the
// free plan and makes no HTTP calls.
func NewClient(cfg Config) *Client {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 24 * time.Hour
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 7 * 24 * time.Hour
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = "http://localhost:8090"
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		status:  Status{Plan: "free"},
		now:     time.Now,
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Refresh fetches the current status from GET /license-status.
func (c *Client) Refresh(ctx context.Context) error {
	c.mu.RLock()
	identity := c.cfg.Identity
	endpoint := c.cfg.ServerURL + "/license-status?identity=" + url.QueryEscape(identity)
	c.mu.RUnlock()

	if identity == "" {
		c.mu.Lock()
		c.status = Status{Plan: "free", LastChecked: c.now()}
		c.mu.Unlock()
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network error: go offline and keep the last known status
		c.setOffline("Unable to reach license server")
		return fmt.Errorf("license status request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.setOffline(fmt.Sprintf("License server returned %d", resp.StatusCode))
		return fmt.Errorf("license status: status %d", resp.StatusCode)
	}

	var sr statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	c.apply(sr.Plan, sr.ExpiresAt)
	return nil
}

func (c *Client) setOffline(warning string) {
	c.mu.Lock()
	c.status.Offline = true
	c.status.Warning = warning
	c.mu.Unlock()
}

func (c *Client) apply(plan string, expiresAt *time.Time) {
	c.mu.Lock()
	c.status = Status{
		Plan:        plan,
		ExpiresAt:   expiresAt,
		LastChecked: c.now(),
	}
	c.mu.Unlock()
}

// IsPro reports whether the identity currently holds a paid plan. A status
// fetched while online stays trusted for GracePeriod after LastChecked, but
// never past the server-reported expiry.
func (c *Client) IsPro() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.status
	now := c.now()
	if s.Plan != "pro" || s.ExpiresAt == nil || !s.ExpiresAt.After(now) {
		return false
	}
	if s.LastChecked.IsZero() || now.Sub(s.LastChecked) > c.cfg.GracePeriod {
		return false
	}
	return true
}

// Status returns the cached license status.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// SetIdentity switches the tracked identity and refreshes immediately.
func (c *Client) SetIdentity(ctx context.Context, identity string) error {
	c.mu.Lock()
	c.cfg.Identity = identity
	c.status = Status{Plan: "free"}
	c.mu.Unlock()

	return c.Refresh(ctx)
}

// Start refreshes once, then keeps refreshing every CheckInterval in the
// background until Stop is called or ctx ends.
func (c *Client) Start(ctx context.Context) {
	c.Refresh(ctx)

	go func() {
		defer close(c.stopped)
		ticker := time.NewTicker(c.cfg.CheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.Refresh(ctx)
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the background refresh goroutine started by Start.
func (c *Client) Stop() {
	close(c.stopCh)
	<-c.stopped
}

// Watch subscribes to GET /license-events and calls fn with the updated
// status for every message until ctx ends or the connection drops.
func (c *Client) Watch(ctx context.Context, fn func(Status)) error {
	c.mu.RLock()
	identity := c.cfg.Identity
	server := c.cfg.ServerURL
	c.mu.RUnlock()

	if identity == "" {
		return errors.New("watch: identity is required")
	}

	wsURL := "ws" + strings.TrimPrefix(server, "http") + "/license-events?identity=" + url.QueryEscape(identity)
	conn, _, err := ws.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial license events: %w", err)
	}
	defer conn.CloseNow()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read license event: %w", err)
		}

		var msg eventMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		c.apply(msg.Plan, msg.ExpiresAt)
		if fn != nil {
			fn(c.Status())
		}
	}
}
