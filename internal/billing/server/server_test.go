package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	ws "github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/licensor/internal/billing/database"
	"github.com/dukerupert/licensor/internal/billing/entitlement"
	"github.com/dukerupert/licensor/internal/billing/gateway/gatewaytest"
	"github.com/dukerupert/licensor/internal/billing/store"
	"github.com/dukerupert/licensor/internal/middleware"
	"github.com/dukerupert/licensor/internal/websocket"
)

func setupServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "licenses.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := websocket.NewHub(logger)
	svc := entitlement.New(store.NewLicenseStore(db), &gatewaytest.Fake{}, entitlement.Options{
		Amount:   99900,
		Currency: "INR",
		Duration: 30 * 24 * time.Hour,
	}, logger, hub)

	ts := httptest.NewServer(New(db, svc, hub, cfg, logger).Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	ts := setupServer(t, Config{})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(middleware.RequestIDHeader))
}

func TestOrderVerifyStatusFlow(t *testing.T) {
	ts := setupServer(t, Config{})

	resp := postJSON(t, ts.URL+"/create-order", `{"identity":"a@x.com"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var order map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&order))
	require.Equal(t, "ord_1", order["order_id"])

	body := fmt.Sprintf(`{"identity":"a@x.com","razorpay_order_id":"ord_1","razorpay_payment_id":"pay_1","razorpay_signature":%q}`,
		gatewaytest.Sign("ord_1", "pay_1"))
	resp = postJSON(t, ts.URL+"/verify-payment", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	statusResp, err := http.Get(ts.URL + "/license-status?identity=a@x.com")
	require.NoError(t, err)
	defer statusResp.Body.Close()
	var status map[string]string
	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&status))
	assert.Equal(t, "pro", status["plan"])
	assert.NotEmpty(t, status["expires_at"])
}

func TestMethodNotAllowed(t *testing.T) {
	ts := setupServer(t, Config{})

	resp, err := http.Get(ts.URL + "/create-order")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRateLimitedOrders(t *testing.T) {
	ts := setupServer(t, Config{RateLimit: 2, RateWindow: time.Minute})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp := postJSON(t, ts.URL+"/create-order", `{"identity":"a@x.com"}`)
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)

	resp, err := http.Get(ts.URL + "/license-status?identity=a@x.com")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "status lookups are not rate limited")
}

func TestRateLimitForwardedHeaders(t *testing.T) {
	send := func(t *testing.T, ts *httptest.Server, forwarded string) int {
		t.Helper()
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/create-order", strings.NewReader(`{"identity":"a@x.com"}`))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", forwarded)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	t.Run("ignored by default", func(t *testing.T) {
		ts := setupServer(t, Config{RateLimit: 1, RateWindow: time.Minute})
		assert.Equal(t, http.StatusOK, send(t, ts, "1.1.1.1"))
		assert.Equal(t, http.StatusTooManyRequests, send(t, ts, "2.2.2.2"), "rotating X-Forwarded-For must not reset the limit")
	})

	t.Run("trusted behind proxy", func(t *testing.T) {
		ts := setupServer(t, Config{RateLimit: 1, RateWindow: time.Minute, TrustProxyHeaders: true})
		assert.Equal(t, http.StatusOK, send(t, ts, "1.1.1.1"))
		assert.Equal(t, http.StatusOK, send(t, ts, "2.2.2.2"))
		assert.Equal(t, http.StatusTooManyRequests, send(t, ts, "1.1.1.1"))
	})
}

func TestStripeWebhookRouteOptional(t *testing.T) {
	ts := setupServer(t, Config{})

	resp := postJSON(t, ts.URL+"/webhooks/stripe", `{}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsExposed(t *testing.T) {
	ts := setupServer(t, Config{})

	postJSON(t, ts.URL+"/create-order", `{"identity":"a@x.com"}`)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(data), "licensor_orders_total")
	assert.Contains(t, string(data), `route="POST /create-order"`)
}

func TestLicenseEventsPushedOnPayment(t *testing.T) {
	ts := setupServer(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/license-events?identity=a@x.com", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	read := func() websocket.Message {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var msg websocket.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}

	initial := read()
	require.Equal(t, websocket.TypeLicenseStatus, initial.Type)
	require.Equal(t, "free", string(initial.Plan))

	body := fmt.Sprintf(`{"identity":"a@x.com","razorpay_order_id":"ord_9","razorpay_payment_id":"pay_9","razorpay_signature":%q}`,
		gatewaytest.Sign("ord_9", "pay_9"))
	resp := postJSON(t, ts.URL+"/verify-payment", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	update := read()
	assert.Equal(t, websocket.TypeLicenseUpdated, update.Type)
	assert.Equal(t, "pro", string(update.Plan))
	assert.NotNil(t, update.ExpiresAt)
}
