package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/licensor/internal/billing/model"
)

// mockClient creates a Client with a send channel but no real connection.
func mockClient(hub *Hub, identity string) *Client {
	return &Client{
		hub:      hub,
		conn:     nil,
		identity: identity,
		send:     make(chan []byte, sendBufferSize),
	}
}

func proStatus() model.Status {
	exp := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	return model.Status{Plan: model.PlanPro, ExpiresAt: &exp}
}

func TestRegisterUnregister(t *testing.T) {
	hub := NewHub(slog.Default())

	c1 := mockClient(hub, "a@x.com")
	c2 := mockClient(hub, "a@x.com")
	c3 := mockClient(hub, "b@x.com")

	hub.Register(c1)
	hub.Register(c2)
	hub.Register(c3)

	if got := hub.ClientCount(); got != 3 {
		t.Fatalf("expected 3 clients, got %d", got)
	}
	if got := hub.Watching(); got != 2 {
		t.Fatalf("expected 2 identities, got %d", got)
	}

	hub.Unregister(c1)
	hub.Unregister(c3)

	if got := hub.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", got)
	}
	if got := hub.Watching(); got != 1 {
		t.Fatalf("expected 1 identity after unregister, got %d", got)
	}

	hub.Unregister(c2)

	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestDoubleUnregister(t *testing.T) {
	hub := NewHub(slog.Default())
	c := mockClient(hub, "a@x.com")
	hub.Register(c)
	hub.Unregister(c)
	// Should not panic
	hub.Unregister(c)

	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestLicenseUpdatedReachesOnlyThatIdentity(t *testing.T) {
	hub := NewHub(slog.Default())

	alice := mockClient(hub, "a@x.com")
	bob := mockClient(hub, "b@x.com")
	hub.Register(alice)
	hub.Register(bob)
	defer hub.Unregister(alice)
	defer hub.Unregister(bob)

	if err := hub.LicenseUpdated(context.Background(), "a@x.com", proStatus()); err != nil {
		t.Fatalf("license updated: %v", err)
	}

	select {
	case data := <-alice.send:
		var got Message
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Type != TypeLicenseUpdated {
			t.Errorf("expected type %s, got %s", TypeLicenseUpdated, got.Type)
		}
		if got.Plan != model.PlanPro {
			t.Errorf("expected plan pro, got %s", got.Plan)
		}
		if got.ExpiresAt == nil || !got.ExpiresAt.Equal(*proStatus().ExpiresAt) {
			t.Errorf("unexpected expires_at %v", got.ExpiresAt)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for message")
	}

	select {
	case <-bob.send:
		t.Error("other identity received the update")
	default:
	}
}

func TestLicenseUpdatedEmptyIdentity(t *testing.T) {
	hub := NewHub(slog.Default())
	if err := hub.LicenseUpdated(context.Background(), "", proStatus()); err == nil {
		t.Error("expected error for empty identity")
	}
}

func TestPublishEmptyHub(t *testing.T) {
	hub := NewHub(slog.Default())
	// Should not panic
	hub.Publish(NewMessage(TypeLicenseUpdated, "a@x.com", model.FreeStatus()))
}

func TestPublishFullBuffer(t *testing.T) {
	hub := NewHub(slog.Default())

	c := mockClient(hub, "a@x.com")
	hub.Register(c)

	for i := 0; i < sendBufferSize; i++ {
		hub.Publish(NewMessage(TypeLicenseUpdated, "a@x.com", proStatus()))
	}

	// This should drop the message, not panic or block
	hub.Publish(NewMessage(TypeLicenseUpdated, "a@x.com", proStatus()))

	count := 0
	for {
		select {
		case <-c.send:
			count++
		default:
			goto done
		}
	}
done:
	if count != sendBufferSize {
		t.Errorf("expected %d messages, got %d", sendBufferSize, count)
	}

	hub.Unregister(c)
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewHub(slog.Default())
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := mockClient(hub, "a@x.com")
			hub.Register(c)
			hub.Publish(NewMessage(TypeLicenseUpdated, "a@x.com", proStatus()))
			for {
				select {
				case <-c.send:
				default:
					hub.Unregister(c)
					return
				}
			}
		}()
	}

	wg.Wait()

	if got := hub.ClientCount(); got != 0 {
		t.Errorf("expected 0 clients after concurrent test, got %d", got)
	}
}

func TestHandleLicenseEvents(t *testing.T) {
	hub := NewHub(slog.Default())
	status := func(context.Context, string) (model.Status, error) { return model.FreeStatus(), nil }
	srv := httptest.NewServer(HandleLicenseEvents(hub, status, slog.Default()))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/license-events?identity=a@x.com"
	conn, _, err := ws.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	read := func() Message {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return msg
	}

	if msg := read(); msg.Type != TypeLicenseStatus || msg.Plan != model.PlanFree {
		t.Fatalf("initial message = %+v", msg)
	}

	hub.LicenseUpdated(ctx, "a@x.com", proStatus())

	if msg := read(); msg.Type != TypeLicenseUpdated || msg.Plan != model.PlanPro {
		t.Fatalf("update message = %+v", msg)
	}
}

func TestHandleLicenseEventsUpdateDuringStatusRead(t *testing.T) {
	hub := NewHub(slog.Default())
	// A payment confirmed after the client connects but before its initial
	// status is read must still reach it.
	status := func(ctx context.Context, identity string) (model.Status, error) {
		hub.LicenseUpdated(ctx, identity, proStatus())
		return model.FreeStatus(), nil
	}
	srv := httptest.NewServer(HandleLicenseEvents(hub, status, slog.Default()))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/license-events?identity=a@x.com"
	conn, _, err := ws.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var got []Message
	for range 2 {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read after %d messages: %v", len(got), err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		got = append(got, msg)
	}

	if got[0].Type != TypeLicenseStatus || got[0].Plan != model.PlanFree {
		t.Errorf("first message = %+v, want free license_status", got[0])
	}
	if got[1].Type != TypeLicenseUpdated || got[1].Plan != model.PlanPro {
		t.Errorf("second message = %+v, want pro license_updated", got[1])
	}
}

func TestHandleLicenseEventsStatusErrorUnregisters(t *testing.T) {
	hub := NewHub(slog.Default())
	status := func(context.Context, string) (model.Status, error) {
		return model.Status{}, errors.New("db down")
	}
	srv := httptest.NewServer(HandleLicenseEvents(hub, status, slog.Default()))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/license-events?identity=a@x.com"
	conn, _, err := ws.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	if _, _, err := conn.Read(ctx); ws.CloseStatus(err) != ws.StatusInternalError {
		t.Fatalf("read err = %v, want internal error close", err)
	}
	if got := hub.ClientCount(); got != 0 {
		t.Errorf("ClientCount = %d, want 0", got)
	}
}

func TestHandleLicenseEventsRejectsInvalidIdentity(t *testing.T) {
	h := HandleLicenseEvents(NewHub(slog.Default()), nil, slog.Default())

	tests := []struct {
		name  string
		query string
	}{
		{"missing", ""},
		{"blank", "?identity=%20%20"},
		{"control character", "?identity=a%00b"},
		{"oversized", "?identity=" + strings.Repeat("a", 321)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/license-events"+tt.query, nil))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}
