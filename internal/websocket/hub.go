package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/licensor/internal/billing/model"
)

const (
	TypeLicenseStatus  = "license_status"
	TypeLicenseUpdated = "license_updated"
)

// Message is a license notification pushed to the clients watching an identity.
type Message struct {
	Type      string     `json:"type"`
	Identity  string     `json:"identity"`
	Plan      model.Plan `json:"plan"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// NewMessage builds a message of the given type from a status.
func NewMessage(typ, identity string, status model.Status) Message {
	return Message{
		Type:      typ,
		Identity:  identity,
		Plan:      status.Plan,
		ExpiresAt: status.ExpiresAt,
	}
}

// Hub tracks connected clients by the identity they watch.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	logger  *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	set, ok := h.clients[c.identity]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.identity] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if set, ok := h.clients[c.identity]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			close(c.send)
		}
		if len(set) == 0 {
			delete(h.clients, c.identity)
		}
	}
	h.mu.Unlock()
}

// Publish sends msg to every client watching msg.Identity.
func (h *Hub) Publish(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal license message", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[msg.Identity] {
		select {
		case c.send <- data:
		default:
			// Client buffer full, drop the message.
		}
	}
}

// LicenseUpdated publishes a license_updated message for identity.
func (h *Hub) LicenseUpdated(_ context.Context, identity string, status model.Status) error {
	if identity == "" {
		return fmt.Errorf("publish license update: empty identity")
	}
	h.Publish(NewMessage(TypeLicenseUpdated, identity, status))
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// Watching returns the number of distinct identities with connected clients.
func (h *Hub) Watching() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
