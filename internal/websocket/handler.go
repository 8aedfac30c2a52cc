package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/licensor/internal/billing/entitlement"
	"github.com/dukerupert/licensor/internal/billing/model"
)

// StatusFunc looks up the current status for an identity.
type StatusFunc func(ctx context.Context, identity string) (model.Status, error)

// HandleLicenseEvents returns an HTTP handler that upgrades
// GET /license-events?identity=... to a WebSocket, sends the current
// license_status, then streams license_updated messages for that identity.
// The client is registered before the status is read, so an update
// confirmed in between is still delivered after the initial status.
func HandleLicenseEvents(hub *Hub, status StatusFunc, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := r.URL.Query().Get("identity")
		if identity == "" {
			identity = r.URL.Query().Get("email")
		}
		identity, err := entitlement.NormalizeIdentity(identity)
		if err != nil {
			http.Error(w, "invalid identity", http.StatusBadRequest)
			return
		}

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			InsecureSkipVerify: true, // desktop clients connect without a browser origin
		})
		if err != nil {
			logger.Warn("websocket accept", "error", err)
			return
		}

		client := NewClient(hub, conn, identity)
		hub.Register(client)

		var first []byte
		if status != nil {
			st, err := status(r.Context(), identity)
			if err != nil {
				hub.Unregister(client)
				logger.Error("websocket initial status", "identity", identity, "error", err)
				conn.Close(ws.StatusInternalError, "status unavailable")
				return
			}
			first, err = json.Marshal(NewMessage(TypeLicenseStatus, identity, st))
			if err != nil {
				hub.Unregister(client)
				logger.Error("marshal initial status", "error", err)
				conn.Close(ws.StatusInternalError, "status unavailable")
				return
			}
		}
		client.Run(r.Context(), first)
	}
}
