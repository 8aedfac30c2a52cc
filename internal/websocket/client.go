package websocket

import (
	"context"
	"time"

	ws "github.com/coder/websocket"
)

const (
	sendBufferSize = 16
	pingInterval   = 30 * time.Second
)

// Client is a single WebSocket connection watching one identity.
type Client struct {
	hub      *Hub
	conn     *ws.Conn
	identity string
	send     chan []byte
}

// NewClient creates a Client tied to the given hub, connection and identity.
func NewClient(hub *Hub, conn *ws.Conn, identity string) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		identity: identity,
		send:     make(chan []byte, sendBufferSize),
	}
}

// Run starts the write pump and runs the read pump for a client that is
// already registered with the hub. first, if non-nil, is written before
// anything queued on the send channel. Run blocks until the connection is
// closed, then unregisters.
func (c *Client) Run(ctx context.Context, first []byte) {
	defer c.hub.Unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx, first)
	c.readPump(ctx)
}

// readPump reads and discards all incoming messages. It returns on error
// (connection close), which triggers cleanup.
func (c *Client) readPump(ctx context.Context) {
	for {
		_, _, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
	}
}

// writePump drains the send channel and writes messages to the WebSocket.
// It also sends periodic pings to detect stale connections.
func (c *Client) writePump(ctx context.Context, first []byte) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	if first != nil {
		if err := c.conn.Write(ctx, ws.MessageText, first); err != nil {
			return
		}
	}

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, ws.MessageText, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
