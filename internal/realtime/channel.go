package realtime

import (
	"context"
	"time"

	"github.com/coder/websocket"
)

// DefaultSendTimeout bounds a single frame write.
const DefaultSendTimeout = 5 * time.Second

// Channel is one live duplex transport the registry can push frames to.
// Implementations must be safe for concurrent Send calls.
type Channel interface {
	Send(ctx context.Context, data []byte) error
	Close(reason string) error
}

type wsChannel struct {
	conn    *websocket.Conn
	timeout time.Duration
}

// NewWebSocketChannel wraps a WebSocket connection. Each send is bounded by
// timeout; a write that times out closes the underlying connection.
func NewWebSocketChannel(conn *websocket.Conn, timeout time.Duration) Channel {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &wsChannel{conn: conn, timeout: timeout}
}

func (c *wsChannel) Send(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsChannel) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}
