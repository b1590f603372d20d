package inference

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the client uses. Reads happen on one goroutine and
// data frames are written by one goroutine; WriteControl and Close may be called concurrently
// with both. Deadlines are wall-clock times.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens a connection to the inference service.
type Dialer func(ctx context.Context, url string) (Conn, error)

// WebSocketDialer returns a Dialer backed by gorilla/websocket.
func WebSocketDialer(handshakeTimeout time.Duration) Dialer {
	d := &websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Proxy:            websocket.DefaultDialer.Proxy,
	}
	return func(ctx context.Context, url string) (Conn, error) {
		conn, resp, err := d.DialContext(ctx, url, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, fmt.Errorf("failed to dial %s: %w", url, err)
		}
		return conn, nil
	}
}
