package transport

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the minimal socket surface the adapter needs, narrow enough that
// tests can swap in an in-memory pair.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(payload []byte) error
	Close() error
}

// Dialer establishes a connection to the collaboration server.
type Dialer func(ctx context.Context, url string) (Conn, error)

// WebsocketDialer returns the production dialer backed by gorilla/websocket.
func WebsocketDialer() Dialer {
	dialer := &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	return func(ctx context.Context, url string) (Conn, error) {
		conn, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return &wsConn{conn: conn}, nil
	}
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(payload []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) Close() error {
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}
