package client

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/courier-im/courier/internal/wire"
)

// Conn is one live connection to the server. The reconciler owns exactly
// one at a time.
type Conn interface {
	ReadFrame() (*wire.ServerFrame, error)
	WriteFrame(*wire.ClientFrame) error
	Close() error
}

// Dialer opens a new connection. The reconciler redials through it on
// every reconnect.
type Dialer func(ctx context.Context) (Conn, error)

const wsWriteWait = 3 * time.Second

// WebsocketDialer returns a Dialer for the server's websocket endpoint,
// identifying as userID.
func WebsocketDialer(url, userID string) Dialer {
	return func(ctx context.Context) (Conn, error) {
		header := http.Header{"X-Courier-User": []string{userID}}
		c, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			return nil, err
		}
		return &wsConn{conn: c}, nil
	}
}

// wsConn serializes writers: sends, retry timers, and user actions all
// write concurrently, and the websocket allows only one writer at a time.
type wsConn struct {
	writeMu sync.Mutex
	conn    *websocket.Conn
}

func (c *wsConn) ReadFrame() (*wire.ServerFrame, error) {
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var f wire.ServerFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *wsConn) WriteFrame(f *wire.ClientFrame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
