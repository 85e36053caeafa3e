package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of a websocket connection a session uses.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	// WriteMessage must not retain data after it returns.
	WriteMessage(messageType int, data []byte) error
	// WriteClose sends a close frame with code without closing the socket.
	WriteClose(code int) error
	Close() error
}

// Dialer opens gateway connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	wd := d.Dialer
	if wd == nil {
		wd = websocket.DefaultDialer
	}
	c, resp, err := wd.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &wsConn{Conn: c}, nil
}

type wsConn struct {
	*websocket.Conn
}

func (c *wsConn) WriteClose(code int) error {
	msg := websocket.FormatCloseMessage(code, "")
	return c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
