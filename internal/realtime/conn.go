package realtime

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
)

// Conn is the minimal transport surface the Manager needs. The production
// implementation wraps coder/websocket; tests substitute fakes.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a Conn to a WebSocket URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials with coder/websocket. When the deployment conveys the
// credential via ambient cookies, Client must carry the cookie jar.
type WSDialer struct {
	Client *http.Client
}

// Dial opens the socket and returns it wrapped as a Conn.
func (d WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	opts := &websocket.DialOptions{HTTPClient: d.Client}
	c, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(1 << 20)
	return wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w wsConn) Ping(ctx context.Context) error {
	return w.c.Ping(ctx)
}

func (w wsConn) Close(code websocket.StatusCode, reason string) error {
	return w.c.Close(code, reason)
}
