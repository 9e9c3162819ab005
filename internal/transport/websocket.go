package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Upgrader wraps gorilla/websocket's Upgrader with the origin policy and
// buffer sizes this server uses everywhere. CheckOrigin is permissive by
// default; deployments behind a browser client should replace
// defaultUpgrader.CheckOrigin with a stricter check.
var defaultUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSConn adapts a *websocket.Conn to the Conn interface. Reads and writes
// are each serialized with their own mutex because gorilla/websocket
// forbids concurrent writers (and, separately, concurrent readers) on one
// connection.
type WSConn struct {
	ws         *websocket.Conn
	writeMu    sync.Mutex
	readMu     sync.Mutex
	closeOnce  sync.Once
	remoteAddr string
}

// Upgrade promotes an HTTP request to a WSConn, grounded on the FastAPI
// WebSocket accept step in server_host/service/websocket_protocol.py's
// `connect`.
func Upgrade(w http.ResponseWriter, r *http.Request) (*WSConn, error) {
	ws, err := defaultUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &WSConn{ws: ws, remoteAddr: r.RemoteAddr}, nil
}

func (c *WSConn) Send(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(dl)
	} else {
		_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *WSConn) Receive(ctx context.Context) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(dl)
	} else {
		_ = c.ws.SetReadDeadline(time.Time{})
	}
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return data, nil
}

func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close()
	})
	return err
}

func (c *WSConn) RemoteAddr() string { return c.remoteAddr }

// SendPing writes a WebSocket control ping, used by the broker's keepalive
// loop in place of an application-level ping envelope when the transport
// natively supports it.
func (c *WSConn) SendPing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}
