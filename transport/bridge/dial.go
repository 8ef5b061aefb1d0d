package bridge

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

// wsReadLimit bounds one WebSocket message; yamux writes at most one
// window's worth of data per message.
const wsReadLimit = 1 << 20

// Dialer opens the network connection a session to a peer runs over.
// ctx bounds the lifetime of the returned connection, not just the dial.
type Dialer interface {
	Dial(ctx context.Context, target string) (net.Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, target string) (net.Conn, error)

func (f DialerFunc) Dial(ctx context.Context, target string) (net.Conn, error) {
	return f(ctx, target)
}

// TCP dials host:port targets.
func TCP(timeout time.Duration) Dialer {
	d := &net.Dialer{Timeout: timeout}
	return DialerFunc(func(ctx context.Context, target string) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", target)
	})
}

// WebSocket dials ws:// and wss:// targets. The session runs over binary
// messages of one WebSocket connection.
func WebSocket(timeout time.Duration) Dialer {
	return DialerFunc(func(ctx context.Context, target string) (net.Conn, error) {
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		c, _, err := websocket.Dial(dialCtx, target, nil)
		if err != nil {
			return nil, fmt.Errorf("websocket dial: %w", err)
		}
		c.SetReadLimit(wsReadLimit)
		return websocket.NetConn(ctx, c, websocket.MessageBinary), nil
	})
}

// Handler accepts WebSocket upgrades and serves one session per request.
// Mount it on any http.Server; the request blocks until the session ends.
func (a *Adapter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			a.logger.Debug("websocket accept failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		c.SetReadLimit(wsReadLimit)

		conn := websocket.NetConn(a.ctx, c, websocket.MessageBinary)
		if err := a.ServeConn(conn); err != nil {
			a.logger.Warn("session setup failed", "remote", r.RemoteAddr, "error", err)
		}
	})
}
