//go:build !js

package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type gorillaDialer struct {
	dialer websocket.Dialer
	opts   Options
}

func newGorillaDialer(opts Options) (Dialer, error) {
	return &gorillaDialer{
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		opts: opts,
	}, nil
}

func (d *gorillaDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, networkError("websocket dial", err)
	}
	conn.SetReadLimit(d.opts.ReadLimit)
	g := &gorillaConn{
		conn:         conn,
		writeTimeout: d.opts.WriteTimeout,
		inbox:        make(chan []byte, 64),
		done:         make(chan struct{}),
		closed:       make(chan struct{}),
	}
	conn.SetPingHandler(func(data string) error {
		g.writeMu.Lock()
		defer g.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(g.writeTimeout))
	})
	go g.readLoop()
	return g, nil
}

// gorillaConn pumps reads on a dedicated goroutine so Receive can honour ctx.
type gorillaConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex

	inbox   chan []byte
	done    chan struct{}
	closed  chan struct{}
	readErr error

	closeOnce sync.Once
	closeErr  error
}

func (g *gorillaConn) readLoop() {
	defer close(g.done)
	for {
		_, data, err := g.conn.ReadMessage()
		if err != nil {
			g.readErr = err
			return
		}
		select {
		case g.inbox <- data:
		case <-g.closed:
			return
		}
	}
}

func (g *gorillaConn) Send(ctx context.Context, payload []byte) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	deadline := time.Now().Add(g.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = g.conn.SetWriteDeadline(deadline)
	if err := g.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return networkError("websocket write", err)
	}
	return nil
}

func (g *gorillaConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-g.inbox:
		return data, nil
	case <-g.done:
		select {
		case data := <-g.inbox:
			return data, nil
		default:
		}
		if g.readErr != nil {
			return nil, networkError("websocket read", g.readErr)
		}
		return nil, networkError("websocket read", ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gorillaConn) Close(reason string) error {
	g.closeOnce.Do(func() {
		close(g.closed)
		g.writeMu.Lock()
		_ = g.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(time.Second))
		g.writeMu.Unlock()
		g.closeErr = g.conn.Close()
	})
	return g.closeErr
}
