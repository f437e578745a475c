package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

type coderDialer struct {
	opts Options
}

func newCoderDialer(opts Options) *coderDialer {
	return &coderDialer{opts: opts}
}

func (d *coderDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.opts.HandshakeTimeout)
	defer cancel()
	conn, err := dialCoder(dialCtx, url, header)
	if err != nil {
		return nil, networkError("websocket dial", err)
	}
	conn.SetReadLimit(d.opts.ReadLimit)
	return &coderConn{conn: conn, writeTimeout: d.opts.WriteTimeout}, nil
}

type coderConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

func (c *coderConn) Send(ctx context.Context, payload []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
		return networkError("websocket write", err)
	}
	return nil
}

func (c *coderConn) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) != -1 {
			return nil, networkError("websocket closed by peer", errors.Join(ErrClosed, err))
		}
		return nil, networkError("websocket read", err)
	}
	return data, nil
}

func (c *coderConn) Close(reason string) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close(websocket.StatusNormalClosure, reason)
	})
	return c.closeErr
}
