//go:build js

package transport

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
)

// Browsers do not allow custom handshake headers; header is ignored.
func dialCoder(ctx context.Context, url string, _ http.Header) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	return conn, err
}
