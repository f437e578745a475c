// Package transport abstracts persistent duplex message streams so the
// connection manager runs unchanged on native and browser targets.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coachpo/venuekit/errs"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("transport: connection closed")

// Conn is an established message-oriented duplex stream.
type Conn interface {
	// Send writes one text message.
	Send(ctx context.Context, payload []byte) error
	// Receive blocks until the next message, ctx cancellation or failure.
	Receive(ctx context.Context) ([]byte, error)
	// Close releases the stream. It is safe to call more than once.
	Close(reason string) error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// Kind selects a Dialer implementation.
type Kind string

const (
	// KindCoder uses github.com/coder/websocket and works on native and js/wasm.
	KindCoder Kind = "coder"
	// KindGorilla uses github.com/gorilla/websocket and is native only.
	KindGorilla Kind = "gorilla"
)

// Options tunes dialers.
type Options struct {
	HandshakeTimeout time.Duration
	ReadLimit        int64
	WriteTimeout     time.Duration
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultReadLimit        = 4 << 20
	defaultWriteTimeout     = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = defaultReadLimit
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	return o
}

// New returns the dialer for kind. An empty kind selects the platform default.
func New(kind Kind, opts Options) (Dialer, error) {
	opts = opts.withDefaults()
	switch Kind(strings.ToLower(strings.TrimSpace(string(kind)))) {
	case "", KindCoder:
		return newCoderDialer(opts), nil
	case KindGorilla:
		return newGorillaDialer(opts)
	default:
		return nil, fmt.Errorf("transport: unknown kind %q", kind)
	}
}

func networkError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return errs.New("", errs.CodeNetwork, errs.WithMessage(op), errs.WithCause(err))
}
