// Package transporttest provides an in-memory transport.Dialer for tests.
package transporttest

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coachpo/venuekit/errs"
	"github.com/coachpo/venuekit/internal/infra/transport"
)

// Dialer hands out in-memory connections and exposes the server side of each.
type Dialer struct {
	peers chan *Peer
	dials atomic.Int64

	mu       sync.Mutex
	failNext []error
}

// NewDialer constructs an in-memory dialer.
func NewDialer() *Dialer {
	return &Dialer{peers: make(chan *Peer, 16)}
}

// FailNext makes the next Dial calls fail with the given errors, in order.
func (d *Dialer) FailNext(errList ...error) {
	d.mu.Lock()
	d.failNext = append(d.failNext, errList...)
	d.mu.Unlock()
}

// Dials returns the number of Dial attempts.
func (d *Dialer) Dials() int64 { return d.dials.Load() }

func (d *Dialer) Dial(ctx context.Context, url string, header http.Header) (transport.Conn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	if len(d.failNext) > 0 {
		err := d.failNext[0]
		d.failNext = d.failNext[1:]
		d.mu.Unlock()
		return nil, err
	}
	d.mu.Unlock()

	p := &Peer{
		URL:        url,
		Header:     header.Clone(),
		toClient:   make(chan []byte, 256),
		fromClient: make(chan []byte, 256),
		closed:     make(chan struct{}),
	}
	select {
	case d.peers <- p:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &clientConn{peer: p}, nil
}

// Accept waits for the next dialled connection.
func (d *Dialer) Accept(ctx context.Context) (*Peer, error) {
	select {
	case p := <-d.peers:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Peer is the server half of an in-memory connection.
type Peer struct {
	URL    string
	Header http.Header

	toClient   chan []byte
	fromClient chan []byte
	closed     chan struct{}
	once       sync.Once
}

// Push delivers payload to the client. It returns false when the pipe is closed.
func (p *Peer) Push(payload string) bool {
	select {
	case <-p.closed:
		return false
	default:
	}
	select {
	case p.toClient <- []byte(payload):
		return true
	case <-p.closed:
		return false
	}
}

// Next returns the next message the client sent.
func (p *Peer) Next(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-p.fromClient:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Drop closes the connection from the server side.
func (p *Peer) Drop() { p.once.Do(func() { close(p.closed) }) }

// Closed is closed once either side closes.
func (p *Peer) Closed() <-chan struct{} { return p.closed }

type clientConn struct {
	peer *Peer
}

func (c *clientConn) Send(ctx context.Context, payload []byte) error {
	select {
	case <-c.peer.closed:
		return closedErr()
	default:
	}
	select {
	case c.peer.fromClient <- append([]byte(nil), payload...):
		return nil
	case <-c.peer.closed:
		return closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *clientConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.peer.toClient:
		return msg, nil
	case <-c.peer.closed:
		return nil, closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *clientConn) Close(string) error {
	c.peer.Drop()
	return nil
}

func closedErr() error {
	return errs.New("", errs.CodeNetwork, errs.WithMessage("pipe closed"), errs.WithCause(transport.ErrClosed))
}
