package connection

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/venuekit/errs"
	"github.com/coachpo/venuekit/internal/app/exchange"
	"github.com/coachpo/venuekit/internal/app/marketdata"
	"github.com/coachpo/venuekit/internal/app/orderbook"
	"github.com/coachpo/venuekit/internal/domain/schema"
	"github.com/coachpo/venuekit/internal/infra/transport"
)

const (
	defaultStaleTimeout    = 30 * time.Second
	defaultBackoffInitial  = 500 * time.Millisecond
	defaultBackoffMax      = 30 * time.Second
	defaultSnapshotTimeout = 10 * time.Second
	transitionBuffer       = 32
)

// Options configures a Manager.
type Options struct {
	Adapters *exchange.Set
	Dialer   transport.Dialer
	Engine   *orderbook.Engine
	Hub      *marketdata.Hub

	// StaleTimeout is the longest silence (heartbeats included) tolerated while streaming.
	StaleTimeout   time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// SnapshotTimeout bounds each REST resync fetch.
	SnapshotTimeout time.Duration
}

// Manager owns every streaming session. Overlapping Subscribe calls for the
// same instrument and channel share one upstream session.
type Manager struct {
	opts Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu      sync.Mutex
	streams map[Key]*stream
	closed  bool

	reconnects metric.Int64Counter
}

// NewManager constructs a manager. Engine and Hub default to fresh instances.
func NewManager(opts Options) *Manager {
	if opts.StaleTimeout <= 0 {
		opts.StaleTimeout = defaultStaleTimeout
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = defaultBackoffInitial
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = defaultBackoffMax
	}
	if opts.SnapshotTimeout <= 0 {
		opts.SnapshotTimeout = defaultSnapshotTimeout
	}
	if opts.Engine == nil {
		opts.Engine = orderbook.NewEngine(orderbook.Options{})
	}
	if opts.Hub == nil {
		opts.Hub = marketdata.NewHub(marketdata.HubOptions{})
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{opts: opts, ctx: ctx, cancel: cancel, streams: make(map[Key]*stream)}
	m.reconnects, _ = otel.Meter("connection").Int64Counter("connection.reconnects",
		metric.WithDescription("Streaming sessions re-established after a failure"),
		metric.WithUnit("{reconnect}"))
	return m
}

// Engine returns the order book engine fed by the manager.
func (m *Manager) Engine() *orderbook.Engine { return m.opts.Engine }

// Hub returns the market data hub fed by the manager.
func (m *Manager) Hub() *marketdata.Hub { return m.opts.Hub }

// Subscribe attaches to the shared session for (inst, channel), starting it
// when this is the first subscriber.
func (m *Manager) Subscribe(inst schema.Instrument, channel exchange.Channel) (*Subscription, error) {
	if err := inst.Validate(); err != nil {
		return nil, errs.New(inst.Exchange, errs.CodeInvalid, errs.WithMessage(err.Error()))
	}
	key := Key{Instrument: inst, Channel: channel}

	// Lock order is m.mu then stream.mu.
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errs.New(inst.Exchange, errs.CodeUnavailable, errs.WithMessage("connection manager closed"))
	}
	if s, ok := m.streams[key]; ok && !s.finished() {
		return s.attach(), nil
	}

	adapter, err := m.opts.Adapters.Get(inst.Exchange)
	if err != nil {
		return nil, err
	}
	proto, err := adapter.Stream(channel)
	if err != nil {
		return nil, err
	}
	s := newStream(m, key, proto)
	m.streams[key] = s
	sub := s.attach()
	m.wg.Go(s.run)
	return sub, nil
}

// Subscriptions lists live shared sessions sorted by key.
func (m *Manager) Subscriptions() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.streams))
	for key, s := range m.streams {
		out = append(out, Info{Key: key, State: s.State(), Refs: s.refCount()})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Close stops every session and waits for their goroutines.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

// forgetLocked drops s from the session table. m.mu must be held.
func (m *Manager) forgetLocked(s *stream) {
	if cur, ok := m.streams[s.key]; ok && cur == s {
		delete(m.streams, s.key)
	}
}

func (m *Manager) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.BackoffInitial
	b.MaxInterval = m.opts.BackoffMax
	b.Reset()
	return b
}
