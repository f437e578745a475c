package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/venuekit/errs"
	"github.com/coachpo/venuekit/internal/app/exchange"
	"github.com/coachpo/venuekit/internal/app/orderbook"
	"github.com/coachpo/venuekit/internal/domain/schema"
	"github.com/coachpo/venuekit/internal/infra/telemetry"
	"github.com/coachpo/venuekit/internal/observability"
)

// ErrStale is the transition cause when a session goes silent.
var ErrStale = errors.New("connection: no messages within stale timeout")

type snapshotResult struct {
	book schema.OrderBook
	err  error
}

type stream struct {
	m     *Manager
	key   Key
	proto exchange.StreamProtocol

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	state State
	err   error
	subs  map[*Subscription]struct{}
}

func newStream(m *Manager, key Key, proto exchange.StreamProtocol) *stream {
	ctx, cancel := context.WithCancel(m.ctx)
	return &stream{
		m:      m,
		key:    key,
		proto:  proto,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  Disconnected,
		subs:   make(map[*Subscription]struct{}),
	}
}

func (s *stream) attach() *Subscription {
	sub := &Subscription{stream: s, ch: make(chan Transition, transitionBuffer)}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}

// detach holds the manager lock across the last-subscriber check so Subscribe
// never attaches to a stream that is being torn down.
func (s *stream) detach(sub *Subscription) {
	s.m.mu.Lock()
	s.mu.Lock()
	if _, ok := s.subs[sub]; !ok {
		s.mu.Unlock()
		s.m.mu.Unlock()
		return
	}
	delete(s.subs, sub)
	close(sub.ch)
	last := len(s.subs) == 0
	s.mu.Unlock()
	if last {
		s.m.forgetLocked(s)
	}
	s.m.mu.Unlock()
	if last {
		s.stop()
	}
}

func (s *stream) stop() { s.cancel() }

func (s *stream) refCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) finished() bool { return s.State() == Closed }

func (s *stream) setState(to State, cause error) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	if to == Closed {
		s.err = cause
	}
	t := Transition{Key: s.key, From: from, To: to, At: time.Now(), Err: cause}
	for sub := range s.subs {
		select {
		case sub.ch <- t:
		default:
		}
	}
	s.mu.Unlock()

	fields := []observability.Field{
		{Key: "subscription", Value: s.key.String()},
		{Key: "from", Value: from.String()},
		{Key: "to", Value: to.String()},
	}
	if cause != nil {
		fields = append(fields, observability.Err(cause))
	}
	observability.Log().Info("subscription state", fields...)
}

func (s *stream) isBook() bool { return s.key.Channel == exchange.ChannelOrderBook }

func (s *stream) resetBook() {
	if s.isBook() {
		s.m.opts.Engine.Reset(s.key.Instrument)
	}
}

// terminal errors close the subscription instead of reconnecting.
func terminal(err error) bool {
	return errs.Is(err, errs.CodeAuth) || errs.Is(err, errs.CodeInvalid)
}

func (s *stream) run() {
	defer close(s.done)
	b := s.m.newBackoff()
	for {
		streamed, err := s.session()
		if s.ctx.Err() != nil {
			s.resetBook()
			s.setState(Closed, nil)
			return
		}
		if terminal(err) {
			s.resetBook()
			s.setState(Closed, err)
			return
		}
		if streamed {
			b.Reset()
		}
		s.setState(Reconnecting, err)
		s.resetBook()
		s.m.reconnects.Add(s.ctx, 1, metric.WithAttributes(telemetry.StreamAttributes(
			s.key.Instrument.Exchange, s.key.Instrument.Symbol(), string(s.key.Channel))...))

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			wait = s.m.opts.BackoffMax
		}
		if ra := errs.RetryAfterOf(err); ra > wait {
			wait = ra
		}
		select {
		case <-s.ctx.Done():
			s.setState(Closed, nil)
			return
		case <-time.After(wait):
		}
	}
}

// session runs one connection until it fails or the stream is stopped. It
// reports whether the session delivered market data.
func (s *stream) session() (streamed bool, err error) {
	inst := s.key.Instrument
	if s.State() != Reconnecting {
		s.setState(Connecting, nil)
	}
	url, header, err := s.proto.Endpoint(inst)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithCancel(s.ctx)
	conn, err := s.m.opts.Dialer.Dial(ctx, url, header)
	if err != nil {
		cancel()
		return false, err
	}
	var wg conc.WaitGroup
	defer func() {
		cancel()
		_ = conn.Close("session end")
		wg.Wait()
	}()

	frames, err := s.proto.SubscribeMessages(inst)
	if err != nil {
		return false, err
	}
	for _, f := range frames {
		if err := conn.Send(ctx, f); err != nil {
			return false, err
		}
	}
	s.resetBook()

	inbound := make(chan []byte, 64)
	readErr := make(chan error, 1)
	wg.Go(func() {
		for {
			data, err := conn.Receive(ctx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case inbound <- data:
			case <-ctx.Done():
				return
			}
		}
	})

	var heartbeat <-chan time.Time
	hbPayload, hbEvery := s.proto.Heartbeat()
	if hbPayload != nil && hbEvery > 0 {
		ticker := time.NewTicker(hbEvery)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	staleTimeout := s.m.opts.StaleTimeout
	stale := time.NewTimer(staleTimeout)
	defer stale.Stop()

	needSnapshot := s.isBook() && s.proto.RequiresSnapshot()
	snapCh := make(chan snapshotResult, 1)
	resyncing := false
	resync := func() {
		if resyncing {
			return
		}
		resyncing = true
		wg.Go(func() {
			fetchCtx, done := context.WithTimeout(ctx, s.m.opts.SnapshotTimeout)
			defer done()
			book, err := s.proto.Snapshot(fetchCtx, inst)
			select {
			case snapCh <- snapshotResult{book: book, err: err}:
			case <-ctx.Done():
			}
		})
	}
	if needSnapshot {
		resync()
	}

	for {
		select {
		case <-ctx.Done():
			return streamed, nil
		case err := <-readErr:
			if ctx.Err() != nil {
				return streamed, nil
			}
			return streamed, err
		case <-heartbeat:
			if err := conn.Send(ctx, hbPayload); err != nil {
				return streamed, err
			}
		case <-stale.C:
			if s.State() == Streaming {
				s.setState(Stale, ErrStale)
			}
			return streamed, ErrStale
		case res := <-snapCh:
			resyncing = false
			if res.err != nil {
				return streamed, res.err
			}
			res.book.Instrument = inst
			if err := s.applySnapshot(res.book); err != nil {
				if errors.Is(err, orderbook.ErrResyncExhausted) {
					return streamed, err
				}
				resync()
			}
		case data := <-inbound:
			stale.Reset(staleTimeout)
			events, err := s.proto.Decode(inst, data)
			if err != nil {
				observability.Log().Error("stream frame dropped",
					observability.Field{Key: "subscription", Value: s.key.String()},
					observability.Err(err))
				continue
			}
			for _, ev := range events {
				if err := s.handle(ev, &streamed, needSnapshot, resync); err != nil {
					return streamed, err
				}
			}
		}
	}
}

func (s *stream) handle(ev exchange.StreamEvent, streamed *bool, needSnapshot bool, resync func()) error {
	switch ev.Kind {
	case exchange.EventAck:
		if s.State() == Connecting {
			s.setState(Subscribed, nil)
		}
	case exchange.EventHeartbeat:
	case exchange.EventError:
		if ev.Err == nil {
			return errs.New(s.key.Instrument.Exchange, errs.CodeExchange, errs.WithMessage("stream error"))
		}
		return ev.Err
	case exchange.EventSnapshot:
		if !s.isBook() || ev.Snapshot == nil {
			return nil
		}
		s.markStreaming(streamed)
		if err := s.applySnapshot(*ev.Snapshot); err != nil {
			if !needSnapshot || errors.Is(err, orderbook.ErrResyncExhausted) {
				return err
			}
			resync()
		}
	case exchange.EventDelta:
		if !s.isBook() || ev.Delta == nil {
			return nil
		}
		s.markStreaming(streamed)
		out, err := s.m.opts.Engine.ApplyDelta(*ev.Delta)
		if err != nil {
			if !needSnapshot || errors.Is(err, orderbook.ErrResyncExhausted) {
				return err
			}
			resync()
			return nil
		}
		if out == orderbook.Applied {
			if book, ok := s.m.opts.Engine.Book(s.key.Instrument); ok {
				s.m.opts.Hub.PublishBook(book)
			}
		}
	case exchange.EventTrade:
		if len(ev.Trades) == 0 {
			return nil
		}
		s.markStreaming(streamed)
		s.m.opts.Hub.PublishTrade(ev.Trades...)
	}
	return nil
}

func (s *stream) markStreaming(streamed *bool) {
	*streamed = true
	switch s.State() {
	case Streaming:
	case Connecting:
		s.setState(Subscribed, nil)
		s.setState(Streaming, nil)
	default:
		s.setState(Streaming, nil)
	}
}

func (s *stream) applySnapshot(book schema.OrderBook) error {
	applied, err := s.m.opts.Engine.ApplySnapshot(book)
	if err != nil {
		return err
	}
	s.m.opts.Hub.PublishBook(applied)
	return nil
}
