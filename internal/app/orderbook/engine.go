// Package orderbook keeps locally synchronized order books from a snapshot
// plus sequenced deltas and publishes immutable copies to readers.
package orderbook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/venuekit/errs"
	"github.com/coachpo/venuekit/internal/domain/schema"
	"github.com/coachpo/venuekit/internal/infra/telemetry"
	"github.com/coachpo/venuekit/internal/observability"
)

var (
	// ErrSequenceGap reports a delta that does not continue the local book.
	ErrSequenceGap = errs.New("", errs.CodeDesync, errs.WithCanonicalCode(errs.CanonicalSequenceGap))
	// ErrCrossedBook reports a book whose best bid reached its best ask.
	ErrCrossedBook = errs.New("", errs.CodeDesync, errs.WithCanonicalCode(errs.CanonicalCrossedBook))
	// ErrResyncExhausted is joined to a desync error once an instrument fails
	// to resynchronize more than MaxResyncFailures times in a row.
	ErrResyncExhausted = errors.New("orderbook: resync attempts exhausted")
)

// Outcome describes what ApplyDelta did with a delta.
type Outcome int

const (
	Applied Outcome = iota + 1
	// Dropped deltas were already covered by the book.
	Dropped
	// Buffered deltas arrived before a snapshot and wait for replay.
	Buffered
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Dropped:
		return "dropped"
	case Buffered:
		return "buffered"
	}
	return "unknown"
}

const (
	defaultMaxBuffered       = 1024
	defaultMaxResyncFailures = 5
)

// Options configures an Engine.
type Options struct {
	// Depth caps the levels published per side; zero keeps full depth.
	Depth int
	// MaxBuffered bounds pre-snapshot deltas per instrument; the oldest are evicted.
	MaxBuffered int
	// MaxResyncFailures is the number of consecutive desyncs tolerated before
	// errors carry ErrResyncExhausted.
	MaxResyncFailures int
}

// Engine owns one book per instrument. Each instrument must have a single
// writer; distinct instruments may be written concurrently. Readers never block writers.
type Engine struct {
	opts  Options
	books sync.Map // schema.Instrument -> *book

	desyncs metric.Int64Counter
}

// NewEngine constructs an engine.
func NewEngine(opts Options) *Engine {
	if opts.MaxBuffered <= 0 {
		opts.MaxBuffered = defaultMaxBuffered
	}
	if opts.MaxResyncFailures <= 0 {
		opts.MaxResyncFailures = defaultMaxResyncFailures
	}
	e := &Engine{opts: opts}
	e.desyncs, _ = otel.Meter("orderbook").Int64Counter("orderbook.desyncs",
		metric.WithDescription("Books discarded after a sequence gap or crossed state"),
		metric.WithUnit("{desync}"))
	return e
}

type book struct {
	inst schema.Instrument

	mu       sync.Mutex
	bids     map[string]schema.PriceLevel
	asks     map[string]schema.PriceLevel
	sequence uint64
	ready    bool
	straddle bool
	pending  []schema.BookDelta
	failures int

	published atomic.Pointer[schema.OrderBook]
}

func (e *Engine) book(inst schema.Instrument) *book {
	if b, ok := e.books.Load(inst); ok {
		return b.(*book)
	}
	b, _ := e.books.LoadOrStore(inst, &book{
		inst: inst,
		bids: make(map[string]schema.PriceLevel),
		asks: make(map[string]schema.PriceLevel),
	})
	return b.(*book)
}

// Book returns the latest published book. The returned level slices are
// shared with other readers and must not be modified; use Clone to edit.
func (e *Engine) Book(inst schema.Instrument) (schema.OrderBook, bool) {
	b, ok := e.books.Load(inst)
	if !ok {
		return schema.OrderBook{}, false
	}
	p := b.(*book).published.Load()
	if p == nil {
		return schema.OrderBook{}, false
	}
	return *p, true
}

// Synced reports whether inst currently has a valid book.
func (e *Engine) Synced(inst schema.Instrument) bool {
	_, ok := e.Book(inst)
	return ok
}

// Reset discards the book and any buffered deltas for inst.
func (e *Engine) Reset(inst schema.Instrument) {
	b := e.book(inst)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.discardLocked()
	b.pending = b.pending[:0]
}

// ApplySnapshot replaces the book for snapshot.Instrument and replays any
// buffered deltas that extend it.
func (e *Engine) ApplySnapshot(snapshot schema.OrderBook) (schema.OrderBook, error) {
	b := e.book(snapshot.Instrument)
	b.mu.Lock()
	defer b.mu.Unlock()

	healthy := b.ready
	b.replaceLocked(snapshot)
	if b.crossedLocked() {
		return schema.OrderBook{}, e.desync(b, ErrCrossedBook, "crossed snapshot at sequence %d", snapshot.Sequence)
	}
	if healthy {
		b.failures = 0
	}

	pending := b.pending
	b.pending = nil
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].Sequence < pending[j].Sequence })
	for _, d := range pending {
		if _, err := e.applyLocked(b, d); err != nil {
			return schema.OrderBook{}, err
		}
	}
	b.publishLocked(e.opts.Depth, snapshot.UpdatedAt)
	return *b.published.Load(), nil
}

// ApplyDelta applies delta to its instrument's book.
func (e *Engine) ApplyDelta(delta schema.BookDelta) (Outcome, error) {
	b := e.book(delta.Instrument)
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.ready {
		if len(b.pending) >= e.opts.MaxBuffered {
			b.pending = b.pending[1:]
		}
		b.pending = append(b.pending, delta)
		return Buffered, nil
	}
	outcome, err := e.applyLocked(b, delta)
	if err != nil || outcome != Applied {
		return outcome, err
	}
	b.publishLocked(e.opts.Depth, delta.Timestamp)
	return Applied, nil
}

func (e *Engine) applyLocked(b *book, d schema.BookDelta) (Outcome, error) {
	if d.Sequence <= b.sequence {
		return Dropped, nil
	}
	prev := d.Previous()
	switch {
	case prev == b.sequence:
	case b.straddle && prev < b.sequence:
	default:
		return 0, e.desync(b, ErrSequenceGap, "expected %d, delta covers (%d, %d]", b.sequence, prev, d.Sequence)
	}
	applyLevels(b.bids, d.Bids)
	applyLevels(b.asks, d.Asks)
	b.sequence = d.Sequence
	b.straddle = false
	if b.crossedLocked() {
		return 0, e.desync(b, ErrCrossedBook, "crossed after sequence %d", d.Sequence)
	}
	b.failures = 0
	return Applied, nil
}

func (e *Engine) desync(b *book, kind *errs.E, format string, args ...any) error {
	b.discardLocked()
	b.failures++
	e.desyncs.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.OperationAttributes(b.inst.Exchange, "orderbook", string(kind.Canonical))...))

	err := errs.New(b.inst.Exchange, errs.CodeDesync,
		errs.WithCanonicalCode(kind.Canonical),
		errs.WithMessage(fmt.Sprintf(format, args...)),
		errs.WithVenueField("instrument", b.inst.Symbol()))
	observability.Log().Info("order book desync",
		observability.Field{Key: "instrument", Value: b.inst.String()},
		observability.Field{Key: "reason", Value: err.Message},
		observability.Field{Key: "failures", Value: b.failures})
	if b.failures > e.opts.MaxResyncFailures {
		return errors.Join(err, ErrResyncExhausted)
	}
	return err
}

func (b *book) replaceLocked(snapshot schema.OrderBook) {
	clear(b.bids)
	clear(b.asks)
	applyLevels(b.bids, snapshot.Bids)
	applyLevels(b.asks, snapshot.Asks)
	b.sequence = snapshot.Sequence
	b.ready = true
	b.straddle = true
}

func (b *book) discardLocked() {
	clear(b.bids)
	clear(b.asks)
	b.sequence = 0
	b.ready = false
	b.straddle = false
	b.published.Store(nil)
}

func (b *book) crossedLocked() bool {
	var bestBid, bestAsk decimal.Decimal
	var haveBid, haveAsk bool
	for _, l := range b.bids {
		if !haveBid || l.Price.GreaterThan(bestBid) {
			bestBid, haveBid = l.Price, true
		}
	}
	for _, l := range b.asks {
		if !haveAsk || l.Price.LessThan(bestAsk) {
			bestAsk, haveAsk = l.Price, true
		}
	}
	return haveBid && haveAsk && bestBid.GreaterThanOrEqual(bestAsk)
}

func (b *book) publishLocked(depth int, ts time.Time) {
	ob := &schema.OrderBook{
		Instrument: b.inst,
		Bids:       sortedSide(b.bids, true, depth),
		Asks:       sortedSide(b.asks, false, depth),
		Sequence:   b.sequence,
		UpdatedAt:  ts,
	}
	b.published.Store(ob)
}

// applyLevels upserts levels keyed by normalized price; zero quantity removes.
func applyLevels(side map[string]schema.PriceLevel, levels []schema.PriceLevel) {
	for _, l := range levels {
		key := l.Price.String()
		if l.Quantity.Sign() <= 0 {
			delete(side, key)
			continue
		}
		side[key] = l
	}
}

func sortedSide(side map[string]schema.PriceLevel, descending bool, depth int) []schema.PriceLevel {
	out := make([]schema.PriceLevel, 0, len(side))
	for _, l := range side {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	if depth > 0 && len(out) > depth {
		out = out[:depth]
	}
	return out
}
