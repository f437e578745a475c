package core

import (
	"context"
	"errors"
	"sync"

	"github.com/coachpo/venuekit/errs"
	"github.com/coachpo/venuekit/internal/app/connection"
	"github.com/coachpo/venuekit/internal/app/exchange"
	"github.com/coachpo/venuekit/internal/app/marketdata"
	"github.com/coachpo/venuekit/internal/domain/schema"
)

// ErrWatchClosed is returned by Next after Close.
var ErrWatchClosed = errors.New("watch closed")

// watch ties a hub cursor to a shared streaming subscription.
type watch[T any] struct {
	sub    *connection.Subscription
	cursor *marketdata.Cursor[T]

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu     sync.Mutex
	missed uint64
}

func newWatch[T any](sub *connection.Subscription, cursor *marketdata.Cursor[T]) *watch[T] {
	ctx, cancel := context.WithCancel(context.Background())
	w := &watch[T]{sub: sub, cursor: cursor, ctx: ctx, cancel: cancel}
	go func() {
		select {
		case <-sub.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return w
}

// next blocks for the next item. It fails once the subscription ends or the watch closes.
func (w *watch[T]) next(ctx context.Context) (T, error) {
	var zero T
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(w.ctx, cancel)
	defer stop()

	v, missed, err := w.cursor.Next(ctx)
	if err != nil {
		if w.ctx.Err() != nil {
			if serr := w.sub.Err(); serr != nil {
				return zero, serr
			}
			return zero, ErrWatchClosed
		}
		if errors.Is(err, marketdata.ErrClosed) {
			return zero, ErrWatchClosed
		}
		return zero, err
	}
	if missed > 0 {
		w.mu.Lock()
		w.missed += missed
		w.mu.Unlock()
	}
	return v, nil
}

// Missed counts items overwritten before this watch read them.
func (w *watch[T]) Missed() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.missed
}

// State reports the shared subscription state.
func (w *watch[T]) State() connection.State { return w.sub.State() }

// Transitions delivers state changes of the shared subscription.
func (w *watch[T]) Transitions() <-chan connection.Transition { return w.sub.Transitions() }

// Close detaches from the subscription. The session stops when no watches remain.
func (w *watch[T]) Close() {
	w.once.Do(func() {
		w.cancel()
		w.sub.Close()
	})
}

// BookWatch is a read-only handle on the synchronized book of one instrument.
type BookWatch struct {
	*watch[schema.OrderBook]
	core *Core
	inst schema.Instrument
}

// Next returns the next published book.
func (w *BookWatch) Next(ctx context.Context) (schema.OrderBook, error) { return w.next(ctx) }

// Current returns the latest synchronized book without waiting.
func (w *BookWatch) Current() (schema.OrderBook, bool) { return w.core.Book(w.inst) }

// TradeWatch is a read-only handle on the trade stream of one instrument.
type TradeWatch struct {
	*watch[schema.Trade]
}

// Next returns the next trade.
func (w *TradeWatch) Next(ctx context.Context) (schema.Trade, error) { return w.next(ctx) }

// WatchBook subscribes to the order book of inst. Watches of the same
// instrument share one upstream session.
func (c *Core) WatchBook(ctx context.Context, inst schema.Instrument) (*BookWatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.New(inst.Exchange, errs.CodeNetwork, errs.WithMessage("watch canceled"), errs.WithCause(err))
	}
	if _, err := c.adapter(inst); err != nil {
		return nil, err
	}
	cursor := c.manager.Hub().SubscribeBooks(inst)
	sub, err := c.manager.Subscribe(inst, exchange.ChannelOrderBook)
	if err != nil {
		return nil, err
	}
	return &BookWatch{watch: newWatch(sub, cursor), core: c, inst: inst}, nil
}

// WatchTrades subscribes to the trade stream of inst.
func (c *Core) WatchTrades(ctx context.Context, inst schema.Instrument) (*TradeWatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.New(inst.Exchange, errs.CodeNetwork, errs.WithMessage("watch canceled"), errs.WithCause(err))
	}
	if _, err := c.adapter(inst); err != nil {
		return nil, err
	}
	cursor := c.manager.Hub().SubscribeTrades(inst)
	sub, err := c.manager.Subscribe(inst, exchange.ChannelTrades)
	if err != nil {
		return nil, err
	}
	return &TradeWatch{watch: newWatch(sub, cursor)}, nil
}
