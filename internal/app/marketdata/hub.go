package marketdata

import (
	"sync"

	"github.com/coachpo/venuekit/internal/domain/schema"
)

const (
	defaultTradeCapacity = 1024
	defaultBookCapacity  = 64
)

// HubOptions sizes the per-instrument rings.
type HubOptions struct {
	TradeCapacity int
	BookCapacity  int
}

type channels struct {
	trades *Ring[schema.Trade]
	books  *Ring[schema.OrderBook]
}

// Hub keeps one trade ring and one book ring per instrument. Producers never
// block on slow readers.
type Hub struct {
	opts HubOptions

	mu     sync.RWMutex
	byInst map[schema.Instrument]*channels
	closed bool
}

// NewHub constructs an empty hub.
func NewHub(opts HubOptions) *Hub {
	if opts.TradeCapacity <= 0 {
		opts.TradeCapacity = defaultTradeCapacity
	}
	if opts.BookCapacity <= 0 {
		opts.BookCapacity = defaultBookCapacity
	}
	return &Hub{opts: opts, byInst: make(map[schema.Instrument]*channels)}
}

func (h *Hub) channels(inst schema.Instrument) *channels {
	h.mu.RLock()
	c, ok := h.byInst[inst]
	h.mu.RUnlock()
	if ok {
		return c
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok = h.byInst[inst]; ok {
		return c
	}
	c = &channels{
		trades: NewRing[schema.Trade](h.opts.TradeCapacity),
		books:  NewRing[schema.OrderBook](h.opts.BookCapacity),
	}
	if h.closed {
		c.trades.Close()
		c.books.Close()
	}
	h.byInst[inst] = c
	return c
}

// PublishTrade records trades in arrival order.
func (h *Hub) PublishTrade(trades ...schema.Trade) {
	for _, t := range trades {
		h.channels(t.Instrument).trades.Publish(t)
	}
}

// PublishBook broadcasts a book snapshot.
func (h *Hub) PublishBook(book schema.OrderBook) {
	h.channels(book.Instrument).books.Publish(book)
}

// RecentTrades returns up to n of the newest trades, oldest first. n <= 0 returns all retained.
func (h *Hub) RecentTrades(inst schema.Instrument, n int) []schema.Trade {
	return h.channels(inst).trades.Last(n)
}

// LatestBook returns the most recently published book.
func (h *Hub) LatestBook(inst schema.Instrument) (schema.OrderBook, bool) {
	last := h.channels(inst).books.Last(1)
	if len(last) == 0 {
		return schema.OrderBook{}, false
	}
	return last[0], true
}

// SubscribeTrades returns a cursor over trades published from now on.
func (h *Hub) SubscribeTrades(inst schema.Instrument) *Cursor[schema.Trade] {
	return h.channels(inst).trades.Cursor()
}

// SubscribeBooks returns a cursor over books published from now on.
func (h *Hub) SubscribeBooks(inst schema.Instrument) *Cursor[schema.OrderBook] {
	return h.channels(inst).books.Cursor()
}

// Close ends every ring; readers drain and then receive ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, c := range h.byInst {
		c.trades.Close()
		c.books.Close()
	}
}
