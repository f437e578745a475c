package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel is one (price, quantity) entry. A zero quantity in a delta removes the level.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBook is an immutable point-in-time view of one instrument's book.
// Bids are sorted by descending price and asks by ascending price.
type OrderBook struct {
	Instrument Instrument   `json:"instrument"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	Sequence   uint64       `json:"sequence"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// BestBid returns the highest bid.
func (b OrderBook) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask.
func (b OrderBook) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// Crossed reports whether best bid >= best ask with both sides present.
func (b OrderBook) Crossed() bool {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return false
	}
	return bid.Price.GreaterThanOrEqual(ask.Price)
}

// Clone returns a deep copy whose level slices can be mutated freely.
func (b OrderBook) Clone() OrderBook {
	out := b
	out.Bids = append([]PriceLevel(nil), b.Bids...)
	out.Asks = append([]PriceLevel(nil), b.Asks...)
	return out
}

// BookDelta is an incremental update covering (PrevSequence, Sequence].
type BookDelta struct {
	Instrument   Instrument   `json:"instrument"`
	PrevSequence uint64       `json:"prevSequence"`
	Sequence     uint64       `json:"sequence"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Previous returns the sequence the delta expects the book to be at.
func (d BookDelta) Previous() uint64 {
	if d.PrevSequence == 0 && d.Sequence > 0 {
		return d.Sequence - 1
	}
	return d.PrevSequence
}
