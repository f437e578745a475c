package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side captures order or aggressor direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Trade is a single executed print from a public trade stream.
type Trade struct {
	Instrument Instrument      `json:"instrument"`
	ID         string          `json:"id,omitempty"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Side       Side            `json:"side"`
	Timestamp  time.Time       `json:"timestamp"`
}
