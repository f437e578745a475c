// Package schema defines the normalized market data and order types shared by
// every adapter, the synchronization engine and the strategy sandbox.
package schema

import (
	"fmt"
	"strings"
)

// Market distinguishes spot from derivative order books on the same venue.
type Market string

const (
	MarketSpot   Market = "spot"
	MarketFuture Market = "future"
)

// Instrument identifies a tradeable pair on one exchange. It is a comparable
// value and is used as a map key throughout the core.
type Instrument struct {
	Exchange string `json:"exchange"`
	Base     string `json:"base"`
	Quote    string `json:"quote"`
	Market   Market `json:"market,omitempty"`
}

// NewInstrument normalises casing and defaults the market to spot.
func NewInstrument(exchange, base, quote string) Instrument {
	return Instrument{
		Exchange: strings.ToLower(strings.TrimSpace(exchange)),
		Base:     strings.ToUpper(strings.TrimSpace(base)),
		Quote:    strings.ToUpper(strings.TrimSpace(quote)),
		Market:   MarketSpot,
	}
}

// ParseInstrument parses "BASE-QUOTE" (or "BASE/QUOTE") for the given exchange.
func ParseInstrument(exchange, symbol string) (Instrument, error) {
	symbol = strings.TrimSpace(symbol)
	sep := strings.IndexAny(symbol, "-/_")
	if sep <= 0 || sep == len(symbol)-1 {
		return Instrument{}, fmt.Errorf("instrument %q: expected BASE-QUOTE", symbol)
	}
	inst := NewInstrument(exchange, symbol[:sep], symbol[sep+1:])
	if inst.Exchange == "" {
		return Instrument{}, fmt.Errorf("instrument %q: exchange required", symbol)
	}
	return inst, nil
}

// WithMarket returns a copy bound to the given market.
func (i Instrument) WithMarket(m Market) Instrument {
	i.Market = m
	return i
}

// Symbol renders the canonical BASE-QUOTE form.
func (i Instrument) Symbol() string {
	return i.Base + "-" + i.Quote
}

// IsFuture reports whether the instrument targets the derivatives market.
func (i Instrument) IsFuture() bool {
	return i.Market == MarketFuture
}

// Validate reports missing components.
func (i Instrument) Validate() error {
	switch {
	case i.Exchange == "":
		return fmt.Errorf("instrument: exchange required")
	case i.Base == "" || i.Quote == "":
		return fmt.Errorf("instrument %s: base and quote required", i.Exchange)
	case i.Market != "" && i.Market != MarketSpot && i.Market != MarketFuture:
		return fmt.Errorf("instrument %s: unknown market %q", i.Symbol(), i.Market)
	}
	return nil
}

func (i Instrument) String() string {
	market := i.Market
	if market == "" {
		market = MarketSpot
	}
	return i.Exchange + ":" + i.Symbol() + ":" + string(market)
}
