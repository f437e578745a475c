package bithumb

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/venuekit/internal/app/exchange"
	"github.com/coachpo/venuekit/internal/domain/schema"
)

const (
	defaultBaseURL     = "https://api.bithumb.com"
	defaultStreamURL   = "wss://pubwss.bithumb.com/pub/ws"
	defaultTradeLimit  = 100
	defaultBookTTL     = 500 * time.Millisecond
	defaultTradesTTL   = time.Second
	defaultRequestRate = 10
)

// marketUnitStep is the base-quantity precision Bithumb accepts on market buys.
var marketUnitStep = decimal.New(1, -4)

// Options configure the Bithumb adapter.
type Options struct {
	BaseURL   string
	StreamURL string
}

func optionsFromSettings(s exchange.Settings) Options {
	o := Options{BaseURL: s.RESTBaseURL, StreamURL: s.StreamURL}
	if strings.TrimSpace(o.BaseURL) == "" {
		o.BaseURL = defaultBaseURL
	}
	if strings.TrimSpace(o.StreamURL) == "" {
		o.StreamURL = defaultStreamURL
	}
	o.BaseURL = strings.TrimSuffix(o.BaseURL, "/")
	return o
}

// pairSymbol renders BTC/KRW as BTC_KRW.
func pairSymbol(inst schema.Instrument) string {
	return inst.Base + "_" + inst.Quote
}
