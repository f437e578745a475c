package upbit

import (
	"strings"
	"time"

	"github.com/coachpo/venuekit/internal/app/exchange"
	"github.com/coachpo/venuekit/internal/domain/schema"
)

const (
	defaultBaseURL     = "https://api.upbit.com"
	defaultStreamURL   = "wss://api.upbit.com/websocket/v1"
	defaultTradeLimit  = 100
	defaultBookTTL     = 500 * time.Millisecond
	defaultTradesTTL   = time.Second
	defaultRequestRate = 8
	tokenTTL           = 30 * time.Second
	pingInterval       = 60 * time.Second
)

// Options configure the Upbit adapter.
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

// marketCode renders XRP/KRW as KRW-XRP.
func marketCode(inst schema.Instrument) string {
	return inst.Quote + "-" + inst.Base
}
