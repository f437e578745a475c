package okx

import (
	"strings"
	"time"

	"github.com/coachpo/venuekit/internal/app/exchange"
	"github.com/coachpo/venuekit/internal/domain/schema"
)

type privateMetadata struct {
	apiBaseURL  string
	publicWSURL string
	booksPath   string
	tradesPath  string
	accountPath string
	orderPath    string
	cancelPath   string
	candlesPath  string
	leveragePath string
	withdrawPath string
}

var okxPrivateMetadata = privateMetadata{
	apiBaseURL:  "https://www.okx.com",
	publicWSURL: "wss://ws.okx.com:8443/ws/v5/public",
	booksPath:   "/api/v5/market/books",
	tradesPath:  "/api/v5/market/trades",
	accountPath: "/api/v5/account/balance",
	orderPath:   "/api/v5/trade/order",
	cancelPath:  "/api/v5/trade/cancel-order",

	candlesPath:  "/api/v5/market/candles",
	leveragePath: "/api/v5/account/set-leverage",
	withdrawPath: "/api/v5/asset/withdrawal",
}

const (
	defaultSnapshotDepth = 100
	maxSnapshotDepth     = 400
	defaultTradeLimit    = 100
	defaultBookTTL       = 500 * time.Millisecond
	defaultTradesTTL     = time.Second
	defaultRequestRate   = 10
	okxPingInterval      = 20 * time.Second
)

// Options configure the OKX adapter.
type Options struct {
	BaseURL       string
	StreamURL     string
	SnapshotDepth int
	// Simulated routes requests to the demo trading environment.
	Simulated bool

	meta privateMetadata
}

func optionsFromSettings(s exchange.Settings) Options {
	opts := Options{
		BaseURL:       s.RESTBaseURL,
		StreamURL:     s.StreamURL,
		SnapshotDepth: s.SnapshotDepth,
	}
	if v, ok := s.Extra["simulated"].(bool); ok {
		opts.Simulated = v
	}
	return withDefaults(opts)
}

func withDefaults(in Options) Options {
	in.meta = okxPrivateMetadata
	if strings.TrimSpace(in.BaseURL) == "" {
		in.BaseURL = in.meta.apiBaseURL
	}
	if strings.TrimSpace(in.StreamURL) == "" {
		in.StreamURL = in.meta.publicWSURL
	}
	if in.SnapshotDepth <= 0 {
		in.SnapshotDepth = defaultSnapshotDepth
	}
	if in.SnapshotDepth > maxSnapshotDepth {
		in.SnapshotDepth = maxSnapshotDepth
	}
	return in
}

func (o Options) restEndpoint(path string) string {
	base := strings.TrimSuffix(strings.TrimSpace(o.BaseURL), "/")
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return base
	}
	if strings.HasPrefix(trimmed, "/") {
		return base + trimmed
	}
	return base + "/" + trimmed
}

// instID renders BTC-USDT for spot and BTC-USDT-SWAP for perpetuals.
func instID(inst schema.Instrument) string {
	if inst.IsFuture() {
		return inst.Symbol() + "-SWAP"
	}
	return inst.Symbol()
}

// tradeMode selects the margin mode OKX requires per market.
func tradeMode(inst schema.Instrument) string {
	if inst.IsFuture() {
		return "cross"
	}
	return "cash"
}
