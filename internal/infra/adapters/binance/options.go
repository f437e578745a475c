package binance

import (
	"strings"
	"time"

	"github.com/coachpo/venuekit/internal/app/exchange"
	"github.com/coachpo/venuekit/internal/domain/schema"
)

type metadata struct {
	spotBaseURL    string
	futuresBaseURL string
	spotStreamURL  string
	futureStream   string
	identifier     string
}

var binanceMetadata = metadata{
	spotBaseURL:    "https://api.binance.com",
	futuresBaseURL: "https://fapi.binance.com",
	spotStreamURL:  "wss://stream.binance.com:9443/ws",
	futureStream:   "wss://fstream.binance.com/ws",
	identifier:     "binance",
}

const (
	defaultSnapshotDepth = 100
	defaultTradeLimit    = 100
	defaultRecvWindow    = 5 * time.Second
	defaultBookTTL       = 500 * time.Millisecond
	defaultTradesTTL     = time.Second
	defaultRequestRate   = 10
)

// Options configure the Binance adapter.
type Options struct {
	SpotBaseURL    string
	FuturesBaseURL string
	SpotStreamURL  string
	FutureStream   string
	SnapshotDepth  int
	RecvWindow     time.Duration
}

func optionsFromSettings(s exchange.Settings) Options {
	opts := Options{
		SpotBaseURL:    s.RESTBaseURL,
		FuturesBaseURL: s.FuturesURL,
		SpotStreamURL:  s.StreamURL,
		SnapshotDepth:  s.SnapshotDepth,
	}
	if raw, ok := s.Extra["futures_stream_url"].(string); ok {
		opts.FutureStream = raw
	}
	return withDefaults(opts)
}

func withDefaults(in Options) Options {
	if strings.TrimSpace(in.SpotBaseURL) == "" {
		in.SpotBaseURL = binanceMetadata.spotBaseURL
	}
	if strings.TrimSpace(in.FuturesBaseURL) == "" {
		in.FuturesBaseURL = binanceMetadata.futuresBaseURL
	}
	if strings.TrimSpace(in.SpotStreamURL) == "" {
		in.SpotStreamURL = binanceMetadata.spotStreamURL
	}
	if strings.TrimSpace(in.FutureStream) == "" {
		in.FutureStream = binanceMetadata.futureStream
	}
	if in.SnapshotDepth <= 0 {
		in.SnapshotDepth = defaultSnapshotDepth
	}
	if in.RecvWindow <= 0 {
		in.RecvWindow = defaultRecvWindow
	}
	return in
}

type endpoints struct {
	base     string
	depth    string
	trades   string
	order    string
	account  string
	klines   string
	stream   string
	isFuture bool
}

func (o Options) endpoints(inst schema.Instrument) endpoints {
	if inst.IsFuture() {
		base := strings.TrimSuffix(o.FuturesBaseURL, "/")
		return endpoints{
			base:     base,
			depth:    base + "/fapi/v1/depth",
			trades:   base + "/fapi/v1/trades",
			order:    base + "/fapi/v1/order",
			account:  base + "/fapi/v2/balance",
			klines:   base + "/fapi/v1/klines",
			stream:   o.FutureStream,
			isFuture: true,
		}
	}
	base := strings.TrimSuffix(o.SpotBaseURL, "/")
	return endpoints{
		base:    base,
		depth:   base + "/api/v3/depth",
		trades:  base + "/api/v3/trades",
		order:   base + "/api/v3/order",
		account: base + "/api/v3/account",
		klines:  base + "/api/v3/klines",
		stream:  o.SpotStreamURL,
	}
}

func (o Options) withdrawURL() string {
	return strings.TrimSuffix(o.SpotBaseURL, "/") + "/sapi/v1/capital/withdraw/apply"
}

func (o Options) leverageURL() string {
	return strings.TrimSuffix(o.FuturesBaseURL, "/") + "/fapi/v1/leverage"
}

// restSymbol renders BTC-USDT as BTCUSDT.
func restSymbol(inst schema.Instrument) string {
	return inst.Base + inst.Quote
}
