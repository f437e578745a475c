// Package exchange defines the capability contract every venue adapter implements.
package exchange

import (
	"context"
	"net/http"
	"time"

	"github.com/coachpo/venuekit/internal/domain/schema"
)

// Adapter is the unified capability set over one exchange.
type Adapter interface {
	Name() string
	OrderBook(ctx context.Context, inst schema.Instrument) (schema.OrderBook, error)
	RecentTrades(ctx context.Context, inst schema.Instrument) ([]schema.Trade, error)
	PlaceOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderAck, error)
	CancelOrder(ctx context.Context, inst schema.Instrument, orderID string) (schema.CancelAck, error)
	Balances(ctx context.Context) ([]schema.Balance, error)
	OrderStatus(ctx context.Context, inst schema.Instrument, orderID string) (schema.OrderStatus, error)
	// Stream returns the wire protocol for a streaming channel.
	Stream(channel Channel) (StreamProtocol, error)
}

// Charting is implemented by adapters that serve historical OHLC candles.
// Candles are returned oldest first; limit <= 0 uses the venue default.
type Charting interface {
	Candles(ctx context.Context, inst schema.Instrument, interval schema.Interval, limit int) ([]schema.Candle, error)
}

// Withdrawer is implemented by adapters that can move funds off the venue.
// Withdrawals are never retried after the request may have been sent.
type Withdrawer interface {
	Withdraw(ctx context.Context, req schema.WithdrawRequest) (schema.WithdrawAck, error)
}

// LeverageSetter is implemented by adapters with a derivatives market.
type LeverageSetter interface {
	SetLeverage(ctx context.Context, inst schema.Instrument, leverage int) error
}

// Channel identifies a streaming feed kind.
type Channel string

const (
	ChannelOrderBook Channel = "orderbook"
	ChannelTrades    Channel = "trades"
)

// EventKind tags a decoded stream message.
type EventKind int

const (
	EventAck EventKind = iota + 1
	EventHeartbeat
	EventSnapshot
	EventDelta
	EventTrade
	// EventError carries a venue-reported stream error.
	EventError
)

// StreamEvent is one normalized stream message. Exactly one payload field is
// set according to Kind.
type StreamEvent struct {
	Kind     EventKind
	Snapshot *schema.OrderBook
	Delta    *schema.BookDelta
	Trades   []schema.Trade
	Err      error
}

// StreamProtocol translates between a venue's websocket dialect and normalized events.
type StreamProtocol interface {
	// Endpoint returns the websocket URL and optional handshake headers for inst.
	Endpoint(inst schema.Instrument) (string, http.Header, error)
	// SubscribeMessages returns the frames sent after the handshake.
	SubscribeMessages(inst schema.Instrument) ([][]byte, error)
	// Decode turns one frame into zero or more events.
	Decode(inst schema.Instrument, payload []byte) ([]StreamEvent, error)
	// Heartbeat returns an application-level keepalive frame and its period;
	// a nil payload disables it.
	Heartbeat() ([]byte, time.Duration)
	// RequiresSnapshot reports whether the stream carries only deltas, so a REST
	// snapshot must seed the book after every (re)connect.
	RequiresSnapshot() bool
	// Snapshot fetches a fresh, uncached book used to resynchronize.
	Snapshot(ctx context.Context, inst schema.Instrument) (schema.OrderBook, error)
}
