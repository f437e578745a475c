package sandbox

import (
	"context"
	"strings"

	"github.com/coachpo/venuekit/internal/domain/schema"
)

// Host is the capability surface scripts reach through granted functions.
type Host interface {
	OrderBook(ctx context.Context, inst schema.Instrument) (schema.OrderBook, error)
	RecentTrades(ctx context.Context, inst schema.Instrument) ([]schema.Trade, error)
	PlaceOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderAck, error)
	CancelOrder(ctx context.Context, inst schema.Instrument, orderID string) (schema.CancelAck, error)
	WatchTrades(ctx context.Context, inst schema.Instrument) (TradeFeed, error)
	WatchBook(ctx context.Context, inst schema.Instrument) (BookFeed, error)
}

// TradeFeed yields trades for one instrument until closed.
type TradeFeed interface {
	Next(ctx context.Context) (schema.Trade, error)
	Close()
}

// BookFeed yields order book updates for one instrument until closed.
type BookFeed interface {
	Next(ctx context.Context) (schema.OrderBook, error)
	Close()
}

// Grant names a host function a script may call.
type Grant string

const (
	GrantOrderBook    Grant = "orderbook"
	GrantRecentTrades Grant = "recent_trades"
	GrantPlaceOrder   Grant = "place_order"
	GrantCancelOrder  Grant = "cancel_order"
	GrantSubscribe    Grant = "subscribe"
)

// Grants is the capability set of one script. An empty Exchanges list allows
// every configured exchange.
type Grants struct {
	Functions []Grant  `yaml:"functions" toml:"functions"`
	Exchanges []string `yaml:"exchanges" toml:"exchanges"`
}

func (g Grants) has(fn Grant) bool {
	for _, f := range g.Functions {
		if Grant(strings.ToLower(strings.TrimSpace(string(f)))) == fn {
			return true
		}
	}
	return false
}

func (g Grants) allowsExchange(name string) bool {
	if len(g.Exchanges) == 0 {
		return true
	}
	name = strings.ToLower(strings.TrimSpace(name))
	for _, ex := range g.Exchanges {
		if strings.ToLower(strings.TrimSpace(ex)) == name {
			return true
		}
	}
	return false
}

// ParseGrants converts configuration strings into grants, ignoring unknown names.
func ParseGrants(functions []string, exchanges []string) Grants {
	out := Grants{Exchanges: append([]string(nil), exchanges...)}
	for _, f := range functions {
		switch g := Grant(strings.ToLower(strings.TrimSpace(f))); g {
		case GrantOrderBook, GrantRecentTrades, GrantPlaceOrder, GrantCancelOrder, GrantSubscribe:
			out.Functions = append(out.Functions, g)
		}
	}
	return out
}
