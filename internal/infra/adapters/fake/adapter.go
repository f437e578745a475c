package fake

import (
	"context"
	"strings"
	"time"

	"github.com/coachpo/venuekit/errs"
	"github.com/coachpo/venuekit/internal/app/exchange"
	"github.com/coachpo/venuekit/internal/domain/schema"
	"github.com/coachpo/venuekit/internal/infra/adapters/shared"
	"github.com/coachpo/venuekit/internal/infra/signing"
)

// Name is the exchange identifier the fake venue registers under.
const Name = "fake"

var privateScheme = signing.HMAC{Hash: signing.SHA256, Encoding: signing.Hex, Canonical: signing.CanonicalQuery}

const (
	defaultStreamURL = "ws://fake.invalid/stream"
	defaultBookTTL   = 200 * time.Millisecond
	defaultTradesTTL = 500 * time.Millisecond
)

// Adapter serves the exchange capability set from an in-process Venue.
type Adapter struct {
	shared.Base
	venue            *Venue
	streamURL        string
	requiresSnapshot bool
}

// Register adds a factory bound to venue. A nil venue gets a fresh one per adapter.
func Register(reg *exchange.Registry, venue *Venue) {
	reg.Register(Name, func(_ context.Context, deps exchange.Deps) (exchange.Adapter, error) {
		return New(deps, venue), nil
	})
}

// New constructs the adapter. Settings.Extra["requires_snapshot"] makes the
// order book stream delta-only.
func New(deps exchange.Deps, venue *Venue) *Adapter {
	if venue == nil {
		venue = NewVenue(nil)
	}
	s := deps.Settings
	bookTTL, tradesTTL := s.BookTTL, s.TradesTTL
	if bookTTL <= 0 {
		bookTTL = defaultBookTTL
	}
	if tradesTTL <= 0 {
		tradesTTL = defaultTradesTTL
	}
	streamURL := strings.TrimSpace(s.StreamURL)
	if streamURL == "" {
		streamURL = defaultStreamURL
	}
	requires, _ := s.Extra["requires_snapshot"].(bool)
	return &Adapter{
		Base: shared.Base{
			Exchange:  Name,
			Signer:    shared.EnsureSigner(deps.Signer, Name),
			Cache:     deps.Cache,
			BookTTL:   bookTTL,
			TradesTTL: tradesTTL,
		},
		venue:            venue,
		streamURL:        streamURL,
		requiresSnapshot: requires,
	}
}

// Venue exposes the backing venue so tests can steer it.
func (a *Adapter) Venue() *Venue { return a.venue }

func (a *Adapter) Name() string { return Name }

func (a *Adapter) OrderBook(ctx context.Context, inst schema.Instrument) (schema.OrderBook, error) {
	return a.CachedBook(ctx, inst, func(context.Context) (schema.OrderBook, error) {
		return a.venue.Book(inst)
	})
}

func (a *Adapter) RecentTrades(ctx context.Context, inst schema.Instrument) ([]schema.Trade, error) {
	return a.CachedTrades(ctx, inst, func(context.Context) ([]schema.Trade, error) {
		return a.venue.Trades(inst)
	})
}

func (a *Adapter) PlaceOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderAck, error) {
	if err := a.authorize(); err != nil {
		return schema.OrderAck{}, err
	}
	defer a.Invalidate(ctx, req.Instrument)
	return a.venue.Place(req)
}

func (a *Adapter) CancelOrder(ctx context.Context, inst schema.Instrument, orderID string) (schema.CancelAck, error) {
	if err := a.authorize(); err != nil {
		return schema.CancelAck{}, err
	}
	defer a.Invalidate(ctx, inst)
	return a.venue.Cancel(inst, orderID)
}

func (a *Adapter) OrderStatus(_ context.Context, _ schema.Instrument, orderID string) (schema.OrderStatus, error) {
	if err := a.authorize(); err != nil {
		return schema.OrderStatus{}, err
	}
	return a.venue.Status(orderID)
}

func (a *Adapter) Balances(ctx context.Context) ([]schema.Balance, error) {
	if err := a.authorize(); err != nil {
		return nil, err
	}
	return a.CachedBalances(ctx, func(context.Context) ([]schema.Balance, error) {
		return a.venue.Balances()
	})
}

func (a *Adapter) Stream(channel exchange.Channel) (exchange.StreamProtocol, error) {
	switch channel {
	case exchange.ChannelOrderBook, exchange.ChannelTrades:
		return &streamProtocol{adapter: a, channel: channel}, nil
	}
	return nil, errs.NotSupported(Name, "stream channel "+string(channel))
}

// authorize signs a throwaway request so private calls fail like a real venue without a key.
func (a *Adapter) authorize() error {
	_, err := a.Signer.HMAC(privateScheme, signing.Request{Method: "POST", Path: "/private"})
	return err
}
