package shared

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/venuekit/internal/domain/schema"
	"github.com/coachpo/venuekit/internal/infra/cache"
	"github.com/coachpo/venuekit/internal/infra/signing"
	"github.com/coachpo/venuekit/internal/numeric"
	"github.com/coachpo/venuekit/internal/observability"
)

const (
	opOrderBook = "orderbook"
	opTrades    = "trades"
	opBalances  = "balances"

	accountScope = "_account_"
)

// Base bundles what every adapter needs around its venue-specific code.
type Base struct {
	Exchange  string
	REST      *RESTClient
	Signer    *signing.Signer
	Cache     *cache.Cache
	BookTTL   time.Duration
	TradesTTL time.Duration
}

// CachedBook serves an order book snapshot through the response cache.
func (b *Base) CachedBook(ctx context.Context, inst schema.Instrument, fetch func(context.Context) (schema.OrderBook, error)) (schema.OrderBook, error) {
	return cache.GetOrFetch(ctx, b.Cache, b.key(inst, opOrderBook), b.BookTTL, fetch)
}

// CachedTrades serves recent trades through the response cache.
func (b *Base) CachedTrades(ctx context.Context, inst schema.Instrument, fetch func(context.Context) ([]schema.Trade, error)) ([]schema.Trade, error) {
	return cache.GetOrFetch(ctx, b.Cache, b.key(inst, opTrades), b.TradesTTL, fetch)
}

// CachedBalances serves account balances through the response cache.
func (b *Base) CachedBalances(ctx context.Context, fetch func(context.Context) ([]schema.Balance, error)) ([]schema.Balance, error) {
	key := cache.Key{Exchange: b.Exchange, Instrument: accountScope, Operation: opBalances}
	return cache.GetOrFetch(ctx, b.Cache, key, b.BookTTL, fetch)
}

// Invalidate drops cached state touched by a mutating call on inst.
func (b *Base) Invalidate(ctx context.Context, inst schema.Instrument) {
	if b.Cache == nil {
		return
	}
	if err := b.Cache.InvalidateInstrument(ctx, b.Exchange, cacheInstrument(inst)); err != nil {
		observability.Log().Error("cache invalidate failed",
			observability.Field{Key: "exchange", Value: b.Exchange},
			observability.Field{Key: "instrument", Value: inst.Symbol()},
			observability.Err(err))
	}
	b.InvalidateBalances(ctx)
}

// InvalidateBalances drops cached account balances.
func (b *Base) InvalidateBalances(ctx context.Context) {
	if b.Cache == nil {
		return
	}
	if err := b.Cache.InvalidateInstrument(ctx, b.Exchange, accountScope); err != nil {
		observability.Log().Error("cache invalidate failed",
			observability.Field{Key: "exchange", Value: b.Exchange},
			observability.Err(err))
	}
}

func (b *Base) key(inst schema.Instrument, op string) cache.Key {
	return cache.Key{Exchange: b.Exchange, Instrument: cacheInstrument(inst), Operation: op}
}

func cacheInstrument(inst schema.Instrument) string {
	if inst.IsFuture() {
		return inst.Symbol() + "@" + string(schema.MarketFuture)
	}
	return inst.Symbol()
}

// ConvertLevels parses [[price, qty, ...], ...] string pairs.
func ConvertLevels(raw [][]string) ([]schema.PriceLevel, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]schema.PriceLevel, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			continue
		}
		price, err := numeric.Parse(entry[0])
		if err != nil {
			return nil, fmt.Errorf("level price: %w", err)
		}
		qty, err := numeric.Parse(entry[1])
		if err != nil {
			return nil, fmt.Errorf("level quantity: %w", err)
		}
		out = append(out, schema.PriceLevel{Price: price, Quantity: qty})
	}
	return out, nil
}

// DropEmpty removes zero-quantity levels, used for full snapshots.
func DropEmpty(levels []schema.PriceLevel) []schema.PriceLevel {
	out := levels[:0]
	for _, l := range levels {
		if l.Quantity.Sign() > 0 {
			out = append(out, l)
		}
	}
	return out
}

// ParseMillis parses a millisecond epoch string.
func ParseMillis(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", value, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// EnsureSigner returns s, or an unauthenticated handle for exchange when s is nil.
func EnsureSigner(s *signing.Signer, exchange string) *signing.Signer {
	if s != nil {
		return s
	}
	return (*signing.Store)(nil).Signer(exchange)
}
