package fake

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/venuekit/errs"
	"github.com/coachpo/venuekit/internal/app/exchange"
	"github.com/coachpo/venuekit/internal/domain/schema"
	"github.com/coachpo/venuekit/internal/infra/cache"
	"github.com/coachpo/venuekit/internal/infra/signing"
)

var btcusd = schema.NewInstrument(Name, "BTC", "USD")

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func lvl(p, q string) schema.PriceLevel { return schema.PriceLevel{Price: d(p), Quantity: d(q)} }

func seededVenue() *Venue {
	v := NewVenue(func() time.Time { return time.UnixMilli(1_700_000_000_000) })
	v.SetBook(schema.OrderBook{
		Instrument: btcusd,
		Bids:       []schema.PriceLevel{lvl("99", "1"), lvl("100", "2")},
		Asks:       []schema.PriceLevel{lvl("102", "3"), lvl("101", "1")},
		Sequence:   10,
	})
	v.SetBalance("USD", d("10000"))
	return v
}

func newTestAdapter(t *testing.T, v *Venue, withKey bool) *Adapter {
	t.Helper()
	var signer *signing.Signer
	if withKey {
		store, err := signing.NewStore([]signing.Credential{{Exchange: Name, APIKey: "k", Secret: "s"}})
		require.NoError(t, err)
		signer = store.Signer(Name)
	}
	c := cache.New(cache.Options{SweepInterval: time.Hour})
	t.Cleanup(func() { _ = c.Close() })
	return New(exchange.Deps{Signer: signer, Cache: c, Settings: exchange.Settings{BookTTL: time.Minute}}, v)
}

func TestSetBookSortsSides(t *testing.T) {
	book, err := seededVenue().Book(btcusd)
	require.NoError(t, err)
	require.True(t, book.Bids[0].Price.Equal(d("100")))
	require.True(t, book.Asks[0].Price.Equal(d("101")))
	require.Equal(t, uint64(10), book.Sequence)
}

func TestMarketBuyWalksAsks(t *testing.T) {
	v := seededVenue()
	ack, err := v.Place(schema.OrderRequest{Instrument: btcusd, Side: schema.SideBuy, Type: schema.OrderTypeMarket, Quantity: d("2")})
	require.NoError(t, err)
	require.Equal(t, schema.OrderStateClosed, ack.State)
	require.True(t, ack.ExecutedQuantity.Equal(d("2")))

	book, _ := v.Book(btcusd)
	require.Len(t, book.Asks, 1)
	require.True(t, book.Asks[0].Quantity.Equal(d("2")))
	require.Greater(t, book.Sequence, uint64(10))

	trades, _ := v.Trades(btcusd)
	require.Len(t, trades, 2)
	require.True(t, trades[0].Price.Equal(d("101")))
	require.True(t, trades[1].Price.Equal(d("102")))

	bals, _ := v.Balances()
	require.Equal(t, "BTC", bals[0].Asset)
	require.True(t, bals[0].Available.Equal(d("2")))
	require.True(t, bals[1].Available.Equal(d("9797")))
}

func TestMarketBuyByQuoteAmount(t *testing.T) {
	v := seededVenue()
	ack, err := v.Place(schema.OrderRequest{Instrument: btcusd, Side: schema.SideBuy, Type: schema.OrderTypeMarket, QuoteAmount: d("202")})
	require.NoError(t, err)
	require.True(t, ack.ExecutedQuantity.GreaterThan(d("1.99")))
}

func TestLimitOrderRestsThenCancels(t *testing.T) {
	v := seededVenue()
	ack, err := v.Place(schema.OrderRequest{Instrument: btcusd, Side: schema.SideBuy, Type: schema.OrderTypeLimit, Price: d("101"), Quantity: d("3")})
	require.NoError(t, err)
	require.Equal(t, schema.OrderStateOpen, ack.State)
	require.True(t, ack.ExecutedQuantity.Equal(d("1")))

	book, _ := v.Book(btcusd)
	require.True(t, book.Bids[0].Price.Equal(d("101")))
	require.True(t, book.Bids[0].Quantity.Equal(d("2")))
	require.False(t, book.Crossed())

	cancel, err := v.Cancel(btcusd, ack.OrderID)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStateClosed, cancel.State)
	require.True(t, cancel.ExecutedQuantity.Equal(d("1")))

	book, _ = v.Book(btcusd)
	require.True(t, book.Bids[0].Price.Equal(d("100")))
}

func TestMarketOrderOnEmptySideRejected(t *testing.T) {
	v := NewVenue(nil)
	_, err := v.Place(schema.OrderRequest{Instrument: btcusd, Side: schema.SideSell, Type: schema.OrderTypeMarket, Quantity: d("1")})
	require.True(t, errs.Is(err, errs.CodeRejected))
}

func TestCancelUnknownOrder(t *testing.T) {
	_, err := seededVenue().Cancel(btcusd, "404")
	require.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestFailNextInjectsInOrder(t *testing.T) {
	v := seededVenue()
	v.FailNext(Unavailable())
	_, err := v.Book(btcusd)
	require.True(t, errs.Retryable(err))
	_, err = v.Book(btcusd)
	require.NoError(t, err)
}

func TestAdapterCachesBookUntilMutation(t *testing.T) {
	v := seededVenue()
	a := newTestAdapter(t, v, true)
	ctx := context.Background()

	first, err := a.OrderBook(ctx, btcusd)
	require.NoError(t, err)

	v.SetBook(schema.OrderBook{Instrument: btcusd, Bids: []schema.PriceLevel{lvl("50", "1")}, Sequence: 99})
	cached, err := a.OrderBook(ctx, btcusd)
	require.NoError(t, err)
	require.Equal(t, first.Sequence, cached.Sequence)

	_, err = a.PlaceOrder(ctx, schema.OrderRequest{Instrument: btcusd, Side: schema.SideSell, Type: schema.OrderTypeLimit, Price: d("60"), Quantity: d("1")})
	require.NoError(t, err)
	fresh, err := a.OrderBook(ctx, btcusd)
	require.NoError(t, err)
	require.Greater(t, fresh.Sequence, uint64(99))
}

func TestPrivateCallsNeedCredential(t *testing.T) {
	a := newTestAdapter(t, seededVenue(), false)
	_, err := a.Balances(context.Background())
	require.True(t, errs.Is(err, errs.CodeAuth))

	_, err = a.OrderBook(context.Background(), btcusd)
	require.NoError(t, err)
}

func TestStreamDecodesFrames(t *testing.T) {
	a := newTestAdapter(t, seededVenue(), true)
	p, err := a.Stream(exchange.ChannelOrderBook)
	require.NoError(t, err)
	require.False(t, p.RequiresSnapshot())

	url, _, err := p.Endpoint(btcusd)
	require.NoError(t, err)
	require.Contains(t, url, "instrument=BTC-USD")
	require.Contains(t, url, "channel=orderbook")

	events, err := p.Decode(btcusd, []byte(SnapshotFrame(5, []schema.PriceLevel{lvl("1", "2")}, nil)))
	require.NoError(t, err)
	require.Equal(t, exchange.EventSnapshot, events[0].Kind)
	require.Equal(t, uint64(5), events[0].Snapshot.Sequence)

	events, err = p.Decode(btcusd, []byte(DeltaFrame(5, 6, nil, []schema.PriceLevel{lvl("3", "0")})))
	require.NoError(t, err)
	require.Equal(t, exchange.EventDelta, events[0].Kind)
	require.Equal(t, uint64(5), events[0].Delta.Previous())
	require.True(t, events[0].Delta.Asks[0].Quantity.IsZero())

	events, err = p.Decode(btcusd, []byte("pong"))
	require.NoError(t, err)
	require.Equal(t, exchange.EventHeartbeat, events[0].Kind)

	events, err = p.Decode(btcusd, []byte(ErrorFrame(errs.CodeAuth, "denied")))
	require.NoError(t, err)
	require.True(t, errs.Is(events[0].Err, errs.CodeAuth))

	_, err = p.Decode(btcusd, []byte("{"))
	require.True(t, errs.Is(err, errs.CodeDesync))
}

func TestRequiresSnapshotOption(t *testing.T) {
	a := New(exchange.Deps{Settings: exchange.Settings{Extra: map[string]any{"requires_snapshot": true}}}, seededVenue())
	book, _ := a.Stream(exchange.ChannelOrderBook)
	trades, _ := a.Stream(exchange.ChannelTrades)
	require.True(t, book.RequiresSnapshot())
	require.False(t, trades.RequiresSnapshot())
}

func TestCandlesBucketExecutions(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 30, 0, time.UTC)
	v := NewVenue(func() time.Time { return now })
	v.SetBook(schema.OrderBook{
		Instrument: btcusd,
		Asks:       []schema.PriceLevel{lvl("101", "1"), lvl("103", "1"), lvl("105", "5")},
	})
	v.SetBalance("USD", d("10000"))

	buy := func(qty string) {
		_, err := v.Place(schema.OrderRequest{Instrument: btcusd, Side: schema.SideBuy, Type: schema.OrderTypeMarket, Quantity: d(qty)})
		require.NoError(t, err)
	}
	buy("1.5")
	now = now.Add(time.Minute)
	buy("2")

	candles, err := v.Candles(btcusd, schema.Interval1m, 0)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	first := candles[0]
	require.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), first.OpenTime)
	require.True(t, first.Open.Equal(d("101")))
	require.True(t, first.High.Equal(d("103")))
	require.True(t, first.Close.Equal(d("103")))
	require.True(t, first.Volume.Equal(d("1.5")))
	require.True(t, candles[1].Low.Equal(d("103")))
	require.True(t, candles[1].Volume.Equal(d("2")))

	last, err := v.Candles(btcusd, schema.Interval1m, 1)
	require.NoError(t, err)
	require.Equal(t, candles[1], last[0])

	_, err = v.Candles(btcusd, schema.Interval("2h"), 0)
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestWithdrawDebitsBalance(t *testing.T) {
	v := seededVenue()
	a := newTestAdapter(t, v, true)
	ctx := context.Background()

	before, err := a.Balances(ctx)
	require.NoError(t, err)
	require.True(t, before[0].Available.Equal(d("10000")))

	ack, err := a.Withdraw(ctx, schema.WithdrawRequest{Exchange: Name, Asset: "USD", Amount: d("2500"), Address: "dest"})
	require.NoError(t, err)
	require.NotEmpty(t, ack.ID)

	after, err := a.Balances(ctx)
	require.NoError(t, err)
	require.True(t, after[0].Available.Equal(d("7500")))

	_, err = a.Withdraw(ctx, schema.WithdrawRequest{Exchange: Name, Asset: "USD", Amount: d("7500.01"), Address: "dest"})
	require.ErrorIs(t, err, errs.New("", errs.CodeRejected, errs.WithCanonicalCode(errs.CanonicalInsufficientBalance)))

	_, err = newTestAdapter(t, v, false).Withdraw(ctx, schema.WithdrawRequest{Exchange: Name, Asset: "USD", Amount: d("1"), Address: "dest"})
	require.True(t, errs.Is(err, errs.CodeAuth))
}

func TestSetLeverageOnlyForFutures(t *testing.T) {
	v := seededVenue()
	a := newTestAdapter(t, v, true)
	perp := btcusd.WithMarket(schema.MarketFuture)

	require.NoError(t, a.SetLeverage(context.Background(), perp, 5))
	require.Equal(t, 5, v.Leverage(perp))
	require.Zero(t, v.Leverage(btcusd))

	err := a.SetLeverage(context.Background(), btcusd, 5)
	require.True(t, errs.Is(err, errs.CodeInvalid))
}
