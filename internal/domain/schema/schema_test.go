package schema

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func lvl(p, q string) PriceLevel {
	return PriceLevel{Price: decimal.RequireFromString(p), Quantity: decimal.RequireFromString(q)}
}

func TestParseInstrumentNormalises(t *testing.T) {
	inst, err := ParseInstrument(" Binance ", "btc/usdt")
	require.NoError(t, err)
	require.Equal(t, "binance", inst.Exchange)
	require.Equal(t, "BTC-USDT", inst.Symbol())
	require.Equal(t, MarketSpot, inst.Market)

	_, err = ParseInstrument("binance", "BTCUSDT")
	require.Error(t, err)
}

func TestInstrumentIsComparableKey(t *testing.T) {
	books := map[Instrument]int{}
	books[NewInstrument("okx", "btc", "usdt")] = 1
	require.Equal(t, 1, books[NewInstrument("OKX", "BTC", "USDT")])
	require.NotContains(t, books, NewInstrument("okx", "btc", "usdt").WithMarket(MarketFuture))
}

func TestOrderBookCrossed(t *testing.T) {
	book := OrderBook{Bids: []PriceLevel{lvl("100", "1")}, Asks: []PriceLevel{lvl("99", "1")}}
	require.True(t, book.Crossed())

	book.Asks = []PriceLevel{lvl("101", "1")}
	require.False(t, book.Crossed())

	book.Asks = nil
	require.False(t, book.Crossed())
}

func TestOrderBookCloneIsolatesLevels(t *testing.T) {
	book := OrderBook{Bids: []PriceLevel{lvl("100", "1")}}
	clone := book.Clone()
	clone.Bids[0] = lvl("1", "1")
	require.True(t, book.Bids[0].Price.Equal(decimal.NewFromInt(100)))
}

func TestDeltaPreviousDefaultsToSingleStep(t *testing.T) {
	require.Equal(t, uint64(41), BookDelta{Sequence: 42}.Previous())
	require.Equal(t, uint64(30), BookDelta{PrevSequence: 30, Sequence: 42}.Previous())
}

func TestOrderRequestValidate(t *testing.T) {
	inst := NewInstrument("upbit", "XRP", "KRW")
	ok := OrderRequest{Instrument: inst, Side: SideBuy, Type: OrderTypeLimit, Price: decimal.NewFromInt(500), Quantity: decimal.NewFromInt(10)}
	require.NoError(t, ok.Validate())

	noPrice := ok
	noPrice.Price = decimal.Zero
	require.Error(t, noPrice.Validate())

	market := OrderRequest{Instrument: inst, Side: SideBuy, Type: OrderTypeMarket, QuoteAmount: decimal.NewFromInt(5000)}
	require.NoError(t, market.Validate())

	badSide := ok
	badSide.Side = "hold"
	require.Error(t, badSide.Validate())
}

func TestIntervalValidate(t *testing.T) {
	require.NoError(t, Interval10m.Validate())
	require.Equal(t, 4*time.Hour, Interval4h.Duration())
	require.Error(t, Interval("7m").Validate())
	require.Zero(t, Interval("7m").Duration())
}

func TestWithdrawRequestValidate(t *testing.T) {
	ok := WithdrawRequest{Exchange: "upbit", Asset: "XRP", Amount: decimal.NewFromInt(10), Address: "rAddr", AddressTag: "123"}
	require.NoError(t, ok.Validate())

	noAddress := ok
	noAddress.Address = " "
	require.Error(t, noAddress.Validate())

	zero := ok
	zero.Amount = decimal.Zero
	require.Error(t, zero.Validate())
}
