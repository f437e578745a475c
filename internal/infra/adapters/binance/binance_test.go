package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
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

const testSecret = "s3cr3t"

var btcusdt = schema.NewInstrument(name, "BTC", "USDT")

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store, err := signing.NewStore([]signing.Credential{{Exchange: name, APIKey: "key-1", Secret: testSecret}},
		signing.WithClock(signing.Fixed(time.UnixMilli(1_700_000_000_000))))
	require.NoError(t, err)
	c := cache.New(cache.Options{SweepInterval: time.Hour})
	t.Cleanup(func() { _ = c.Close() })

	return New(exchange.Deps{
		Signer: store.Signer(name),
		Cache:  c,
		HTTP:   srv.Client(),
		Settings: exchange.Settings{
			RESTBaseURL: srv.URL,
			FuturesURL:  srv.URL,
			MaxAttempts: 1,
			RequestRate: 1000,
			BookTTL:     time.Minute,
		},
	})
}

func TestOrderBookParsesAndCaches(t *testing.T) {
	var hits atomic.Int32
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		require.Equal(t, "/api/v3/depth", r.URL.Path)
		require.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		_, _ = w.Write([]byte(`{"lastUpdateId":1027024,"bids":[["4.00000000","431.00000000"],["3.90","0"]],"asks":[["4.00000200","12.00000000"]]}`))
	})

	book, err := a.OrderBook(context.Background(), btcusdt)
	require.NoError(t, err)
	require.EqualValues(t, 1027024, book.Sequence)
	require.Len(t, book.Bids, 1)
	require.True(t, book.Bids[0].Price.Equal(decimal.RequireFromString("4")))
	require.Len(t, book.Asks, 1)

	_, err = a.OrderBook(context.Background(), btcusdt)
	require.NoError(t, err)
	require.EqualValues(t, 1, hits.Load())
}

func TestFuturesUseFapiEndpoints(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/depth", r.URL.Path)
		_, _ = w.Write([]byte(`{"lastUpdateId":5,"bids":[],"asks":[]}`))
	})
	book, err := a.OrderBook(context.Background(), btcusdt.WithMarket(schema.MarketFuture))
	require.NoError(t, err)
	require.EqualValues(t, 5, book.Sequence)
}

func TestPlaceOrderSignsQuery(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "key-1", r.Header.Get("X-MBX-APIKEY"))

		raw := r.URL.RawQuery
		idx := strings.LastIndex(raw, "&signature=")
		require.Positive(t, idx)
		mac := hmac.New(sha256.New, []byte(testSecret))
		mac.Write([]byte(raw[:idx]))
		require.Equal(t, hex.EncodeToString(mac.Sum(nil)), raw[idx+len("&signature="):])

		q := r.URL.Query()
		require.Equal(t, "1700000000000", q.Get("timestamp"))
		require.Equal(t, "LIMIT", q.Get("type"))
		require.Equal(t, "0.5", q.Get("quantity"))
		_, _ = w.Write([]byte(`{"orderId":28,"clientOrderId":"cid-1","status":"NEW","executedQty":"0","transactTime":1700000000001}`))
	})

	ack, err := a.PlaceOrder(context.Background(), schema.OrderRequest{
		Instrument:    btcusdt,
		ClientOrderID: "cid-1",
		Side:          schema.SideBuy,
		Type:          schema.OrderTypeLimit,
		Price:         decimal.RequireFromString("30000"),
		Quantity:      decimal.RequireFromString("0.5"),
	})
	require.NoError(t, err)
	require.Equal(t, "28", ack.OrderID)
	require.Equal(t, schema.OrderStateOpen, ack.State)
}

func TestMarketBuyByQuoteAmount(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		require.Equal(t, "MARKET", q.Get("type"))
		require.Equal(t, "25", q.Get("quoteOrderQty"))
		require.Empty(t, q.Get("quantity"))
		_, _ = w.Write([]byte(`{"orderId":29,"status":"FILLED","executedQty":"0.001"}`))
	})
	ack, err := a.PlaceOrder(context.Background(), schema.OrderRequest{
		Instrument:  btcusdt,
		Side:        schema.SideBuy,
		Type:        schema.OrderTypeMarket,
		QuoteAmount: decimal.NewFromInt(25),
	})
	require.NoError(t, err)
	require.Equal(t, schema.OrderStateClosed, ack.State)
}

func TestVenueErrorsAreClassified(t *testing.T) {
	cases := []struct {
		status int
		body   string
		code   errs.Code
	}{
		{http.StatusBadRequest, `{"code":-2010,"msg":"Account has insufficient balance"}`, errs.CodeRejected},
		{http.StatusTooManyRequests, `{"code":-1003,"msg":"Too many requests"}`, errs.CodeRateLimited},
		{http.StatusUnauthorized, `{"code":-2015,"msg":"Invalid API-key"}`, errs.CodeAuth},
		{http.StatusBadRequest, `{"code":-2013,"msg":"Order does not exist."}`, errs.CodeNotFound},
	}
	for _, tc := range cases {
		a := newTestAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		})
		_, err := a.CancelOrder(context.Background(), btcusdt, "1")
		require.Error(t, err)
		require.Equal(t, tc.code, errs.CodeOf(err), tc.body)
	}
}

func TestMissingCredentialIsAuthFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { hits.Add(1) }))
	defer srv.Close()
	a := New(exchange.Deps{HTTP: srv.Client(), Settings: exchange.Settings{RESTBaseURL: srv.URL, MaxAttempts: 1}})

	_, err := a.Balances(context.Background())
	require.Equal(t, errs.CodeAuth, errs.CodeOf(err))
	require.Zero(t, hits.Load())
}

func TestStreamDecodesDepthAndTrades(t *testing.T) {
	a := New(exchange.Deps{})
	books, err := a.Stream(exchange.ChannelOrderBook)
	require.NoError(t, err)
	require.True(t, books.RequiresSnapshot())

	frames, err := books.SubscribeMessages(btcusdt)
	require.NoError(t, err)
	require.JSONEq(t, `{"method":"SUBSCRIBE","params":["btcusdt@depth@100ms"],"id":1}`, string(frames[0]))

	events, err := books.Decode(btcusdt, []byte(`{"result":null,"id":1}`))
	require.NoError(t, err)
	require.Equal(t, exchange.EventAck, events[0].Kind)

	events, err = books.Decode(btcusdt, []byte(`{"e":"depthUpdate","E":1700000000000,"s":"BTCUSDT","U":157,"u":160,"b":[["0.0024","10"]],"a":[["0.0026","0"]]}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	delta := events[0].Delta
	require.EqualValues(t, 156, delta.Previous())
	require.EqualValues(t, 160, delta.Sequence)
	require.True(t, delta.Asks[0].Quantity.IsZero())

	futures, err := books.Decode(btcusdt, []byte(`{"e":"depthUpdate","E":1,"U":157,"u":160,"pu":149,"b":[],"a":[]}`))
	require.NoError(t, err)
	require.EqualValues(t, 149, futures[0].Delta.Previous())

	trades, err := a.Stream(exchange.ChannelTrades)
	require.NoError(t, err)
	require.False(t, trades.RequiresSnapshot())
	events, err = trades.Decode(btcusdt, []byte(`{"e":"trade","E":1,"s":"BTCUSDT","t":12345,"p":"0.001","q":"100","T":1700000000000,"m":true}`))
	require.NoError(t, err)
	require.Equal(t, schema.SideSell, events[0].Trades[0].Side)
	require.Equal(t, "12345", events[0].Trades[0].ID)

	// "M" is a separate flag and must not fold onto "m".
	events, err = trades.Decode(btcusdt, []byte(`{"e":"trade","E":1700000000001,"s":"BTCUSDT","t":12346,"p":"0.001","q":"1","T":1700000000001,"m":false,"M":true}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, schema.SideBuy, events[0].Trades[0].Side)
}

func TestCandlesParseKlines(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/klines", r.URL.Path)
		require.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		require.Equal(t, "1h", r.URL.Query().Get("interval"))
		require.Equal(t, "2", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`[
[1700000000000,"100.0","110.5","95.0","101.25","12.5",1700003599999,"1250",30,"6","600","0"],
[1700003600000,"101.25","102","100","100.5","3",1700007199999,"300",9,"1","100","0"]]`))
	})
	candles, err := a.Candles(context.Background(), btcusdt, schema.Interval1h, 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	require.Equal(t, time.UnixMilli(1700000000000).UTC(), candles[0].OpenTime)
	require.Equal(t, "110.5", candles[0].High.String())
	require.Equal(t, "101.25", candles[0].Close.String())
	require.Equal(t, "3", candles[1].Volume.String())

	_, err = a.Candles(context.Background(), btcusdt, schema.Interval10m, 2)
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestWithdrawSignsApplyRequest(t *testing.T) {
	var posts atomic.Int32
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/sapi/v1/capital/withdraw/apply", r.URL.Path)
		q := r.URL.Query()
		require.Equal(t, "XRP", q.Get("coin"))
		require.Equal(t, "25.5", q.Get("amount"))
		require.Equal(t, "rDest", q.Get("address"))
		require.Equal(t, "1234", q.Get("addressTag"))
		require.NotEmpty(t, q.Get("signature"))
		_, _ = w.Write([]byte(`{"id":"7213fea8e94b4a5593d507237e5a555b"}`))
	})
	ack, err := a.Withdraw(context.Background(), schema.WithdrawRequest{
		Exchange: name, Asset: "XRP", Amount: decimal.RequireFromString("25.50"), Address: "rDest", AddressTag: "1234",
	})
	require.NoError(t, err)
	require.Equal(t, "7213fea8e94b4a5593d507237e5a555b", ack.ID)
	require.EqualValues(t, 1, posts.Load())
}

func TestSetLeverageTargetsFutures(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/leverage", r.URL.Path)
		require.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		require.Equal(t, "20", r.URL.Query().Get("leverage"))
		_, _ = w.Write([]byte(`{"leverage":20,"maxNotionalValue":"1000000","symbol":"BTCUSDT"}`))
	})
	require.NoError(t, a.SetLeverage(context.Background(), btcusdt.WithMarket(schema.MarketFuture), 20))
	require.True(t, errs.Is(a.SetLeverage(context.Background(), btcusdt, 20), errs.CodeInvalid))
}
