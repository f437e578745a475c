package bithumb

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/venuekit/errs"
	"github.com/coachpo/venuekit/internal/app/exchange"
	"github.com/coachpo/venuekit/internal/domain/schema"
	"github.com/coachpo/venuekit/internal/infra/signing"
)

const testSecret = "bithumb-secret"

var btckrw = schema.NewInstrument(name, "BTC", "KRW")

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	store, err := signing.NewStore([]signing.Credential{{Exchange: name, APIKey: "connect", Secret: testSecret}},
		signing.WithClock(signing.Fixed(time.UnixMilli(1_700_000_000_000))))
	require.NoError(t, err)
	return New(exchange.Deps{
		Signer:   store.Signer(name),
		HTTP:     srv.Client(),
		Settings: exchange.Settings{RESTBaseURL: srv.URL, MaxAttempts: 1, RequestRate: 1000},
	})
}

func expectedSign(path, form, nonce string) string {
	mac := hmac.New(sha512.New, []byte(testSecret))
	mac.Write([]byte(path + "\x00" + form + "\x00" + nonce))
	return base64.StdEncoding.EncodeToString([]byte(hex.EncodeToString(mac.Sum(nil))))
}

func TestSignedFormCarriesApiHeaders(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		form, err := url.ParseQuery(string(body))
		require.NoError(t, err)
		require.Equal(t, "/trade/place", form.Get("endpoint"))
		require.Equal(t, "bid", form.Get("type"))
		require.Equal(t, "connect", r.Header.Get("Api-Key"))
		require.Equal(t, "1700000000000", r.Header.Get("Api-Nonce"))
		require.Equal(t, expectedSign("/trade/place", string(body), "1700000000000"), r.Header.Get("Api-Sign"))
		_, _ = w.Write([]byte(`{"status":"0000","order_id":"C0101000001"}`))
	})
	ack, err := a.PlaceOrder(context.Background(), schema.OrderRequest{
		Instrument: btckrw,
		Side:       schema.SideBuy,
		Type:       schema.OrderTypeLimit,
		Price:      decimal.NewFromInt(50_000_000),
		Quantity:   decimal.RequireFromString("0.001"),
	})
	require.NoError(t, err)
	require.Equal(t, "C0101000001", ack.OrderID)
}

func TestPlaceOrderIsSentOnceOnGatewayError(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if posts.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"status":"0000","order_id":"C0101000002"}`))
	}))
	t.Cleanup(srv.Close)
	store, err := signing.NewStore([]signing.Credential{{Exchange: name, APIKey: "connect", Secret: testSecret}})
	require.NoError(t, err)
	a := New(exchange.Deps{
		Signer:   store.Signer(name),
		HTTP:     srv.Client(),
		Settings: exchange.Settings{RESTBaseURL: srv.URL, MaxAttempts: 3, RequestRate: 1000},
	})

	_, err = a.PlaceOrder(context.Background(), schema.OrderRequest{
		Instrument: btckrw,
		Side:       schema.SideSell,
		Type:       schema.OrderTypeLimit,
		Price:      decimal.NewFromInt(50_000_000),
		Quantity:   decimal.RequireFromString("0.001"),
	})
	require.Error(t, err)
	require.Equal(t, errs.CodeNetwork, errs.CodeOf(err))
	require.EqualValues(t, 1, posts.Load())
}

func TestMarketBuyByQuoteSizesAgainstBestAsk(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/public/orderbook/BTC_KRW":
			_, _ = w.Write([]byte(`{"status":"0000","data":{"timestamp":"1700000000000","bids":[{"price":"2999","quantity":"1"}],"asks":[{"price":"3000","quantity":"1"}]}}`))
		case "/trade/market_buy":
			body, _ := io.ReadAll(r.Body)
			form, _ := url.ParseQuery(string(body))
			require.Equal(t, "3.3333", form.Get("units"))
			_, _ = w.Write([]byte(`{"status":"0000","order_id":"C1"}`))
		default:
			http.NotFound(w, r)
		}
	})
	_, err := a.PlaceOrder(context.Background(), schema.OrderRequest{
		Instrument:  btckrw,
		Side:        schema.SideBuy,
		Type:        schema.OrderTypeMarket,
		QuoteAmount: decimal.NewFromInt(10_000),
	})
	require.NoError(t, err)
}

func TestCancelLooksUpSideAndSumsContracts(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(body))
		switch r.URL.Path {
		case "/info/order_detail":
			_, _ = w.Write([]byte(`{"status":"0000","data":{"order_status":"Pending","type":"ask","contract":[{"units":"0.1"},{"units":"0.05"}]}}`))
		case "/trade/cancel":
			require.Equal(t, "ask", form.Get("type"))
			_, _ = w.Write([]byte(`{"status":"0000"}`))
		}
	})
	ack, err := a.CancelOrder(context.Background(), btckrw, "C9")
	require.NoError(t, err)
	require.True(t, ack.ExecutedQuantity.Equal(decimal.RequireFromString("0.15")))
}

func TestStatusCodesOnHTTP200(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"5300","message":"Invalid Apikey"}`))
	})
	_, err := a.Balances(context.Background())
	require.Equal(t, errs.CodeAuth, errs.CodeOf(err))
}

func TestBalancesFoldAssetKeys(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"0000","data":{"total_btc":"1.5","in_use_btc":"0.5","available_btc":"1.0","total_krw":"1000","in_use_krw":"0","available_krw":"1000","available_eth":"0","in_use_eth":"0"}}`))
	})
	balances, err := a.Balances(context.Background())
	require.NoError(t, err)
	require.Len(t, balances, 2)
	require.Equal(t, "BTC", balances[0].Asset)
	require.True(t, balances[0].Locked.Equal(decimal.RequireFromString("0.5")))
	require.Equal(t, "KRW", balances[1].Asset)
}

func TestStreamDecodesSnapshotsAndTransactions(t *testing.T) {
	a := New(exchange.Deps{})
	p, err := a.Stream(exchange.ChannelOrderBook)
	require.NoError(t, err)

	events, err := p.Decode(btckrw, []byte(`{"status":"0000","resmsg":"Filter Registered Successfully"}`))
	require.NoError(t, err)
	require.Equal(t, exchange.EventAck, events[0].Kind)

	events, err = p.Decode(btckrw, []byte(`{"type":"orderbooksnapshot","content":{"symbol":"BTC_KRW","datetime":"1700000000123456","asks":[["3000","1"]],"bids":[["2999","2"]]}}`))
	require.NoError(t, err)
	require.Equal(t, exchange.EventSnapshot, events[0].Kind)
	require.EqualValues(t, 1700000000123456, events[0].Snapshot.Sequence)

	trades, err := a.Stream(exchange.ChannelTrades)
	require.NoError(t, err)
	events, err = trades.Decode(btckrw, []byte(`{"type":"transaction","content":{"list":[{"symbol":"BTC_KRW","buySellGb":"1","contPrice":"3000","contQty":"0.2","contDtm":"2023-11-15 07:13:20.123456"}]}}`))
	require.NoError(t, err)
	require.Equal(t, schema.SideSell, events[0].Trades[0].Side)
	require.True(t, events[0].Trades[0].Quantity.Equal(decimal.RequireFromString("0.2")))
}

func TestCandlesReadOpenCloseHighLowOrder(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/public/candlestick/BTC_KRW/24h", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"0000","data":[
			[1699920000000,"50000000","50500000","51000000","49500000","12.5"],
			[1700006400000,"50500000","52000000","52500000","50100000","8.25"],
			[1700092800000,50000000,"50010000","50020000","49990000","1"]
		]}`))
	})
	candles, err := a.Candles(context.Background(), btckrw, schema.Interval1d, 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	first := candles[0]
	require.Equal(t, time.UnixMilli(1700006400000).UTC(), first.OpenTime)
	require.True(t, first.Open.Equal(decimal.NewFromInt(50500000)))
	require.True(t, first.Close.Equal(decimal.NewFromInt(52000000)))
	require.True(t, first.High.Equal(decimal.NewFromInt(52500000)))
	require.True(t, first.Low.Equal(decimal.NewFromInt(50100000)))
	require.True(t, candles[1].Open.Equal(decimal.NewFromInt(50000000)))
}

func TestCandlesRejectUnofferedInterval(t *testing.T) {
	a := newTestAdapter(t, func(http.ResponseWriter, *http.Request) { t.Fatal("unexpected request") })
	_, err := a.Candles(context.Background(), btckrw, schema.Interval4h, 0)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
}

func TestWithdrawPostsSignedFormOnce(t *testing.T) {
	var calls atomic.Int32
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "/trade/btc_withdrawal", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		form, err := url.ParseQuery(string(body))
		require.NoError(t, err)
		require.Equal(t, "XRP", form.Get("currency"))
		require.Equal(t, "10.5", form.Get("units"))
		require.Equal(t, "rAddr", form.Get("address"))
		require.Equal(t, "42", form.Get("destination"))
		require.Equal(t, expectedSign("/trade/btc_withdrawal", string(body), "1700000000000"), r.Header.Get("Api-Sign"))
		_, _ = w.Write([]byte(`{"status":"5600","message":"withdrawal address not registered"}`))
	})
	_, err := a.Withdraw(context.Background(), schema.WithdrawRequest{
		Exchange:   name,
		Asset:      "XRP",
		Amount:     decimal.RequireFromString("10.50"),
		Address:    "rAddr",
		AddressTag: "42",
	})
	require.Equal(t, errs.CodeRejected, errs.CodeOf(err))
	require.EqualValues(t, 1, calls.Load())
}
