package upbit

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/venuekit/errs"
	"github.com/coachpo/venuekit/internal/app/exchange"
	"github.com/coachpo/venuekit/internal/domain/schema"
	"github.com/coachpo/venuekit/internal/infra/signing"
)

const testSecret = "upbit-secret"

var xrpkrw = schema.NewInstrument(name, "XRP", "KRW")

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	store, err := signing.NewStore([]signing.Credential{{Exchange: name, APIKey: "access", Secret: testSecret}},
		signing.WithClock(signing.Fixed(time.Unix(1_700_000_000, 0))),
		signing.WithNonceSource(func() string { return "nonce-1" }))
	require.NoError(t, err)
	return New(exchange.Deps{
		Signer:   store.Signer(name),
		HTTP:     srv.Client(),
		Settings: exchange.Settings{RESTBaseURL: srv.URL, MaxAttempts: 1, RequestRate: 1000},
	})
}

func parseBearer(t *testing.T, r *http.Request) jwt.MapClaims {
	t.Helper()
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return []byte(testSecret), nil },
		jwt.WithoutClaimsValidation())
	require.NoError(t, err)
	return claims
}

func TestOrderbookUsesQuoteBaseMarketCode(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "KRW-XRP", r.URL.Query().Get("markets"))
		_, _ = w.Write([]byte(`[{"market":"KRW-XRP","timestamp":1700000000123,"orderbook_units":[{"ask_price":701,"bid_price":700,"ask_size":10,"bid_size":5},{"ask_price":702,"bid_price":699,"ask_size":0,"bid_size":1}]}]`))
	})
	book, err := a.OrderBook(context.Background(), xrpkrw)
	require.NoError(t, err)
	require.Len(t, book.Bids, 2)
	require.Len(t, book.Asks, 1)
	require.EqualValues(t, 1700000000123, book.Sequence)
	require.False(t, book.Crossed())
}

func TestPlaceMarketBuyCarriesQueryHash(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.JSONEq(t, `{"market":"KRW-XRP","side":"bid","ord_type":"price","price":"5500"}`, string(body))

		claims := parseBearer(t, r)
		require.Equal(t, "access", claims["access_key"])
		require.Equal(t, "nonce-1", claims["nonce"])
		q := url.Values{}
		q.Set("market", "KRW-XRP")
		q.Set("side", "bid")
		q.Set("ord_type", "price")
		q.Set("price", "5500")
		sum := sha512.Sum512([]byte(q.Encode()))
		require.Equal(t, hex.EncodeToString(sum[:]), claims["query_hash"])
		require.Equal(t, "SHA512", claims["query_hash_alg"])

		_, _ = w.Write([]byte(`{"uuid":"cdd92199-2897-4e14-9448-f923320408ad","state":"wait","executed_volume":"0","created_at":"2024-01-01T00:00:00+09:00"}`))
	})
	ack, err := a.PlaceOrder(context.Background(), schema.OrderRequest{
		Instrument:  xrpkrw,
		Side:        schema.SideBuy,
		Type:        schema.OrderTypeMarket,
		QuoteAmount: decimal.NewFromInt(5500),
	})
	require.NoError(t, err)
	require.Equal(t, "cdd92199-2897-4e14-9448-f923320408ad", ack.OrderID)
	require.Equal(t, schema.OrderStateOpen, ack.State)
}

func TestMarketBuyByBaseQuantityIsInvalid(t *testing.T) {
	a := newTestAdapter(t, func(http.ResponseWriter, *http.Request) { t.Fatal("unexpected request") })
	_, err := a.PlaceOrder(context.Background(), schema.OrderRequest{
		Instrument: xrpkrw,
		Side:       schema.SideBuy,
		Type:       schema.OrderTypeMarket,
		Quantity:   decimal.NewFromInt(1),
	})
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
}

func TestCancelReturnsExecutedVolume(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "u-1", r.URL.Query().Get("uuid"))
		_, _ = w.Write([]byte(`{"uuid":"u-1","state":"wait","executed_volume":"1.5"}`))
	})
	ack, err := a.CancelOrder(context.Background(), xrpkrw, "u-1")
	require.NoError(t, err)
	require.True(t, ack.ExecutedQuantity.Equal(decimal.RequireFromString("1.5")))
}

func TestErrorNamesAreClassified(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"name":"jwt_verification","message":"Failed to verify Jwt token."}}`))
	})
	_, err := a.Balances(context.Background())
	require.Equal(t, errs.CodeAuth, errs.CodeOf(err))
}

func TestFuturesAreNotSupported(t *testing.T) {
	a := New(exchange.Deps{})
	_, err := a.OrderBook(context.Background(), xrpkrw.WithMarket(schema.MarketFuture))
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeExchange))
}

func TestStreamDecodesSnapshotsAndTrades(t *testing.T) {
	a := New(exchange.Deps{})
	p, err := a.Stream(exchange.ChannelOrderBook)
	require.NoError(t, err)

	frames, err := p.SubscribeMessages(xrpkrw)
	require.NoError(t, err)
	require.Contains(t, string(frames[0]), `"codes":["KRW-XRP"]`)

	events, err := p.Decode(xrpkrw, []byte(`{"status":"UP"}`))
	require.NoError(t, err)
	require.Equal(t, exchange.EventHeartbeat, events[0].Kind)

	events, err = p.Decode(xrpkrw, []byte(`{"type":"orderbook","code":"KRW-XRP","timestamp":1700000000500,"orderbook_units":[{"ask_price":701,"bid_price":700,"ask_size":1,"bid_size":2}]}`))
	require.NoError(t, err)
	require.Equal(t, exchange.EventSnapshot, events[0].Kind)
	require.EqualValues(t, 1700000000500, events[0].Snapshot.Sequence)

	events, err = p.Decode(xrpkrw, []byte(`{"type":"trade","code":"KRW-XRP","trade_price":700,"trade_volume":3,"ask_bid":"ASK","trade_timestamp":1700000000600,"sequential_id":42}`))
	require.NoError(t, err)
	require.Equal(t, schema.SideSell, events[0].Trades[0].Side)
	require.Equal(t, "42", events[0].Trades[0].ID)
}

func TestCandlesUseMinuteUnitAndReverse(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/candles/minutes/240", r.URL.Path)
		require.Equal(t, "KRW-XRP", r.URL.Query().Get("market"))
		require.Equal(t, "200", r.URL.Query().Get("count"))
		_, _ = w.Write([]byte(`[
			{"candle_date_time_utc":"2024-01-01T04:00:00","opening_price":705,"high_price":710,"low_price":700,"trade_price":708,"candle_acc_trade_volume":12.5},
			{"candle_date_time_utc":"2024-01-01T00:00:00","opening_price":700,"high_price":706,"low_price":698,"trade_price":705,"candle_acc_trade_volume":3}
		]`))
	})
	candles, err := a.Candles(context.Background(), xrpkrw, schema.Interval4h, 500)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	require.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), candles[0].OpenTime)
	require.True(t, candles[1].Close.Equal(decimal.NewFromInt(708)))
	require.True(t, candles[1].Volume.Equal(decimal.RequireFromString("12.5")))
}

func TestDailyCandlesUseDaysResource(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/candles/days", r.URL.Path)
		_, _ = w.Write([]byte(`[]`))
	})
	candles, err := a.Candles(context.Background(), xrpkrw, schema.Interval1d, 0)
	require.NoError(t, err)
	require.Empty(t, candles)

	_, err = a.Candles(context.Background(), xrpkrw, schema.Interval("2h"), 0)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
}

func TestWithdrawTruncatesAmountAndSendsOnce(t *testing.T) {
	var calls int
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/withdraws/coin", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.JSONEq(t, `{"currency":"XRP","amount":"25.123456","address":"rAddr","secondary_address":"77","net_type":"XRP","transaction_type":"default"}`, string(body))
		claims := parseBearer(t, r)
		require.NotEmpty(t, claims["query_hash"])
		_, _ = w.Write([]byte(`{"type":"withdraw","uuid":"w-1","currency":"XRP","state":"submitting"}`))
	})
	ack, err := a.Withdraw(context.Background(), schema.WithdrawRequest{
		Exchange:   name,
		Asset:      "XRP",
		Amount:     decimal.RequireFromString("25.1234569"),
		Address:    "rAddr",
		AddressTag: "77",
		Network:    "XRP",
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, "w-1", ack.ID)
	require.Equal(t, "25.123456", ack.Amount.String())

	_, err = a.Withdraw(context.Background(), schema.WithdrawRequest{
		Exchange: name, Asset: "XRP", Amount: decimal.RequireFromString("0.0000001"), Address: "rAddr",
	})
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
	require.Equal(t, 1, calls)
}
