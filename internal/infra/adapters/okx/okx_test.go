package okx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/venuekit/errs"
	"github.com/coachpo/venuekit/internal/app/exchange"
	"github.com/coachpo/venuekit/internal/domain/schema"
	"github.com/coachpo/venuekit/internal/infra/signing"
)

const testSecret = "okx-secret"

var btcusdt = schema.NewInstrument(name, "BTC", "USDT")

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	store, err := signing.NewStore([]signing.Credential{{Exchange: name, APIKey: "k", Secret: testSecret, Passphrase: "pp"}},
		signing.WithClock(signing.Fixed(time.Date(2024, 1, 2, 3, 4, 5, 6_000_000, time.UTC))))
	require.NoError(t, err)
	return New(exchange.Deps{
		Signer:   store.Signer(name),
		HTTP:     srv.Client(),
		Settings: exchange.Settings{RESTBaseURL: srv.URL, MaxAttempts: 1, RequestRate: 1000},
	})
}

func TestPlaceOrderSignsPrehash(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.Equal(t, "/api/v5/trade/order", r.URL.Path)
		require.Equal(t, "2024-01-02T03:04:05.006Z", r.Header.Get("OK-ACCESS-TIMESTAMP"))
		require.Equal(t, "pp", r.Header.Get("OK-ACCESS-PASSPHRASE"))

		mac := hmac.New(sha256.New, []byte(testSecret))
		mac.Write([]byte("2024-01-02T03:04:05.006Z" + "POST" + "/api/v5/trade/order" + string(body)))
		require.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), r.Header.Get("OK-ACCESS-SIGN"))
		require.JSONEq(t, `{"instId":"BTC-USDT","tdMode":"cash","clOrdId":"abc123","side":"buy","ordType":"limit","px":"100","sz":"2"}`, string(body))

		_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[{"ordId":"312269865356374016","clOrdId":"abc123","sCode":"0","sMsg":""}]}`))
	})

	ack, err := a.PlaceOrder(context.Background(), schema.OrderRequest{
		Instrument:    btcusdt,
		ClientOrderID: "abc-123",
		Side:          schema.SideBuy,
		Type:          schema.OrderTypeLimit,
		Price:         decimal.NewFromInt(100),
		Quantity:      decimal.NewFromInt(2),
	})
	require.NoError(t, err)
	require.Equal(t, "312269865356374016", ack.OrderID)
	require.Equal(t, schema.OrderStateOpen, ack.State)
}

func TestBusinessCodeOnHTTP200IsClassified(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"code":"1","msg":"Operation failed.","data":[{"ordId":"","sCode":"51008","sMsg":"Insufficient balance"}]}`))
	})
	_, err := a.PlaceOrder(context.Background(), schema.OrderRequest{
		Instrument:  btcusdt,
		Side:        schema.SideBuy,
		Type:        schema.OrderTypeMarket,
		QuoteAmount: decimal.NewFromInt(10),
	})
	require.Equal(t, errs.CodeRejected, errs.CodeOf(err))
	require.True(t, errs.Is(err, errs.CodeRejected))
}

func TestAuthFailureCode(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":"50113","msg":"Invalid Sign","data":[]}`))
	})
	_, err := a.Balances(context.Background())
	require.Equal(t, errs.CodeAuth, errs.CodeOf(err))
}

func TestCancelReadsBackExecutedSize(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v5/trade/cancel-order":
			_, _ = w.Write([]byte(`{"code":"0","data":[{"ordId":"7","sCode":"0"}]}`))
		case "/api/v5/trade/order":
			require.Equal(t, "7", r.URL.Query().Get("ordId"))
			_, _ = w.Write([]byte(`{"code":"0","data":[{"ordId":"7","state":"canceled","accFillSz":"0.25"}]}`))
		default:
			http.NotFound(w, r)
		}
	})
	ack, err := a.CancelOrder(context.Background(), btcusdt, "7")
	require.NoError(t, err)
	require.Equal(t, schema.OrderStateClosed, ack.State)
	require.True(t, ack.ExecutedQuantity.Equal(decimal.RequireFromString("0.25")))
}

func TestStreamBooksSnapshotThenUpdate(t *testing.T) {
	a := New(exchange.Deps{})
	p, err := a.Stream(exchange.ChannelOrderBook)
	require.NoError(t, err)
	require.False(t, p.RequiresSnapshot())

	frame, period := p.Heartbeat()
	require.Equal(t, "ping", string(frame))
	require.Equal(t, okxPingInterval, period)

	events, err := p.Decode(btcusdt, []byte("pong"))
	require.NoError(t, err)
	require.Equal(t, exchange.EventHeartbeat, events[0].Kind)

	events, err = p.Decode(btcusdt, []byte(`{"event":"subscribe","arg":{"channel":"books","instId":"BTC-USDT"}}`))
	require.NoError(t, err)
	require.Equal(t, exchange.EventAck, events[0].Kind)

	events, err = p.Decode(btcusdt, []byte(`{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"snapshot","data":[{"asks":[["101","1","0","1"]],"bids":[["99","2","0","1"]],"ts":"1700000000000","seqId":100,"prevSeqId":-1}]}`))
	require.NoError(t, err)
	require.Equal(t, exchange.EventSnapshot, events[0].Kind)
	require.EqualValues(t, 100, events[0].Snapshot.Sequence)

	events, err = p.Decode(btcusdt, []byte(`{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"update","data":[{"asks":[["101","0","0","0"]],"bids":[],"ts":"1700000000100","seqId":105,"prevSeqId":100}]}`))
	require.NoError(t, err)
	require.Equal(t, exchange.EventDelta, events[0].Kind)
	require.EqualValues(t, 100, events[0].Delta.Previous())
	require.EqualValues(t, 105, events[0].Delta.Sequence)

	events, err = p.Decode(btcusdt, []byte(`{"event":"error","code":"60012","msg":"Invalid request"}`))
	require.NoError(t, err)
	require.Equal(t, exchange.EventError, events[0].Kind)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(events[0].Err))
}

func TestSwapInstrumentID(t *testing.T) {
	require.Equal(t, "BTC-USDT-SWAP", instID(btcusdt.WithMarket(schema.MarketFuture)))
	require.Equal(t, "cross", tradeMode(btcusdt.WithMarket(schema.MarketFuture)))
	require.Equal(t, "abc123", sanitizeClientID("abc-123"))
}

func TestCandlesReverseToOldestFirst(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v5/market/candles", r.URL.Path)
		require.Equal(t, "BTC-USDT", r.URL.Query().Get("instId"))
		require.Equal(t, "4H", r.URL.Query().Get("bar"))
		_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[
["1700014400000","102","103","101","102.5","7","700","700","0"],
["1700000000000","100","104","99","102","9","900","900","1"]]}`))
	})
	candles, err := a.Candles(context.Background(), btcusdt, schema.Interval4h, 0)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	require.Equal(t, time.UnixMilli(1700000000000).UTC(), candles[0].OpenTime)
	require.Equal(t, "99", candles[0].Low.String())
	require.Equal(t, "102.5", candles[1].Close.String())

	_, err = a.Candles(context.Background(), btcusdt, schema.Interval10m, 0)
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestSetLeverageUsesCrossMargin(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.Equal(t, "/api/v5/account/set-leverage", r.URL.Path)
		require.JSONEq(t, `{"instId":"BTC-USDT-SWAP","lever":"5","mgnMode":"cross"}`, string(body))
		_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[{"instId":"BTC-USDT-SWAP","lever":"5","mgnMode":"cross","posSide":""}]}`))
	})
	require.NoError(t, a.SetLeverage(context.Background(), btcusdt.WithMarket(schema.MarketFuture), 5))
}

func TestWithdrawJoinsTagAndChain(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.Equal(t, "/api/v5/asset/withdrawal", r.URL.Path)
		require.JSONEq(t, `{"ccy":"XRP","amt":"30","dest":"4","toAddr":"rDest:77","chain":"XRP-Ripple"}`, string(body))
		_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[{"amt":"30","wdId":"67485","ccy":"XRP"}]}`))
	})
	ack, err := a.Withdraw(context.Background(), schema.WithdrawRequest{
		Exchange: name, Asset: "XRP", Amount: decimal.NewFromInt(30), Address: "rDest", AddressTag: "77", Network: "Ripple",
	})
	require.NoError(t, err)
	require.Equal(t, "67485", ack.ID)
}
