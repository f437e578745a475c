// Package upbit implements the exchange capability set over the Upbit spot API.
package upbit

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/venuekit/errs"
	"github.com/coachpo/venuekit/internal/app/exchange"
	"github.com/coachpo/venuekit/internal/domain/schema"
	"github.com/coachpo/venuekit/internal/infra/adapters/shared"
	"github.com/coachpo/venuekit/internal/infra/signing"
	"github.com/coachpo/venuekit/internal/numeric"
)

const name = "upbit"

var tokenScheme = signing.Token{TTL: tokenTTL, QueryHash: true}

// Adapter talks to Upbit.
type Adapter struct {
	shared.Base
	opts Options
}

// Register adds the Upbit factory to reg.
func Register(reg *exchange.Registry) {
	reg.Register(name, func(_ context.Context, deps exchange.Deps) (exchange.Adapter, error) {
		return New(deps), nil
	})
}

// New constructs the adapter.
func New(deps exchange.Deps) *Adapter {
	s := deps.Settings
	rate := s.RequestRate
	if rate <= 0 {
		rate = defaultRequestRate
	}
	bookTTL, tradesTTL := s.BookTTL, s.TradesTTL
	if bookTTL <= 0 {
		bookTTL = defaultBookTTL
	}
	if tradesTTL <= 0 {
		tradesTTL = defaultTradesTTL
	}
	return &Adapter{
		opts: optionsFromSettings(s),
		Base: shared.Base{
			Exchange: name,
			Signer:   shared.EnsureSigner(deps.Signer, name),
			Cache:    deps.Cache,
			REST: shared.NewRESTClient(shared.RESTOptions{
				Exchange:    name,
				HTTP:        deps.HTTP,
				Timeout:     s.HTTPTimeout,
				MaxAttempts: s.MaxAttempts,
				Rate:        rate,
				Burst:       s.RequestBurst,
				Classify:    classifyError,
			}),
			BookTTL:   bookTTL,
			TradesTTL: tradesTTL,
		},
	}
}

func (a *Adapter) Name() string { return name }

func spotOnly(inst schema.Instrument) error {
	if inst.IsFuture() {
		return errs.NotSupported(name, "futures markets")
	}
	return nil
}

type orderbookUnit struct {
	AskPrice decimal.Decimal `json:"ask_price"`
	BidPrice decimal.Decimal `json:"bid_price"`
	AskSize  decimal.Decimal `json:"ask_size"`
	BidSize  decimal.Decimal `json:"bid_size"`
}

type orderbookRecord struct {
	Market    string          `json:"market"`
	Code      string          `json:"code"`
	Timestamp int64           `json:"timestamp"`
	Units     []orderbookUnit `json:"orderbook_units"`
}

// toBook splits paired units into sides; the timestamp doubles as sequence
// since every message is a full replacement.
func (r orderbookRecord) toBook(inst schema.Instrument) schema.OrderBook {
	book := schema.OrderBook{
		Instrument: inst,
		Bids:       make([]schema.PriceLevel, 0, len(r.Units)),
		Asks:       make([]schema.PriceLevel, 0, len(r.Units)),
		Sequence:   uint64(r.Timestamp),
		UpdatedAt:  time.UnixMilli(r.Timestamp).UTC(),
	}
	for _, u := range r.Units {
		if u.BidSize.Sign() > 0 {
			book.Bids = append(book.Bids, schema.PriceLevel{Price: u.BidPrice, Quantity: u.BidSize})
		}
		if u.AskSize.Sign() > 0 {
			book.Asks = append(book.Asks, schema.PriceLevel{Price: u.AskPrice, Quantity: u.AskSize})
		}
	}
	return book
}

// OrderBook returns a cached depth snapshot.
func (a *Adapter) OrderBook(ctx context.Context, inst schema.Instrument) (schema.OrderBook, error) {
	if err := spotOnly(inst); err != nil {
		return schema.OrderBook{}, err
	}
	return a.CachedBook(ctx, inst, func(ctx context.Context) (schema.OrderBook, error) {
		return a.fetchOrderbook(ctx, inst)
	})
}

func (a *Adapter) fetchOrderbook(ctx context.Context, inst schema.Instrument) (schema.OrderBook, error) {
	params := url.Values{}
	params.Set("markets", marketCode(inst))
	var book schema.OrderBook
	err := a.REST.Do(ctx, "orderbook", a.public("/v1/orderbook", params), func(body []byte) error {
		var records []orderbookRecord
		if err := json.Unmarshal(body, &records); err != nil {
			return err
		}
		if len(records) == 0 {
			return errs.New(name, errs.CodeInvalid, errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))
		}
		book = records[0].toBook(inst)
		return nil
	})
	return book, err
}

type tradeTick struct {
	Timestamp    int64           `json:"timestamp"`
	TradeTS      int64           `json:"trade_timestamp"`
	TradePrice   decimal.Decimal `json:"trade_price"`
	TradeVolume  decimal.Decimal `json:"trade_volume"`
	AskBid       string          `json:"ask_bid"`
	SequentialID int64           `json:"sequential_id"`
}

func (t tradeTick) toTrade(inst schema.Instrument) schema.Trade {
	side := schema.SideBuy
	if strings.EqualFold(t.AskBid, "ASK") {
		side = schema.SideSell
	}
	ts := t.TradeTS
	if ts == 0 {
		ts = t.Timestamp
	}
	return schema.Trade{
		Instrument: inst,
		ID:         strconv.FormatInt(t.SequentialID, 10),
		Price:      t.TradePrice,
		Quantity:   t.TradeVolume,
		Side:       side,
		Timestamp:  time.UnixMilli(ts).UTC(),
	}
}

// RecentTrades returns cached recent public trades.
func (a *Adapter) RecentTrades(ctx context.Context, inst schema.Instrument) ([]schema.Trade, error) {
	if err := spotOnly(inst); err != nil {
		return nil, err
	}
	return a.CachedTrades(ctx, inst, func(ctx context.Context) ([]schema.Trade, error) {
		params := url.Values{}
		params.Set("market", marketCode(inst))
		params.Set("count", strconv.Itoa(defaultTradeLimit))
		var trades []schema.Trade
		err := a.REST.Do(ctx, "trades", a.public("/v1/trades/ticks", params), func(body []byte) error {
			var ticks []tradeTick
			if err := json.Unmarshal(body, &ticks); err != nil {
				return err
			}
			trades = make([]schema.Trade, 0, len(ticks))
			for _, t := range ticks {
				trades = append(trades, t.toTrade(inst))
			}
			return nil
		})
		return trades, err
	})
}

type orderResponse struct {
	UUID           string          `json:"uuid"`
	Identifier     string          `json:"identifier"`
	State          string          `json:"state"`
	ExecutedVolume decimal.Decimal `json:"executed_volume"`
	CreatedAt      time.Time       `json:"created_at"`
}

// PlaceOrder submits an order. Market buys spend a quote amount and market
// sells a base quantity, as Upbit requires.
func (a *Adapter) PlaceOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderAck, error) {
	if err := req.Validate(); err != nil {
		return schema.OrderAck{}, errs.New(name, errs.CodeInvalid, errs.WithMessage(err.Error()))
	}
	if err := spotOnly(req.Instrument); err != nil {
		return schema.OrderAck{}, err
	}
	defer a.Invalidate(ctx, req.Instrument)

	params := url.Values{}
	params.Set("market", marketCode(req.Instrument))
	if req.Side == schema.SideBuy {
		params.Set("side", "bid")
	} else {
		params.Set("side", "ask")
	}
	switch {
	case req.Type == schema.OrderTypeLimit:
		params.Set("ord_type", "limit")
		params.Set("price", numeric.Trim(req.Price))
		params.Set("volume", numeric.Trim(req.Quantity))
	case req.Side == schema.SideBuy:
		if req.QuoteAmount.Sign() <= 0 {
			return schema.OrderAck{}, errs.New(name, errs.CodeInvalid, errs.WithMessage("market buys need a quote amount"))
		}
		params.Set("ord_type", "price")
		params.Set("price", numeric.Trim(req.QuoteAmount))
	default:
		if req.Quantity.Sign() <= 0 {
			return schema.OrderAck{}, errs.New(name, errs.CodeInvalid, errs.WithMessage("market sells need a base quantity"))
		}
		params.Set("ord_type", "market")
		params.Set("volume", numeric.Trim(req.Quantity))
	}
	if req.ClientOrderID != "" {
		params.Set("identifier", req.ClientOrderID)
	}

	var ack schema.OrderAck
	err := a.REST.DoOnce(ctx, "order", a.signed(http.MethodPost, "/v1/orders", params), func(body []byte) error {
		var resp orderResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return err
		}
		ts := resp.CreatedAt.UTC()
		if resp.CreatedAt.IsZero() {
			ts = a.Signer.Now().UTC()
		}
		ack = schema.OrderAck{
			Exchange:         name,
			OrderID:          resp.UUID,
			ClientOrderID:    resp.Identifier,
			Instrument:       req.Instrument,
			State:            orderState(resp.State),
			ExecutedQuantity: resp.ExecutedVolume,
			Timestamp:        ts,
		}
		return nil
	})
	return ack, err
}

// CancelOrder cancels an order and reports its executed volume.
func (a *Adapter) CancelOrder(ctx context.Context, inst schema.Instrument, orderID string) (schema.CancelAck, error) {
	if strings.TrimSpace(orderID) == "" {
		return schema.CancelAck{}, errs.New(name, errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	defer a.Invalidate(ctx, inst)

	params := url.Values{}
	params.Set("uuid", orderID)
	var ack schema.CancelAck
	err := a.REST.Do(ctx, "cancel", a.signed(http.MethodDelete, "/v1/order", params), func(body []byte) error {
		var resp orderResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return err
		}
		ack = schema.CancelAck{
			Exchange:         name,
			OrderID:          resp.UUID,
			Instrument:       inst,
			State:            schema.OrderStateClosed,
			ExecutedQuantity: resp.ExecutedVolume,
		}
		return nil
	})
	return ack, err
}

// OrderStatus queries a single order.
func (a *Adapter) OrderStatus(ctx context.Context, _ schema.Instrument, orderID string) (schema.OrderStatus, error) {
	params := url.Values{}
	params.Set("uuid", orderID)
	var status schema.OrderStatus
	err := a.REST.Do(ctx, "order_status", a.signed(http.MethodGet, "/v1/order", params), func(body []byte) error {
		var resp orderResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return err
		}
		status = schema.OrderStatus{OrderID: resp.UUID, State: orderState(resp.State), ExecutedQuantity: resp.ExecutedVolume}
		return nil
	})
	return status, err
}

type accountRecord struct {
	Currency string          `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
	Locked   decimal.Decimal `json:"locked"`
}

// Balances returns all account balances.
func (a *Adapter) Balances(ctx context.Context) ([]schema.Balance, error) {
	return a.CachedBalances(ctx, func(ctx context.Context) ([]schema.Balance, error) {
		var out []schema.Balance
		err := a.REST.Do(ctx, "accounts", a.signed(http.MethodGet, "/v1/accounts", nil), func(body []byte) error {
			var records []accountRecord
			if err := json.Unmarshal(body, &records); err != nil {
				return err
			}
			out = make([]schema.Balance, 0, len(records))
			for _, r := range records {
				out = append(out, schema.Balance{Asset: strings.ToUpper(r.Currency), Available: r.Balance, Locked: r.Locked})
			}
			return nil
		})
		return out, err
	})
}

// Stream returns the websocket protocol for channel.
func (a *Adapter) Stream(channel exchange.Channel) (exchange.StreamProtocol, error) {
	switch channel {
	case exchange.ChannelOrderBook, exchange.ChannelTrades:
		return &streamProtocol{adapter: a, channel: channel}, nil
	default:
		return nil, errs.NotSupported(name, "channel "+string(channel))
	}
}

func (a *Adapter) public(path string, params url.Values) shared.Builder {
	endpoint := a.opts.BaseURL + path + "?" + params.Encode()
	return func(ctx context.Context) (*http.Request, error) {
		return shared.NewRequest(ctx, http.MethodGet, endpoint, nil)
	}
}

// signed attaches a fresh bearer token; POST parameters travel as JSON while
// the token hashes their query-string form.
func (a *Adapter) signed(method, path string, params url.Values) shared.Builder {
	query := ""
	if len(params) > 0 {
		query = params.Encode()
	}
	return func(ctx context.Context) (*http.Request, error) {
		sig, err := a.Signer.Token(tokenScheme, signing.Request{Method: method, Path: path, Query: query})
		if err != nil {
			return nil, err
		}
		endpoint := a.opts.BaseURL + path
		var body io.Reader
		if method == http.MethodPost {
			flat := make(map[string]string, len(params))
			for k := range params {
				flat[k] = params.Get(k)
			}
			raw, err := json.Marshal(flat)
			if err != nil {
				return nil, err
			}
			body = bytes.NewReader(raw)
		} else if query != "" {
			endpoint += "?" + query
		}
		req, err := shared.NewRequest(ctx, method, endpoint, body)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json; charset=utf-8")
		}
		req.Header.Set("Authorization", "Bearer "+sig.Token)
		return req, nil
	}
}

func orderState(state string) schema.OrderState {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "wait", "watch":
		return schema.OrderStateOpen
	default:
		return schema.OrderStateClosed
	}
}
