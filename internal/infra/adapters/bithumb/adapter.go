// Package bithumb implements the exchange capability set over the Bithumb
// spot API.
package bithumb

import (
	"context"
	"net/http"
	"net/url"
	"sort"
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

const name = "bithumb"

var hmacScheme = signing.HMAC{
	Hash:      signing.SHA512,
	Encoding:  signing.HexBase64,
	Canonical: signing.CanonicalNullSeparated,
	Stamp:     signing.UnixMillis,
}

var kst = time.FixedZone("KST", 9*60*60)

// Adapter talks to Bithumb.
type Adapter struct {
	shared.Base
	opts Options
}

// Register adds the Bithumb factory to reg.
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

type quote struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

type orderbookResponse struct {
	Status string `json:"status"`
	Data   struct {
		Timestamp string  `json:"timestamp"`
		Bids      []quote `json:"bids"`
		Asks      []quote `json:"asks"`
	} `json:"data"`
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
	var book schema.OrderBook
	err := a.REST.Do(ctx, "orderbook", a.public("/public/orderbook/"+pairSymbol(inst), nil), func(body []byte) error {
		if err := checkStatus(body); err != nil {
			return err
		}
		var resp orderbookResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return err
		}
		updated, _ := shared.ParseMillis(resp.Data.Timestamp)
		book = schema.OrderBook{
			Instrument: inst,
			Bids:       toLevels(resp.Data.Bids),
			Asks:       toLevels(resp.Data.Asks),
			Sequence:   uint64(updated.UnixMilli()),
			UpdatedAt:  updated,
		}
		return nil
	})
	return book, err
}

func toLevels(quotes []quote) []schema.PriceLevel {
	out := make([]schema.PriceLevel, 0, len(quotes))
	for _, q := range quotes {
		if q.Quantity.Sign() > 0 {
			out = append(out, schema.PriceLevel{Price: q.Price, Quantity: q.Quantity})
		}
	}
	return out
}

type transaction struct {
	ContNo          json.Number     `json:"cont_no"`
	TransactionDate string          `json:"transaction_date"`
	Type            string          `json:"type"`
	UnitsTraded     decimal.Decimal `json:"units_traded"`
	Price           decimal.Decimal `json:"price"`
}

// RecentTrades returns cached recent public trades.
func (a *Adapter) RecentTrades(ctx context.Context, inst schema.Instrument) ([]schema.Trade, error) {
	if err := spotOnly(inst); err != nil {
		return nil, err
	}
	return a.CachedTrades(ctx, inst, func(ctx context.Context) ([]schema.Trade, error) {
		params := url.Values{}
		params.Set("count", strconv.Itoa(defaultTradeLimit))
		var trades []schema.Trade
		err := a.REST.Do(ctx, "trades", a.public("/public/transaction_history/"+pairSymbol(inst), params), func(body []byte) error {
			if err := checkStatus(body); err != nil {
				return err
			}
			var resp struct {
				Data []transaction `json:"data"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return err
			}
			trades = make([]schema.Trade, 0, len(resp.Data))
			for _, tx := range resp.Data {
				ts, _ := time.ParseInLocation(time.DateTime, tx.TransactionDate, kst)
				side := schema.SideBuy
				if strings.EqualFold(tx.Type, "ask") {
					side = schema.SideSell
				}
				trades = append(trades, schema.Trade{
					Instrument: inst,
					ID:         tx.ContNo.String(),
					Price:      tx.Price,
					Quantity:   tx.UnitsTraded,
					Side:       side,
					Timestamp:  ts.UTC(),
				})
			}
			return nil
		})
		return trades, err
	})
}

// PlaceOrder submits an order. Market buys by quote amount are converted to
// base units against the best ask, truncated to the venue's unit step.
func (a *Adapter) PlaceOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderAck, error) {
	if err := req.Validate(); err != nil {
		return schema.OrderAck{}, errs.New(name, errs.CodeInvalid, errs.WithMessage(err.Error()))
	}
	if err := spotOnly(req.Instrument); err != nil {
		return schema.OrderAck{}, err
	}
	defer a.Invalidate(ctx, req.Instrument)

	params := pairParams(req.Instrument)
	var endpoint string
	switch {
	case req.Type == schema.OrderTypeLimit:
		endpoint = "/trade/place"
		params.Set("units", numeric.Trim(req.Quantity))
		params.Set("price", numeric.Trim(req.Price))
		params.Set("type", sideType(req.Side))
	case req.Side == schema.SideBuy:
		endpoint = "/trade/market_buy"
		units := req.Quantity
		if units.Sign() <= 0 {
			book, err := a.OrderBook(ctx, req.Instrument)
			if err != nil {
				return schema.OrderAck{}, err
			}
			ask, ok := book.BestAsk()
			if !ok {
				return schema.OrderAck{}, errs.New(name, errs.CodeRejected, errs.WithMessage("no asks to size market buy"))
			}
			units = numeric.TruncateToStep(req.QuoteAmount.Div(ask.Price), marketUnitStep)
			if units.Sign() <= 0 {
				return schema.OrderAck{}, errs.New(name, errs.CodeInvalid, errs.WithMessage("quote amount below one unit step"))
			}
		}
		params.Set("units", numeric.Trim(units))
	default:
		if req.Quantity.Sign() <= 0 {
			return schema.OrderAck{}, errs.New(name, errs.CodeInvalid, errs.WithMessage("market sells need a base quantity"))
		}
		endpoint = "/trade/market_sell"
		params.Set("units", numeric.Trim(req.Quantity))
	}

	var ack schema.OrderAck
	err := a.REST.DoOnce(ctx, "order", a.signed(endpoint, params), func(body []byte) error {
		if err := checkStatus(body); err != nil {
			return err
		}
		var resp struct {
			OrderID string `json:"order_id"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return err
		}
		ack = schema.OrderAck{
			Exchange:      name,
			OrderID:       resp.OrderID,
			ClientOrderID: req.ClientOrderID,
			Instrument:    req.Instrument,
			State:         schema.OrderStateOpen,
			Timestamp:     a.Signer.Now().UTC(),
		}
		return nil
	})
	return ack, err
}

type orderDetail struct {
	OrderStatus string `json:"order_status"`
	Type        string `json:"type"`
	Contract    []struct {
		Units decimal.Decimal `json:"units"`
	} `json:"contract"`
}

func (d orderDetail) executed() decimal.Decimal {
	total := decimal.Zero
	for _, c := range d.Contract {
		total = total.Add(c.Units)
	}
	return total
}

func (a *Adapter) orderDetail(ctx context.Context, inst schema.Instrument, orderID string) (orderDetail, error) {
	params := pairParams(inst)
	params.Set("order_id", orderID)
	var detail orderDetail
	err := a.REST.Do(ctx, "order_detail", a.signed("/info/order_detail", params), func(body []byte) error {
		if err := checkStatus(body); err != nil {
			return err
		}
		var resp struct {
			Data orderDetail `json:"data"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return err
		}
		detail = resp.Data
		return nil
	})
	return detail, err
}

// OrderStatus queries a single order.
func (a *Adapter) OrderStatus(ctx context.Context, inst schema.Instrument, orderID string) (schema.OrderStatus, error) {
	detail, err := a.orderDetail(ctx, inst, orderID)
	if err != nil {
		return schema.OrderStatus{}, err
	}
	return schema.OrderStatus{OrderID: orderID, State: orderState(detail.OrderStatus), ExecutedQuantity: detail.executed()}, nil
}

// CancelOrder looks the order up for its side, which the cancel call requires,
// then cancels it and reports the volume filled before cancellation.
func (a *Adapter) CancelOrder(ctx context.Context, inst schema.Instrument, orderID string) (schema.CancelAck, error) {
	if strings.TrimSpace(orderID) == "" {
		return schema.CancelAck{}, errs.New(name, errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	defer a.Invalidate(ctx, inst)

	detail, err := a.orderDetail(ctx, inst, orderID)
	if err != nil {
		return schema.CancelAck{}, err
	}
	params := pairParams(inst)
	params.Set("order_id", orderID)
	params.Set("type", detail.Type)
	err = a.REST.Do(ctx, "cancel", a.signed("/trade/cancel", params), func(body []byte) error {
		return checkStatus(body)
	})
	if err != nil {
		return schema.CancelAck{}, err
	}
	return schema.CancelAck{
		Exchange:         name,
		OrderID:          orderID,
		Instrument:       inst,
		State:            schema.OrderStateClosed,
		ExecutedQuantity: detail.executed(),
	}, nil
}

// Balances returns every non-empty asset balance.
func (a *Adapter) Balances(ctx context.Context) ([]schema.Balance, error) {
	return a.CachedBalances(ctx, func(ctx context.Context) ([]schema.Balance, error) {
		params := url.Values{}
		params.Set("currency", "ALL")
		var out []schema.Balance
		err := a.REST.Do(ctx, "balance", a.signed("/info/balance", params), func(body []byte) error {
			if err := checkStatus(body); err != nil {
				return err
			}
			var resp struct {
				Data map[string]json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return err
			}
			balances, err := parseBalances(resp.Data)
			out = balances
			return err
		})
		return out, err
	})
}

// parseBalances folds available_<asset> and in_use_<asset> keys into records.
func parseBalances(data map[string]json.RawMessage) ([]schema.Balance, error) {
	byAsset := make(map[string]*schema.Balance)
	get := func(asset string) *schema.Balance {
		b, ok := byAsset[asset]
		if !ok {
			b = &schema.Balance{Asset: strings.ToUpper(asset)}
			byAsset[asset] = b
		}
		return b
	}
	for key, raw := range data {
		var field *decimal.Decimal
		switch {
		case strings.HasPrefix(key, "available_"):
			field = &get(strings.TrimPrefix(key, "available_")).Available
		case strings.HasPrefix(key, "in_use_"):
			field = &get(strings.TrimPrefix(key, "in_use_")).Locked
		default:
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		v, err := numeric.ParseOrZero(s)
		if err != nil {
			return nil, err
		}
		*field = v
	}
	out := make([]schema.Balance, 0, len(byAsset))
	for _, b := range byAsset {
		if b.Available.IsZero() && b.Locked.IsZero() {
			continue
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
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
	endpoint := a.opts.BaseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	return func(ctx context.Context) (*http.Request, error) {
		return shared.NewRequest(ctx, http.MethodGet, endpoint, nil)
	}
}

// signed posts a form whose first field is the endpoint path, as the signature covers it.
func (a *Adapter) signed(path string, params url.Values) shared.Builder {
	form := url.Values{}
	for k, v := range params {
		form[k] = v
	}
	form.Set("endpoint", path)
	payload := form.Encode()
	return func(ctx context.Context) (*http.Request, error) {
		sig, err := a.Signer.HMAC(hmacScheme, signing.Request{Method: http.MethodPost, Path: path, Query: payload})
		if err != nil {
			return nil, err
		}
		req, err := shared.NewRequest(ctx, http.MethodPost, a.opts.BaseURL+path, strings.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("api-client-type", "0")
		req.Header.Set("Api-Key", sig.APIKey)
		req.Header.Set("Api-Nonce", sig.Timestamp)
		req.Header.Set("Api-Sign", sig.Signature)
		return req, nil
	}
}

func pairParams(inst schema.Instrument) url.Values {
	params := url.Values{}
	params.Set("order_currency", inst.Base)
	params.Set("payment_currency", inst.Quote)
	return params
}

func sideType(side schema.Side) string {
	if side == schema.SideBuy {
		return "bid"
	}
	return "ask"
}

func orderState(status string) schema.OrderState {
	switch status {
	case "Completed", "Cancel":
		return schema.OrderStateClosed
	default:
		return schema.OrderStateOpen
	}
}
