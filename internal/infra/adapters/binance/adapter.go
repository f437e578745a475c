// Package binance implements the exchange capability set over Binance spot and
// USD-M futures REST and websocket APIs.
package binance

import (
	"context"
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

const name = "binance"

var hmacScheme = signing.HMAC{Hash: signing.SHA256, Encoding: signing.Hex, Canonical: signing.CanonicalQuery}

// Adapter talks to Binance.
type Adapter struct {
	shared.Base
	opts Options
}

// Register adds the Binance factory to reg.
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
	a := &Adapter{opts: optionsFromSettings(s)}
	a.Base = shared.Base{
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
		BookTTL:   durationOr(s.BookTTL, defaultBookTTL),
		TradesTTL: durationOr(s.TradesTTL, defaultTradesTTL),
	}
	return a
}

func (a *Adapter) Name() string { return name }

// OrderBook returns a cached depth snapshot.
func (a *Adapter) OrderBook(ctx context.Context, inst schema.Instrument) (schema.OrderBook, error) {
	return a.CachedBook(ctx, inst, func(ctx context.Context) (schema.OrderBook, error) {
		return a.fetchDepth(ctx, inst)
	})
}

type depthResponse struct {
	LastUpdateID uint64     `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

func (a *Adapter) fetchDepth(ctx context.Context, inst schema.Instrument) (schema.OrderBook, error) {
	ep := a.opts.endpoints(inst)
	params := url.Values{}
	params.Set("symbol", restSymbol(inst))
	params.Set("limit", strconv.Itoa(a.opts.SnapshotDepth))

	var book schema.OrderBook
	err := a.REST.Do(ctx, "depth", publicGet(ep.depth, params), func(body []byte) error {
		var resp depthResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return err
		}
		bids, err := shared.ConvertLevels(resp.Bids)
		if err != nil {
			return err
		}
		asks, err := shared.ConvertLevels(resp.Asks)
		if err != nil {
			return err
		}
		book = schema.OrderBook{
			Instrument: inst,
			Bids:       shared.DropEmpty(bids),
			Asks:       shared.DropEmpty(asks),
			Sequence:   resp.LastUpdateID,
			UpdatedAt:  a.Signer.Now().UTC(),
		}
		return nil
	})
	return book, err
}

type tradeResponse struct {
	ID           int64           `json:"id"`
	Price        decimal.Decimal `json:"price"`
	Qty          decimal.Decimal `json:"qty"`
	Time         int64           `json:"time"`
	IsBuyerMaker bool            `json:"isBuyerMaker"`
}

// RecentTrades returns cached recent public trades.
func (a *Adapter) RecentTrades(ctx context.Context, inst schema.Instrument) ([]schema.Trade, error) {
	return a.CachedTrades(ctx, inst, func(ctx context.Context) ([]schema.Trade, error) {
		ep := a.opts.endpoints(inst)
		params := url.Values{}
		params.Set("symbol", restSymbol(inst))
		params.Set("limit", strconv.Itoa(defaultTradeLimit))

		var trades []schema.Trade
		err := a.REST.Do(ctx, "trades", publicGet(ep.trades, params), func(body []byte) error {
			var resp []tradeResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return err
			}
			trades = make([]schema.Trade, 0, len(resp))
			for _, t := range resp {
				trades = append(trades, schema.Trade{
					Instrument: inst,
					ID:         strconv.FormatInt(t.ID, 10),
					Price:      t.Price,
					Quantity:   t.Qty,
					Side:       aggressorSide(t.IsBuyerMaker),
					Timestamp:  time.UnixMilli(t.Time).UTC(),
				})
			}
			return nil
		})
		return trades, err
	})
}

type orderResponse struct {
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Status        string          `json:"status"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	TransactTime  int64           `json:"transactTime"`
	UpdateTime    int64           `json:"updateTime"`
}

// PlaceOrder submits a signed order.
func (a *Adapter) PlaceOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderAck, error) {
	if err := req.Validate(); err != nil {
		return schema.OrderAck{}, errs.New(name, errs.CodeInvalid, errs.WithMessage(err.Error()))
	}
	defer a.Invalidate(ctx, req.Instrument)

	ep := a.opts.endpoints(req.Instrument)
	params := url.Values{}
	params.Set("symbol", restSymbol(req.Instrument))
	params.Set("side", strings.ToUpper(string(req.Side)))
	switch req.Type {
	case schema.OrderTypeLimit:
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "GTC")
		params.Set("price", numeric.Trim(req.Price))
		params.Set("quantity", numeric.Trim(req.Quantity))
	case schema.OrderTypeMarket:
		params.Set("type", "MARKET")
		if req.Quantity.Sign() > 0 {
			params.Set("quantity", numeric.Trim(req.Quantity))
		} else if ep.isFuture {
			return schema.OrderAck{}, errs.New(name, errs.CodeInvalid, errs.WithMessage("futures market orders need a base quantity"))
		} else {
			params.Set("quoteOrderQty", numeric.Trim(req.QuoteAmount))
		}
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	if !ep.isFuture {
		params.Set("newOrderRespType", "RESULT")
	}

	var ack schema.OrderAck
	err := a.REST.DoOnce(ctx, "order", a.signed(http.MethodPost, ep.order, params), func(body []byte) error {
		var resp orderResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return err
		}
		ts := resp.TransactTime
		if ts == 0 {
			ts = resp.UpdateTime
		}
		ack = schema.OrderAck{
			Exchange:         name,
			OrderID:          strconv.FormatInt(resp.OrderID, 10),
			ClientOrderID:    resp.ClientOrderID,
			Instrument:       req.Instrument,
			State:            orderState(resp.Status),
			ExecutedQuantity: resp.ExecutedQty,
			Timestamp:        time.UnixMilli(ts).UTC(),
		}
		return nil
	})
	if err == nil && ack.State == schema.OrderStateRejected {
		return ack, errs.New(name, errs.CodeRejected, errs.WithMessage("order "+ack.OrderID+" rejected"))
	}
	return ack, err
}

// CancelOrder cancels an open order and reports the executed volume.
func (a *Adapter) CancelOrder(ctx context.Context, inst schema.Instrument, orderID string) (schema.CancelAck, error) {
	if strings.TrimSpace(orderID) == "" {
		return schema.CancelAck{}, errs.New(name, errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	defer a.Invalidate(ctx, inst)

	ep := a.opts.endpoints(inst)
	params := url.Values{}
	params.Set("symbol", restSymbol(inst))
	params.Set("orderId", orderID)

	var ack schema.CancelAck
	err := a.REST.Do(ctx, "cancel", a.signed(http.MethodDelete, ep.order, params), func(body []byte) error {
		var resp orderResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return err
		}
		ack = schema.CancelAck{
			Exchange:         name,
			OrderID:          strconv.FormatInt(resp.OrderID, 10),
			Instrument:       inst,
			State:            orderState(resp.Status),
			ExecutedQuantity: resp.ExecutedQty,
		}
		return nil
	})
	return ack, err
}

// OrderStatus queries a single order.
func (a *Adapter) OrderStatus(ctx context.Context, inst schema.Instrument, orderID string) (schema.OrderStatus, error) {
	ep := a.opts.endpoints(inst)
	params := url.Values{}
	params.Set("symbol", restSymbol(inst))
	params.Set("orderId", orderID)

	var status schema.OrderStatus
	err := a.REST.Do(ctx, "order_status", a.signed(http.MethodGet, ep.order, params), func(body []byte) error {
		var resp orderResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return err
		}
		status = schema.OrderStatus{
			OrderID:          strconv.FormatInt(resp.OrderID, 10),
			State:            orderState(resp.Status),
			ExecutedQuantity: resp.ExecutedQty,
		}
		return nil
	})
	return status, err
}

type accountResponse struct {
	Balances []struct {
		Asset  string          `json:"asset"`
		Free   decimal.Decimal `json:"free"`
		Locked decimal.Decimal `json:"locked"`
	} `json:"balances"`
}

// Balances returns non-zero spot balances.
func (a *Adapter) Balances(ctx context.Context) ([]schema.Balance, error) {
	return a.CachedBalances(ctx, func(ctx context.Context) ([]schema.Balance, error) {
		ep := a.opts.endpoints(schema.Instrument{})
		var out []schema.Balance
		err := a.REST.Do(ctx, "account", a.signed(http.MethodGet, ep.account, url.Values{}), func(body []byte) error {
			var resp accountResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return err
			}
			for _, b := range resp.Balances {
				if b.Free.IsZero() && b.Locked.IsZero() {
					continue
				}
				out = append(out, schema.Balance{Asset: b.Asset, Available: b.Free, Locked: b.Locked})
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

func publicGet(endpoint string, params url.Values) shared.Builder {
	return func(ctx context.Context) (*http.Request, error) {
		return shared.NewRequest(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	}
}

// signed appends timestamp, recvWindow and signature on every attempt.
func (a *Adapter) signed(method, endpoint string, params url.Values) shared.Builder {
	return func(ctx context.Context) (*http.Request, error) {
		q := url.Values{}
		for k, v := range params {
			q[k] = append([]string(nil), v...)
		}
		now := a.Signer.Now()
		q.Set("recvWindow", strconv.FormatInt(a.opts.RecvWindow.Milliseconds(), 10))
		q.Set("timestamp", strconv.FormatInt(now.UnixMilli(), 10))
		payload := q.Encode()

		sig, err := a.Signer.HMAC(hmacScheme, signing.Request{Method: method, Query: payload, Timestamp: now})
		if err != nil {
			return nil, err
		}
		req, err := shared.NewRequest(ctx, method, endpoint+"?"+payload+"&signature="+sig.Signature, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-MBX-APIKEY", sig.APIKey)
		return req, nil
	}
}

func aggressorSide(isBuyerMaker bool) schema.Side {
	if isBuyerMaker {
		return schema.SideSell
	}
	return schema.SideBuy
}

func orderState(status string) schema.OrderState {
	switch strings.ToUpper(status) {
	case "NEW", "PARTIALLY_FILLED", "PENDING_CANCEL":
		return schema.OrderStateOpen
	case "REJECTED":
		return schema.OrderStateRejected
	default:
		return schema.OrderStateClosed
	}
}

func durationOr(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
