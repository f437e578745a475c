// Package okx implements the exchange capability set over the OKX v5 API.
package okx

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

const name = "okx"

var hmacScheme = signing.HMAC{
	Hash:      signing.SHA256,
	Encoding:  signing.Base64,
	Canonical: signing.CanonicalPrehash,
	Stamp:     signing.ISO8601Millis,
}

// Adapter talks to OKX.
type Adapter struct {
	shared.Base
	opts Options
}

// Register adds the OKX factory to reg.
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

type booksSnapshot struct {
	Asks  [][]string  `json:"asks"`
	Bids  [][]string  `json:"bids"`
	SeqID json.Number `json:"seqId"`
	TS    string      `json:"ts"`
}

// OrderBook returns a cached depth snapshot.
func (a *Adapter) OrderBook(ctx context.Context, inst schema.Instrument) (schema.OrderBook, error) {
	return a.CachedBook(ctx, inst, func(ctx context.Context) (schema.OrderBook, error) {
		return a.fetchBooks(ctx, inst)
	})
}

func (a *Adapter) fetchBooks(ctx context.Context, inst schema.Instrument) (schema.OrderBook, error) {
	params := url.Values{}
	params.Set("instId", instID(inst))
	params.Set("sz", strconv.Itoa(a.opts.SnapshotDepth))

	var book schema.OrderBook
	err := a.REST.Do(ctx, "books", a.public(a.opts.meta.booksPath, params), func(body []byte) error {
		data, err := unwrap(body)
		if err != nil {
			return err
		}
		var snaps []booksSnapshot
		if err := json.Unmarshal(data, &snaps); err != nil {
			return err
		}
		if len(snaps) == 0 {
			return errs.New(name, errs.CodeExchange, errs.WithMessage("empty books response"))
		}
		book, err = toBook(inst, snaps[0].Bids, snaps[0].Asks, snaps[0].SeqID, snaps[0].TS)
		return err
	})
	return book, err
}

func toBook(inst schema.Instrument, rawBids, rawAsks [][]string, seq json.Number, ts string) (schema.OrderBook, error) {
	bids, err := shared.ConvertLevels(rawBids)
	if err != nil {
		return schema.OrderBook{}, err
	}
	asks, err := shared.ConvertLevels(rawAsks)
	if err != nil {
		return schema.OrderBook{}, err
	}
	updated, _ := shared.ParseMillis(ts)
	return schema.OrderBook{
		Instrument: inst,
		Bids:       shared.DropEmpty(bids),
		Asks:       shared.DropEmpty(asks),
		Sequence:   parseSeq(seq),
		UpdatedAt:  updated,
	}, nil
}

type tradeRecord struct {
	InstID    string          `json:"instId"`
	TradeID   string          `json:"tradeId"`
	Price     decimal.Decimal `json:"px"`
	Quantity  decimal.Decimal `json:"sz"`
	Side      string          `json:"side"`
	Timestamp string          `json:"ts"`
}

func (t tradeRecord) toTrade(inst schema.Instrument) schema.Trade {
	ts, _ := shared.ParseMillis(t.Timestamp)
	side := schema.SideBuy
	if strings.EqualFold(strings.TrimSpace(t.Side), "sell") {
		side = schema.SideSell
	}
	return schema.Trade{
		Instrument: inst,
		ID:         strings.TrimSpace(t.TradeID),
		Price:      t.Price,
		Quantity:   t.Quantity,
		Side:       side,
		Timestamp:  ts,
	}
}

// RecentTrades returns cached recent public trades.
func (a *Adapter) RecentTrades(ctx context.Context, inst schema.Instrument) ([]schema.Trade, error) {
	return a.CachedTrades(ctx, inst, func(ctx context.Context) ([]schema.Trade, error) {
		params := url.Values{}
		params.Set("instId", instID(inst))
		params.Set("limit", strconv.Itoa(defaultTradeLimit))

		var trades []schema.Trade
		err := a.REST.Do(ctx, "trades", a.public(a.opts.meta.tradesPath, params), func(body []byte) error {
			data, err := unwrap(body)
			if err != nil {
				return err
			}
			var records []tradeRecord
			if err := json.Unmarshal(data, &records); err != nil {
				return err
			}
			trades = make([]schema.Trade, 0, len(records))
			for _, r := range records {
				trades = append(trades, r.toTrade(inst))
			}
			return nil
		})
		return trades, err
	})
}

type orderRequest struct {
	InstID  string `json:"instId"`
	TdMode  string `json:"tdMode"`
	ClOrdID string `json:"clOrdId,omitempty"`
	Side    string `json:"side"`
	OrdType string `json:"ordType"`
	Px      string `json:"px,omitempty"`
	Sz      string `json:"sz"`
	TgtCcy  string `json:"tgtCcy,omitempty"`
}

type orderResult struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
	TS      string `json:"ts"`
}

// decodeResults handles both success and the code "1" partial-failure envelope
// whose per-order sCode carries the reason.
func decodeResults(body []byte) (orderResult, error) {
	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return orderResult{}, err
	}
	var results []orderResult
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &results); err != nil {
			return orderResult{}, err
		}
	}
	if len(results) > 0 && results[0].SCode != "" && results[0].SCode != "0" {
		return results[0], codeError(0, results[0].SCode, results[0].SMsg)
	}
	if env.Code != "" && env.Code != "0" {
		return orderResult{}, codeError(0, env.Code, env.Msg)
	}
	if len(results) == 0 {
		return orderResult{}, errs.New(name, errs.CodeExchange, errs.WithMessage("empty order response"))
	}
	return results[0], nil
}

// PlaceOrder submits a signed order.
func (a *Adapter) PlaceOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderAck, error) {
	if err := req.Validate(); err != nil {
		return schema.OrderAck{}, errs.New(name, errs.CodeInvalid, errs.WithMessage(err.Error()))
	}
	defer a.Invalidate(ctx, req.Instrument)

	body := orderRequest{
		InstID:  instID(req.Instrument),
		TdMode:  tradeMode(req.Instrument),
		ClOrdID: sanitizeClientID(req.ClientOrderID),
		Side:    string(req.Side),
		OrdType: string(req.Type),
	}
	switch req.Type {
	case schema.OrderTypeLimit:
		body.Px = numeric.Trim(req.Price)
		body.Sz = numeric.Trim(req.Quantity)
	case schema.OrderTypeMarket:
		if req.Quantity.Sign() > 0 {
			body.Sz = numeric.Trim(req.Quantity)
			if !req.Instrument.IsFuture() {
				body.TgtCcy = "base_ccy"
			}
		} else {
			if req.Instrument.IsFuture() {
				return schema.OrderAck{}, errs.New(name, errs.CodeInvalid, errs.WithMessage("swap market orders need a contract size"))
			}
			body.Sz = numeric.Trim(req.QuoteAmount)
			body.TgtCcy = "quote_ccy"
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return schema.OrderAck{}, err
	}

	var ack schema.OrderAck
	err = a.REST.DoOnce(ctx, "order", a.signed(http.MethodPost, a.opts.meta.orderPath, nil, payload), func(raw []byte) error {
		res, err := decodeResults(raw)
		if err != nil {
			return err
		}
		ts, _ := shared.ParseMillis(res.TS)
		if ts.IsZero() {
			ts = a.Signer.Now().UTC()
		}
		clientID := res.ClOrdID
		if clientID == "" {
			clientID = req.ClientOrderID
		}
		ack = schema.OrderAck{
			Exchange:      name,
			OrderID:       res.OrdID,
			ClientOrderID: clientID,
			Instrument:    req.Instrument,
			State:         schema.OrderStateOpen,
			Timestamp:     ts,
		}
		return nil
	})
	return ack, err
}

// CancelOrder cancels an order, then reads back its executed size.
func (a *Adapter) CancelOrder(ctx context.Context, inst schema.Instrument, orderID string) (schema.CancelAck, error) {
	if strings.TrimSpace(orderID) == "" {
		return schema.CancelAck{}, errs.New(name, errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	defer a.Invalidate(ctx, inst)

	payload, err := json.Marshal(map[string]string{"instId": instID(inst), "ordId": orderID})
	if err != nil {
		return schema.CancelAck{}, err
	}
	err = a.REST.Do(ctx, "cancel", a.signed(http.MethodPost, a.opts.meta.cancelPath, nil, payload), func(raw []byte) error {
		_, err := decodeResults(raw)
		return err
	})
	if err != nil {
		return schema.CancelAck{}, err
	}
	status, err := a.OrderStatus(ctx, inst, orderID)
	if err != nil {
		return schema.CancelAck{}, err
	}
	return schema.CancelAck{
		Exchange:         name,
		OrderID:          orderID,
		Instrument:       inst,
		State:            status.State,
		ExecutedQuantity: status.ExecutedQuantity,
	}, nil
}

type orderDetail struct {
	OrdID     string          `json:"ordId"`
	State     string          `json:"state"`
	AccFillSz decimal.Decimal `json:"accFillSz"`
}

// OrderStatus queries a single order.
func (a *Adapter) OrderStatus(ctx context.Context, inst schema.Instrument, orderID string) (schema.OrderStatus, error) {
	params := url.Values{}
	params.Set("instId", instID(inst))
	params.Set("ordId", orderID)

	var status schema.OrderStatus
	err := a.REST.Do(ctx, "order_status", a.signed(http.MethodGet, a.opts.meta.orderPath, params, nil), func(body []byte) error {
		data, err := unwrap(body)
		if err != nil {
			return err
		}
		var details []orderDetail
		if err := json.Unmarshal(data, &details); err != nil {
			return err
		}
		if len(details) == 0 {
			return errs.New(name, errs.CodeNotFound, errs.WithCanonicalCode(errs.CanonicalOrderNotFound))
		}
		status = schema.OrderStatus{
			OrderID:          details[0].OrdID,
			State:            orderState(details[0].State),
			ExecutedQuantity: details[0].AccFillSz,
		}
		return nil
	})
	return status, err
}

type balanceRecord struct {
	Details []struct {
		Ccy       string `json:"ccy"`
		AvailBal  string `json:"availBal"`
		FrozenBal string `json:"frozenBal"`
	} `json:"details"`
}

// Balances returns trading account balances.
func (a *Adapter) Balances(ctx context.Context) ([]schema.Balance, error) {
	return a.CachedBalances(ctx, func(ctx context.Context) ([]schema.Balance, error) {
		var out []schema.Balance
		err := a.REST.Do(ctx, "balance", a.signed(http.MethodGet, a.opts.meta.accountPath, nil, nil), func(body []byte) error {
			data, err := unwrap(body)
			if err != nil {
				return err
			}
			var records []balanceRecord
			if err := json.Unmarshal(data, &records); err != nil {
				return err
			}
			for _, r := range records {
				for _, d := range r.Details {
					avail, err := numeric.ParseOrZero(d.AvailBal)
					if err != nil {
						return err
					}
					frozen, err := numeric.ParseOrZero(d.FrozenBal)
					if err != nil {
						return err
					}
					out = append(out, schema.Balance{
						Asset:     strings.ToUpper(strings.TrimSpace(d.Ccy)),
						Available: avail,
						Locked:    frozen,
					})
				}
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
	endpoint := a.opts.restEndpoint(path)
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	return func(ctx context.Context) (*http.Request, error) {
		return shared.NewRequest(ctx, http.MethodGet, endpoint, nil)
	}
}

// signed builds a request carrying the OK-ACCESS-* headers.
func (a *Adapter) signed(method, path string, params url.Values, body []byte) shared.Builder {
	query := ""
	if len(params) > 0 {
		query = params.Encode()
	}
	return func(ctx context.Context) (*http.Request, error) {
		sig, err := a.Signer.HMAC(hmacScheme, signing.Request{
			Method: method,
			Path:   path,
			Query:  query,
			Body:   string(body),
		})
		if err != nil {
			return nil, err
		}
		endpoint := a.opts.restEndpoint(path)
		if query != "" {
			endpoint += "?" + query
		}
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := shared.NewRequest(ctx, method, endpoint, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("OK-ACCESS-KEY", sig.APIKey)
		req.Header.Set("OK-ACCESS-SIGN", sig.Signature)
		req.Header.Set("OK-ACCESS-TIMESTAMP", sig.Timestamp)
		req.Header.Set("OK-ACCESS-PASSPHRASE", sig.Passphrase)
		if a.opts.Simulated {
			req.Header.Set("x-simulated-trading", "1")
		}
		return req, nil
	}
}

func orderState(state string) schema.OrderState {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "live", "partially_filled":
		return schema.OrderStateOpen
	default:
		return schema.OrderStateClosed
	}
}

// sanitizeClientID keeps the alphanumerics OKX accepts, at most 32 of them.
func sanitizeClientID(id string) string {
	var b strings.Builder
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() == 32 {
			break
		}
	}
	return b.String()
}

func parseSeq(n json.Number) uint64 {
	s := n.String()
	if s == "" || strings.HasPrefix(s, "-") {
		return 0
	}
	seq, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return seq
}

func durationOr(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
