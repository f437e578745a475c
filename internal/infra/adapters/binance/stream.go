package binance

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/venuekit/errs"
	"github.com/coachpo/venuekit/internal/app/exchange"
	"github.com/coachpo/venuekit/internal/domain/schema"
	"github.com/coachpo/venuekit/internal/infra/adapters/shared"
)

type streamProtocol struct {
	adapter *Adapter
	channel exchange.Channel
}

func (p *streamProtocol) Endpoint(inst schema.Instrument) (string, http.Header, error) {
	if err := inst.Validate(); err != nil {
		return "", nil, errs.New(name, errs.CodeInvalid, errs.WithMessage(err.Error()))
	}
	return p.adapter.opts.endpoints(inst).stream, nil, nil
}

func (p *streamProtocol) streamName(inst schema.Instrument) string {
	symbol := strings.ToLower(restSymbol(inst))
	switch p.channel {
	case exchange.ChannelTrades:
		if inst.IsFuture() {
			return symbol + "@aggTrade"
		}
		return symbol + "@trade"
	default:
		return symbol + "@depth@100ms"
	}
}

type subscribeFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

func (p *streamProtocol) SubscribeMessages(inst schema.Instrument) ([][]byte, error) {
	frame, err := json.Marshal(subscribeFrame{Method: "SUBSCRIBE", Params: []string{p.streamName(inst)}, ID: 1})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

// Binance pings at the websocket layer; no application keepalive is needed.
func (p *streamProtocol) Heartbeat() ([]byte, time.Duration) { return nil, 0 }

func (p *streamProtocol) RequiresSnapshot() bool { return p.channel == exchange.ChannelOrderBook }

func (p *streamProtocol) Snapshot(ctx context.Context, inst schema.Instrument) (schema.OrderBook, error) {
	return p.adapter.fetchDepth(ctx, inst)
}

// Frames carry both "e" and "E"; each struct names both so neither key folds
// onto the other's field.
type envelope struct {
	Event     string          `json:"e"`
	EventTime int64           `json:"E"`
	ID        *int            `json:"id"`
	Result    json.RawMessage `json:"result"`
	Code      int             `json:"code"`
	Msg       string          `json:"msg"`
	Error     *binanceError   `json:"error"`
}

type depthUpdate struct {
	Event     string     `json:"e"`
	EventTime int64      `json:"E"`
	First     uint64     `json:"U"`
	Final     uint64     `json:"u"`
	PrevFinal *uint64    `json:"pu"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

type tradeEvent struct {
	Event        string          `json:"e"`
	EventTime    int64           `json:"E"`
	TradeID      int64           `json:"t"`
	AggID        int64           `json:"a"`
	Price        decimal.Decimal `json:"p"`
	Quantity     decimal.Decimal `json:"q"`
	TradeTime    int64           `json:"T"`
	IsBuyerMaker bool            `json:"m"`
	Ignore       bool            `json:"M"`
}

func (p *streamProtocol) Decode(inst schema.Instrument, payload []byte) ([]exchange.StreamEvent, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, errs.New(name, errs.CodeDesync, errs.WithMessage("decode stream frame"), errs.WithCause(err))
	}
	switch {
	case env.Error != nil:
		return []exchange.StreamEvent{{Kind: exchange.EventError, Err: streamError(env.Error.Code, env.Error.Msg)}}, nil
	case env.Event == "" && env.Code != 0:
		return []exchange.StreamEvent{{Kind: exchange.EventError, Err: streamError(env.Code, env.Msg)}}, nil
	case env.Event == "" && env.ID != nil:
		return []exchange.StreamEvent{{Kind: exchange.EventAck}}, nil
	}

	switch env.Event {
	case "depthUpdate":
		var upd depthUpdate
		if err := json.Unmarshal(payload, &upd); err != nil {
			return nil, errs.New(name, errs.CodeDesync, errs.WithMessage("decode depth update"), errs.WithCause(err))
		}
		delta, err := toDelta(inst, upd)
		if err != nil {
			return nil, err
		}
		return []exchange.StreamEvent{{Kind: exchange.EventDelta, Delta: delta}}, nil
	case "trade", "aggTrade":
		var te tradeEvent
		if err := json.Unmarshal(payload, &te); err != nil {
			return nil, errs.New(name, errs.CodeDesync, errs.WithMessage("decode trade"), errs.WithCause(err))
		}
		id := te.TradeID
		if env.Event == "aggTrade" {
			id = te.AggID
		}
		return []exchange.StreamEvent{{Kind: exchange.EventTrade, Trades: []schema.Trade{{
			Instrument: inst,
			ID:         strconv.FormatInt(id, 10),
			Price:      te.Price,
			Quantity:   te.Quantity,
			Side:       aggressorSide(te.IsBuyerMaker),
			Timestamp:  time.UnixMilli(te.TradeTime).UTC(),
		}}}}, nil
	}
	return nil, nil
}

func toDelta(inst schema.Instrument, upd depthUpdate) (*schema.BookDelta, error) {
	bids, err := shared.ConvertLevels(upd.Bids)
	if err != nil {
		return nil, errs.New(name, errs.CodeDesync, errs.WithCause(err))
	}
	asks, err := shared.ConvertLevels(upd.Asks)
	if err != nil {
		return nil, errs.New(name, errs.CodeDesync, errs.WithCause(err))
	}
	delta := &schema.BookDelta{
		Instrument: inst,
		Sequence:   upd.Final,
		Bids:       bids,
		Asks:       asks,
		Timestamp:  time.UnixMilli(upd.EventTime).UTC(),
	}
	// Spot updates cover [U, u]; futures link explicitly through pu.
	switch {
	case upd.PrevFinal != nil:
		delta.PrevSequence = *upd.PrevFinal
	case upd.First > 0:
		delta.PrevSequence = upd.First - 1
	}
	return delta, nil
}

func streamError(code int, msg string) error {
	e := errs.New(name, errs.CodeInvalid, errs.WithRawCode(strconv.Itoa(code)), errs.WithRawMessage(msg))
	if code == -1003 || code == 3 {
		e.Code = errs.CodeRateLimited
	}
	return e
}
