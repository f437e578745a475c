package fake

import (
	"context"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/venuekit/errs"
	"github.com/coachpo/venuekit/internal/app/exchange"
	"github.com/coachpo/venuekit/internal/domain/schema"
	"github.com/coachpo/venuekit/internal/infra/adapters/shared"
)

// HeartbeatInterval is how often the stream sends "ping".
const HeartbeatInterval = 5 * time.Second

type streamProtocol struct {
	adapter *Adapter
	channel exchange.Channel
}

func (p *streamProtocol) Endpoint(inst schema.Instrument) (string, http.Header, error) {
	if err := inst.Validate(); err != nil {
		return "", nil, errs.New(Name, errs.CodeInvalid, errs.WithMessage(err.Error()))
	}
	u, err := url.Parse(p.adapter.streamURL)
	if err != nil {
		return "", nil, errs.New(Name, errs.CodeInvalid, errs.WithMessage("stream url"), errs.WithCause(err))
	}
	q := u.Query()
	q.Set("instrument", inst.Symbol())
	q.Set("channel", string(p.channel))
	u.RawQuery = q.Encode()
	return u.String(), nil, nil
}

func (p *streamProtocol) SubscribeMessages(inst schema.Instrument) ([][]byte, error) {
	frame, err := json.Marshal(map[string]string{
		"op":         "subscribe",
		"channel":    string(p.channel),
		"instrument": inst.Symbol(),
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (p *streamProtocol) Heartbeat() ([]byte, time.Duration) {
	return []byte("ping"), HeartbeatInterval
}

func (p *streamProtocol) RequiresSnapshot() bool {
	return p.channel == exchange.ChannelOrderBook && p.adapter.requiresSnapshot
}

func (p *streamProtocol) Snapshot(_ context.Context, inst schema.Instrument) (schema.OrderBook, error) {
	return p.adapter.venue.Book(inst)
}

type frame struct {
	Type     string     `json:"type"`
	Prev     uint64     `json:"prev,omitempty"`
	Sequence uint64     `json:"sequence,omitempty"`
	Bids     [][]string `json:"bids,omitempty"`
	Asks     [][]string `json:"asks,omitempty"`
	ID       string     `json:"id,omitempty"`
	Price    string     `json:"price,omitempty"`
	Quantity string     `json:"quantity,omitempty"`
	Side     string     `json:"side,omitempty"`
	TS       int64      `json:"ts,omitempty"`
	Code     string     `json:"code,omitempty"`
	Message  string     `json:"message,omitempty"`
}

func (p *streamProtocol) Decode(inst schema.Instrument, payload []byte) ([]exchange.StreamEvent, error) {
	if string(payload) == "pong" {
		return []exchange.StreamEvent{{Kind: exchange.EventHeartbeat}}, nil
	}
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, errs.New(Name, errs.CodeDesync, errs.WithMessage("decode stream frame"), errs.WithCause(err))
	}
	switch f.Type {
	case "ack":
		return []exchange.StreamEvent{{Kind: exchange.EventAck}}, nil
	case "error":
		code := errs.Code(f.Code)
		if code == "" {
			code = errs.CodeExchange
		}
		return []exchange.StreamEvent{{Kind: exchange.EventError, Err: errs.New(Name, code, errs.WithMessage(f.Message))}}, nil
	case "snapshot", "delta":
		bids, err := shared.ConvertLevels(f.Bids)
		if err != nil {
			return nil, errs.New(Name, errs.CodeDesync, errs.WithMessage("bids"), errs.WithCause(err))
		}
		asks, err := shared.ConvertLevels(f.Asks)
		if err != nil {
			return nil, errs.New(Name, errs.CodeDesync, errs.WithMessage("asks"), errs.WithCause(err))
		}
		ts := time.UnixMilli(f.TS).UTC()
		if f.Type == "snapshot" {
			book := schema.OrderBook{Instrument: inst, Bids: bids, Asks: asks, Sequence: f.Sequence, UpdatedAt: ts}
			return []exchange.StreamEvent{{Kind: exchange.EventSnapshot, Snapshot: &book}}, nil
		}
		delta := schema.BookDelta{Instrument: inst, PrevSequence: f.Prev, Sequence: f.Sequence, Bids: bids, Asks: asks, Timestamp: ts}
		return []exchange.StreamEvent{{Kind: exchange.EventDelta, Delta: &delta}}, nil
	case "trade":
		trades, err := shared.ConvertLevels([][]string{{f.Price, f.Quantity}})
		if err != nil || len(trades) == 0 {
			return nil, errs.New(Name, errs.CodeDesync, errs.WithMessage("trade"), errs.WithCause(err))
		}
		side := schema.Side(f.Side)
		if !side.Valid() {
			side = schema.SideBuy
		}
		return []exchange.StreamEvent{{Kind: exchange.EventTrade, Trades: []schema.Trade{{
			Instrument: inst,
			ID:         f.ID,
			Price:      trades[0].Price,
			Quantity:   trades[0].Quantity,
			Side:       side,
			Timestamp:  time.UnixMilli(f.TS).UTC(),
		}}}}, nil
	}
	return nil, nil
}

func levelsOf(levels []schema.PriceLevel) [][]string {
	out := make([][]string, 0, len(levels))
	for _, l := range levels {
		out = append(out, []string{l.Price.String(), l.Quantity.String()})
	}
	return out
}

func mustMarshal(f frame) string {
	data, err := json.Marshal(f)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// AckFrame encodes a subscription acknowledgement.
func AckFrame() string { return `{"type":"ack"}` }

// SnapshotFrame encodes a full book.
func SnapshotFrame(seq uint64, bids, asks []schema.PriceLevel) string {
	return mustMarshal(frame{Type: "snapshot", Sequence: seq, Bids: levelsOf(bids), Asks: levelsOf(asks)})
}

// DeltaFrame encodes an update covering (prev, seq].
func DeltaFrame(prev, seq uint64, bids, asks []schema.PriceLevel) string {
	return mustMarshal(frame{Type: "delta", Prev: prev, Sequence: seq, Bids: levelsOf(bids), Asks: levelsOf(asks)})
}

// TradeFrame encodes one execution.
func TradeFrame(t schema.Trade) string {
	return mustMarshal(frame{
		Type:     "trade",
		ID:       t.ID,
		Price:    t.Price.String(),
		Quantity: t.Quantity.String(),
		Side:     string(t.Side),
		TS:       t.Timestamp.UnixMilli(),
	})
}

// ErrorFrame encodes a venue-side stream error.
func ErrorFrame(code errs.Code, message string) string {
	return mustMarshal(frame{Type: "error", Code: string(code), Message: message})
}
