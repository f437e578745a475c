package okx

import (
	"context"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/venuekit/errs"
	"github.com/coachpo/venuekit/internal/app/exchange"
	"github.com/coachpo/venuekit/internal/domain/schema"
	"github.com/coachpo/venuekit/internal/infra/adapters/shared"
)

type wsArgument struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId,omitempty"`
}

type wsRequest struct {
	Op   string       `json:"op"`
	Args []wsArgument `json:"args"`
}

type wsEnvelope struct {
	Arg    wsArgument        `json:"arg"`
	Action string            `json:"action"`
	Data   []json.RawMessage `json:"data"`
	Event  string            `json:"event"`
	Code   string            `json:"code"`
	Msg    string            `json:"msg"`
}

type bookEvent struct {
	Asks      [][]string  `json:"asks"`
	Bids      [][]string  `json:"bids"`
	SeqID     json.Number `json:"seqId"`
	PrevSeqID json.Number `json:"prevSeqId"`
	Timestamp string      `json:"ts"`
}

type streamProtocol struct {
	adapter *Adapter
	channel exchange.Channel
}

func (p *streamProtocol) Endpoint(inst schema.Instrument) (string, http.Header, error) {
	if err := inst.Validate(); err != nil {
		return "", nil, errs.New(name, errs.CodeInvalid, errs.WithMessage(err.Error()))
	}
	return p.adapter.opts.StreamURL, nil, nil
}

func (p *streamProtocol) wsChannel() string {
	if p.channel == exchange.ChannelTrades {
		return "trades"
	}
	return "books"
}

func (p *streamProtocol) SubscribeMessages(inst schema.Instrument) ([][]byte, error) {
	frame, err := json.Marshal(wsRequest{Op: "subscribe", Args: []wsArgument{{Channel: p.wsChannel(), InstID: instID(inst)}}})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

// OKX drops idle connections after 30s without traffic.
func (p *streamProtocol) Heartbeat() ([]byte, time.Duration) { return []byte("ping"), okxPingInterval }

// The books channel opens with its own snapshot.
func (p *streamProtocol) RequiresSnapshot() bool { return false }

func (p *streamProtocol) Snapshot(ctx context.Context, inst schema.Instrument) (schema.OrderBook, error) {
	return p.adapter.fetchBooks(ctx, inst)
}

func (p *streamProtocol) Decode(inst schema.Instrument, payload []byte) ([]exchange.StreamEvent, error) {
	if strings.TrimSpace(string(payload)) == "pong" {
		return []exchange.StreamEvent{{Kind: exchange.EventHeartbeat}}, nil
	}
	var env wsEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, errs.New(name, errs.CodeDesync, errs.WithMessage("decode stream frame"), errs.WithCause(err))
	}
	switch env.Event {
	case "subscribe":
		return []exchange.StreamEvent{{Kind: exchange.EventAck}}, nil
	case "error":
		return []exchange.StreamEvent{{Kind: exchange.EventError, Err: codeError(0, env.Code, env.Msg)}}, nil
	case "":
	default:
		return nil, nil
	}

	switch strings.ToLower(env.Arg.Channel) {
	case "books":
		return decodeBooks(inst, env)
	case "trades":
		trades := make([]schema.Trade, 0, len(env.Data))
		for _, raw := range env.Data {
			var rec tradeRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return nil, errs.New(name, errs.CodeDesync, errs.WithMessage("decode trade"), errs.WithCause(err))
			}
			trades = append(trades, rec.toTrade(inst))
		}
		if len(trades) == 0 {
			return nil, nil
		}
		return []exchange.StreamEvent{{Kind: exchange.EventTrade, Trades: trades}}, nil
	}
	return nil, nil
}

func decodeBooks(inst schema.Instrument, env wsEnvelope) ([]exchange.StreamEvent, error) {
	events := make([]exchange.StreamEvent, 0, len(env.Data))
	for _, raw := range env.Data {
		var evt bookEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, errs.New(name, errs.CodeDesync, errs.WithMessage("decode book event"), errs.WithCause(err))
		}
		if strings.EqualFold(env.Action, "snapshot") {
			book, err := toBook(inst, evt.Bids, evt.Asks, evt.SeqID, evt.Timestamp)
			if err != nil {
				return nil, errs.New(name, errs.CodeDesync, errs.WithCause(err))
			}
			events = append(events, exchange.StreamEvent{Kind: exchange.EventSnapshot, Snapshot: &book})
			continue
		}
		bids, err := shared.ConvertLevels(evt.Bids)
		if err != nil {
			return nil, errs.New(name, errs.CodeDesync, errs.WithCause(err))
		}
		asks, err := shared.ConvertLevels(evt.Asks)
		if err != nil {
			return nil, errs.New(name, errs.CodeDesync, errs.WithCause(err))
		}
		ts, _ := shared.ParseMillis(evt.Timestamp)
		events = append(events, exchange.StreamEvent{Kind: exchange.EventDelta, Delta: &schema.BookDelta{
			Instrument:   inst,
			PrevSequence: parseSeq(evt.PrevSeqID),
			Sequence:     parseSeq(evt.SeqID),
			Bids:         bids,
			Asks:         asks,
			Timestamp:    ts,
		}})
	}
	return events, nil
}
