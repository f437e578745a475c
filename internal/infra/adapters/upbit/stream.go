package upbit

import (
	"context"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/venuekit/errs"
	"github.com/coachpo/venuekit/internal/app/exchange"
	"github.com/coachpo/venuekit/internal/domain/schema"
)

type streamProtocol struct {
	adapter *Adapter
	channel exchange.Channel
}

func (p *streamProtocol) Endpoint(inst schema.Instrument) (string, http.Header, error) {
	if err := inst.Validate(); err != nil {
		return "", nil, errs.New(name, errs.CodeInvalid, errs.WithMessage(err.Error()))
	}
	if err := spotOnly(inst); err != nil {
		return "", nil, err
	}
	return p.adapter.opts.StreamURL, nil, nil
}

func (p *streamProtocol) SubscribeMessages(inst schema.Instrument) ([][]byte, error) {
	kind := "orderbook"
	if p.channel == exchange.ChannelTrades {
		kind = "trade"
	}
	frame, err := json.Marshal([]map[string]any{
		{"ticket": uuid.NewString()},
		{"type": kind, "codes": []string{marketCode(inst)}},
		{"format": "DEFAULT"},
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

// Upbit closes connections idle for 120s.
func (p *streamProtocol) Heartbeat() ([]byte, time.Duration) { return []byte("PING"), pingInterval }

// Every orderbook message is a complete replacement.
func (p *streamProtocol) RequiresSnapshot() bool { return false }

func (p *streamProtocol) Snapshot(ctx context.Context, inst schema.Instrument) (schema.OrderBook, error) {
	return p.adapter.fetchOrderbook(ctx, inst)
}

type streamMessage struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Error  *struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *streamProtocol) Decode(inst schema.Instrument, payload []byte) ([]exchange.StreamEvent, error) {
	var msg streamMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, errs.New(name, errs.CodeDesync, errs.WithMessage("decode stream frame"), errs.WithCause(err))
	}
	switch {
	case msg.Error != nil:
		return []exchange.StreamEvent{{Kind: exchange.EventError, Err: errs.New(name, errs.CodeInvalid,
			errs.WithRawCode(msg.Error.Name), errs.WithRawMessage(msg.Error.Message))}}, nil
	case strings.EqualFold(msg.Status, "UP"):
		return []exchange.StreamEvent{{Kind: exchange.EventHeartbeat}}, nil
	}

	switch msg.Type {
	case "orderbook":
		var rec orderbookRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, errs.New(name, errs.CodeDesync, errs.WithMessage("decode orderbook"), errs.WithCause(err))
		}
		book := rec.toBook(inst)
		return []exchange.StreamEvent{{Kind: exchange.EventSnapshot, Snapshot: &book}}, nil
	case "trade":
		var tick tradeTick
		if err := json.Unmarshal(payload, &tick); err != nil {
			return nil, errs.New(name, errs.CodeDesync, errs.WithMessage("decode trade"), errs.WithCause(err))
		}
		return []exchange.StreamEvent{{Kind: exchange.EventTrade, Trades: []schema.Trade{tick.toTrade(inst)}}}, nil
	}
	return nil, nil
}
