package bithumb

import (
	"context"
	"net/http"
	"strconv"
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
	if err := spotOnly(inst); err != nil {
		return "", nil, err
	}
	return p.adapter.opts.StreamURL, nil, nil
}

func (p *streamProtocol) streamType() string {
	if p.channel == exchange.ChannelTrades {
		return "transaction"
	}
	return "orderbooksnapshot"
}

func (p *streamProtocol) SubscribeMessages(inst schema.Instrument) ([][]byte, error) {
	frame, err := json.Marshal(map[string]any{"type": p.streamType(), "symbols": []string{pairSymbol(inst)}})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

// The venue pushes full snapshots frequently enough that no keepalive is needed.
func (p *streamProtocol) Heartbeat() ([]byte, time.Duration) { return nil, 0 }

func (p *streamProtocol) RequiresSnapshot() bool { return false }

func (p *streamProtocol) Snapshot(ctx context.Context, inst schema.Instrument) (schema.OrderBook, error) {
	return p.adapter.fetchOrderbook(ctx, inst)
}

type streamEnvelope struct {
	Status  string          `json:"status"`
	ResMsg  string          `json:"resmsg"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

type snapshotContent struct {
	Datetime string     `json:"datetime"`
	Asks     [][]string `json:"asks"`
	Bids     [][]string `json:"bids"`
}

type transactionContent struct {
	List []struct {
		BuySellGb string          `json:"buySellGb"`
		ContPrice decimal.Decimal `json:"contPrice"`
		ContQty   decimal.Decimal `json:"contQty"`
		ContDtm   string          `json:"contDtm"`
	} `json:"list"`
}

func (p *streamProtocol) Decode(inst schema.Instrument, payload []byte) ([]exchange.StreamEvent, error) {
	var env streamEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, errs.New(name, errs.CodeDesync, errs.WithMessage("decode stream frame"), errs.WithCause(err))
	}
	if env.Status != "" {
		if env.Status == statusOK {
			return []exchange.StreamEvent{{Kind: exchange.EventAck}}, nil
		}
		return []exchange.StreamEvent{{Kind: exchange.EventError, Err: statusError(0, env.Status, env.ResMsg)}}, nil
	}

	switch env.Type {
	case "orderbooksnapshot":
		var content snapshotContent
		if err := json.Unmarshal(env.Content, &content); err != nil {
			return nil, errs.New(name, errs.CodeDesync, errs.WithMessage("decode orderbook"), errs.WithCause(err))
		}
		bids, err := shared.ConvertLevels(content.Bids)
		if err != nil {
			return nil, errs.New(name, errs.CodeDesync, errs.WithCause(err))
		}
		asks, err := shared.ConvertLevels(content.Asks)
		if err != nil {
			return nil, errs.New(name, errs.CodeDesync, errs.WithCause(err))
		}
		// datetime is microseconds since the epoch.
		micros, _ := strconv.ParseUint(content.Datetime, 10, 64)
		book := schema.OrderBook{
			Instrument: inst,
			Bids:       shared.DropEmpty(bids),
			Asks:       shared.DropEmpty(asks),
			Sequence:   micros,
			UpdatedAt:  time.UnixMicro(int64(micros)).UTC(),
		}
		return []exchange.StreamEvent{{Kind: exchange.EventSnapshot, Snapshot: &book}}, nil
	case "transaction":
		var content transactionContent
		if err := json.Unmarshal(env.Content, &content); err != nil {
			return nil, errs.New(name, errs.CodeDesync, errs.WithMessage("decode transaction"), errs.WithCause(err))
		}
		trades := make([]schema.Trade, 0, len(content.List))
		for _, tx := range content.List {
			side := schema.SideBuy
			if tx.BuySellGb == "1" || tx.BuySellGb == "S" {
				side = schema.SideSell
			}
			ts, _ := time.ParseInLocation("2006-01-02 15:04:05.999999", tx.ContDtm, kst)
			trades = append(trades, schema.Trade{
				Instrument: inst,
				ID:         tx.ContDtm,
				Price:      tx.ContPrice,
				Quantity:   tx.ContQty,
				Side:       side,
				Timestamp:  ts.UTC(),
			})
		}
		if len(trades) == 0 {
			return nil, nil
		}
		return []exchange.StreamEvent{{Kind: exchange.EventTrade, Trades: trades}}, nil
	}
	return nil, nil
}
