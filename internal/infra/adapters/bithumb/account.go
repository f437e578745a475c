package bithumb

import (
	"context"
	"fmt"
	"net/url"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/venuekit/errs"
	"github.com/coachpo/venuekit/internal/domain/schema"
	"github.com/coachpo/venuekit/internal/numeric"
)

var chartIntervals = map[schema.Interval]string{
	schema.Interval1m:  "1m",
	schema.Interval5m:  "5m",
	schema.Interval10m: "10m",
	schema.Interval30m: "30m",
	schema.Interval1h:  "1h",
	schema.Interval1d:  "24h",
}

// Candles returns bars oldest first. The venue has no count parameter, so
// the newest limit rows are kept.
func (a *Adapter) Candles(ctx context.Context, inst schema.Instrument, interval schema.Interval, limit int) ([]schema.Candle, error) {
	if err := spotOnly(inst); err != nil {
		return nil, err
	}
	chart, ok := chartIntervals[interval]
	if !ok {
		return nil, errs.New(name, errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("interval %q not offered", interval)))
	}

	var candles []schema.Candle
	path := "/public/candlestick/" + pairSymbol(inst) + "/" + chart
	err := a.REST.Do(ctx, "candles", a.public(path, nil), func(body []byte) error {
		if err := checkStatus(body); err != nil {
			return err
		}
		var resp struct {
			Data [][]json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return err
		}
		rows := resp.Data
		if limit > 0 && len(rows) > limit {
			rows = rows[len(rows)-limit:]
		}
		candles = make([]schema.Candle, 0, len(rows))
		for _, row := range rows {
			c, err := parseCandle(inst, row)
			if err != nil {
				return err
			}
			candles = append(candles, c)
		}
		return nil
	})
	return candles, err
}

// parseCandle reads [time, open, close, high, low, volume]; values may be
// numbers or strings.
func parseCandle(inst schema.Instrument, row []json.RawMessage) (schema.Candle, error) {
	if len(row) < 6 {
		return schema.Candle{}, fmt.Errorf("candlestick: %d fields", len(row))
	}
	var fields [6]decimal.Decimal
	for i := range fields {
		if err := json.Unmarshal(row[i], &fields[i]); err != nil {
			return schema.Candle{}, fmt.Errorf("candlestick field %d: %w", i, err)
		}
	}
	return schema.Candle{
		Instrument: inst,
		OpenTime:   time.UnixMilli(fields[0].IntPart()).UTC(),
		Open:       fields[1],
		Close:      fields[2],
		High:       fields[3],
		Low:        fields[4],
		Volume:     fields[5],
	}, nil
}

// Withdraw sends coins to a registered external address.
func (a *Adapter) Withdraw(ctx context.Context, req schema.WithdrawRequest) (schema.WithdrawAck, error) {
	form := url.Values{}
	form.Set("currency", req.Asset)
	form.Set("units", numeric.Trim(req.Amount))
	form.Set("address", req.Address)
	if req.AddressTag != "" {
		form.Set("destination", req.AddressTag)
	}
	if req.Network != "" {
		form.Set("net_type", req.Network)
	}
	defer a.InvalidateBalances(ctx)

	var ack schema.WithdrawAck
	err := a.REST.DoOnce(ctx, "withdraw", a.signed("/trade/btc_withdrawal", form), func(body []byte) error {
		if err := checkStatus(body); err != nil {
			return err
		}
		ack = schema.WithdrawAck{Exchange: name, Asset: req.Asset, Amount: req.Amount}
		return nil
	})
	return ack, err
}
