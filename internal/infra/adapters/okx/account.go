package okx

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/venuekit/errs"
	"github.com/coachpo/venuekit/internal/domain/schema"
	"github.com/coachpo/venuekit/internal/numeric"
)

var barNames = map[schema.Interval]string{
	schema.Interval1m:  "1m",
	schema.Interval5m:  "5m",
	schema.Interval15m: "15m",
	schema.Interval30m: "30m",
	schema.Interval1h:  "1H",
	schema.Interval4h:  "4H",
	schema.Interval1d:  "1Dutc",
}

const maxCandleLimit = 300

// Candles returns bars oldest first. OKX serves them newest first.
func (a *Adapter) Candles(ctx context.Context, inst schema.Instrument, interval schema.Interval, limit int) ([]schema.Candle, error) {
	bar, ok := barNames[interval]
	if !ok {
		return nil, errs.New(name, errs.CodeInvalid, errs.WithMessage("interval "+string(interval)+" not offered"))
	}
	params := url.Values{}
	params.Set("instId", instID(inst))
	params.Set("bar", bar)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(min(limit, maxCandleLimit)))
	}

	var candles []schema.Candle
	err := a.REST.Do(ctx, "candles", a.public(a.opts.meta.candlesPath, params), func(body []byte) error {
		data, err := unwrap(body)
		if err != nil {
			return err
		}
		var rows [][]string
		if err := json.Unmarshal(data, &rows); err != nil {
			return err
		}
		candles = make([]schema.Candle, 0, len(rows))
		for i := len(rows) - 1; i >= 0; i-- {
			row := rows[i]
			if len(row) < 6 {
				return errs.New(name, errs.CodeExchange, errs.WithMessage("short candle row"))
			}
			ts, err := strconv.ParseInt(row[0], 10, 64)
			if err != nil {
				return err
			}
			var ohlcv [5]decimal.Decimal
			for j := range ohlcv {
				if ohlcv[j], err = numeric.Parse(row[j+1]); err != nil {
					return err
				}
			}
			candles = append(candles, schema.Candle{
				Instrument: inst,
				OpenTime:   time.UnixMilli(ts).UTC(),
				Open:       ohlcv[0],
				High:       ohlcv[1],
				Low:        ohlcv[2],
				Close:      ohlcv[3],
				Volume:     ohlcv[4],
			})
		}
		return nil
	})
	return candles, err
}

// SetLeverage sets cross-margin leverage on a perpetual swap.
func (a *Adapter) SetLeverage(ctx context.Context, inst schema.Instrument, leverage int) error {
	if !inst.IsFuture() {
		return errs.New(name, errs.CodeInvalid, errs.WithMessage("leverage applies to swaps"))
	}
	payload, err := json.Marshal(map[string]string{
		"instId":  instID(inst),
		"lever":   strconv.Itoa(leverage),
		"mgnMode": tradeMode(inst),
	})
	if err != nil {
		return err
	}
	return a.REST.Do(ctx, "set_leverage", a.signed(http.MethodPost, a.opts.meta.leveragePath, nil, payload), func(body []byte) error {
		_, err := unwrap(body)
		return err
	})
}

type withdrawal struct {
	Ccy    string `json:"ccy"`
	Amt    string `json:"amt"`
	Dest   string `json:"dest"`
	ToAddr string `json:"toAddr"`
	Chain  string `json:"chain,omitempty"`
}

// Withdraw sends funds on-chain from the funding account.
func (a *Adapter) Withdraw(ctx context.Context, req schema.WithdrawRequest) (schema.WithdrawAck, error) {
	addr := req.Address
	if req.AddressTag != "" {
		addr += ":" + req.AddressTag
	}
	body := withdrawal{Ccy: req.Asset, Amt: numeric.Trim(req.Amount), Dest: "4", ToAddr: addr}
	if req.Network != "" {
		body.Chain = req.Asset + "-" + req.Network
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return schema.WithdrawAck{}, err
	}
	defer a.InvalidateBalances(ctx)

	var ack schema.WithdrawAck
	err = a.REST.DoOnce(ctx, "withdraw", a.signed(http.MethodPost, a.opts.meta.withdrawPath, nil, payload), func(raw []byte) error {
		data, err := unwrap(raw)
		if err != nil {
			return err
		}
		var results []struct {
			WdID string `json:"wdId"`
		}
		if err := json.Unmarshal(data, &results); err != nil {
			return err
		}
		if len(results) == 0 || results[0].WdID == "" {
			return errs.New(name, errs.CodeExchange, errs.WithMessage("empty withdrawal response"))
		}
		ack = schema.WithdrawAck{Exchange: name, ID: results[0].WdID, Asset: req.Asset, Amount: req.Amount}
		return nil
	})
	return ack, err
}
