package upbit

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/venuekit/errs"
	"github.com/coachpo/venuekit/internal/domain/schema"
	"github.com/coachpo/venuekit/internal/numeric"
)

const (
	maxCandleCount = 200
	withdrawScale  = 6
)

type candleRecord struct {
	CandleTimeUTC string          `json:"candle_date_time_utc"`
	Open          decimal.Decimal `json:"opening_price"`
	High          decimal.Decimal `json:"high_price"`
	Low           decimal.Decimal `json:"low_price"`
	Close         decimal.Decimal `json:"trade_price"`
	Volume        decimal.Decimal `json:"candle_acc_trade_volume"`
}

// candlePath maps an interval onto the minutes or days resource.
func candlePath(interval schema.Interval) (string, error) {
	if interval == schema.Interval1d {
		return "/v1/candles/days", nil
	}
	if err := interval.Validate(); err != nil {
		return "", err
	}
	minutes := int(interval.Duration() / time.Minute)
	return "/v1/candles/minutes/" + strconv.Itoa(minutes), nil
}

// Candles returns bars oldest first. Upbit lists them newest first.
func (a *Adapter) Candles(ctx context.Context, inst schema.Instrument, interval schema.Interval, limit int) ([]schema.Candle, error) {
	if err := spotOnly(inst); err != nil {
		return nil, err
	}
	path, err := candlePath(interval)
	if err != nil {
		return nil, errs.New(name, errs.CodeInvalid, errs.WithMessage(err.Error()))
	}
	params := url.Values{}
	params.Set("market", marketCode(inst))
	if limit > 0 {
		params.Set("count", strconv.Itoa(min(limit, maxCandleCount)))
	}

	var candles []schema.Candle
	err = a.REST.Do(ctx, "candles", a.public(path, params), func(body []byte) error {
		var records []candleRecord
		if err := json.Unmarshal(body, &records); err != nil {
			return err
		}
		candles = make([]schema.Candle, 0, len(records))
		for _, r := range records {
			openTime, err := time.Parse("2006-01-02T15:04:05", r.CandleTimeUTC)
			if err != nil {
				return err
			}
			candles = append(candles, schema.Candle{
				Instrument: inst,
				OpenTime:   openTime.UTC(),
				Open:       r.Open,
				High:       r.High,
				Low:        r.Low,
				Close:      r.Close,
				Volume:     r.Volume,
			})
		}
		slices.Reverse(candles)
		return nil
	})
	return candles, err
}

// Withdraw requests a coin withdrawal to a registered address.
func (a *Adapter) Withdraw(ctx context.Context, req schema.WithdrawRequest) (schema.WithdrawAck, error) {
	amount := numeric.TruncateToStep(req.Amount, decimal.New(1, -withdrawScale))
	if amount.Sign() <= 0 {
		return schema.WithdrawAck{}, errs.New(name, errs.CodeInvalid, errs.WithMessage("amount below withdrawal precision"))
	}
	params := url.Values{}
	params.Set("currency", req.Asset)
	params.Set("amount", numeric.Trim(amount))
	params.Set("address", req.Address)
	if req.AddressTag != "" {
		params.Set("secondary_address", req.AddressTag)
	}
	if req.Network != "" {
		params.Set("net_type", req.Network)
	}
	params.Set("transaction_type", "default")
	defer a.InvalidateBalances(ctx)

	var ack schema.WithdrawAck
	err := a.REST.DoOnce(ctx, "withdraw", a.signed(http.MethodPost, "/v1/withdraws/coin", params), func(body []byte) error {
		var resp struct {
			UUID string `json:"uuid"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return err
		}
		if resp.UUID == "" {
			return errs.New(name, errs.CodeExchange, errs.WithMessage("withdraw accepted without uuid"))
		}
		ack = schema.WithdrawAck{Exchange: name, ID: resp.UUID, Asset: req.Asset, Amount: amount}
		return nil
	})
	return ack, err
}
