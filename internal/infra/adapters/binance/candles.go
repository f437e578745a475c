package binance

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/venuekit/errs"
	"github.com/coachpo/venuekit/internal/domain/schema"
)

const maxKlineLimit = 1000

// Candles returns klines oldest first.
func (a *Adapter) Candles(ctx context.Context, inst schema.Instrument, interval schema.Interval, limit int) ([]schema.Candle, error) {
	if interval == schema.Interval10m {
		return nil, errs.New(name, errs.CodeInvalid, errs.WithMessage("interval 10m not offered"))
	}
	if err := interval.Validate(); err != nil {
		return nil, errs.New(name, errs.CodeInvalid, errs.WithMessage(err.Error()))
	}
	params := url.Values{}
	params.Set("symbol", restSymbol(inst))
	params.Set("interval", string(interval))
	if limit > 0 {
		params.Set("limit", strconv.Itoa(min(limit, maxKlineLimit)))
	}

	var candles []schema.Candle
	err := a.REST.Do(ctx, "klines", publicGet(a.opts.endpoints(inst).klines, params), func(body []byte) error {
		var rows [][]json.RawMessage
		if err := json.Unmarshal(body, &rows); err != nil {
			return err
		}
		candles = make([]schema.Candle, 0, len(rows))
		for _, row := range rows {
			c, err := parseKline(inst, row)
			if err != nil {
				return err
			}
			candles = append(candles, c)
		}
		return nil
	})
	return candles, err
}

// parseKline reads [openTime, open, high, low, close, volume, ...].
func parseKline(inst schema.Instrument, row []json.RawMessage) (schema.Candle, error) {
	if len(row) < 6 {
		return schema.Candle{}, fmt.Errorf("kline: %d fields", len(row))
	}
	var openTime int64
	if err := json.Unmarshal(row[0], &openTime); err != nil {
		return schema.Candle{}, fmt.Errorf("kline open time: %w", err)
	}
	var ohlcv [5]decimal.Decimal
	for i := range ohlcv {
		if err := json.Unmarshal(row[i+1], &ohlcv[i]); err != nil {
			return schema.Candle{}, fmt.Errorf("kline field %d: %w", i+1, err)
		}
	}
	return schema.Candle{
		Instrument: inst,
		OpenTime:   time.UnixMilli(openTime).UTC(),
		Open:       ohlcv[0],
		High:       ohlcv[1],
		Low:        ohlcv[2],
		Close:      ohlcv[3],
		Volume:     ohlcv[4],
	}, nil
}
