package schema

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Interval is a candle width such as "1m" or "4h".
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval10m Interval = "10m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

var intervalWidths = map[Interval]time.Duration{
	Interval1m:  time.Minute,
	Interval5m:  5 * time.Minute,
	Interval10m: 10 * time.Minute,
	Interval15m: 15 * time.Minute,
	Interval30m: 30 * time.Minute,
	Interval1h:  time.Hour,
	Interval4h:  4 * time.Hour,
	Interval1d:  24 * time.Hour,
}

// Duration returns the candle width, or zero for an unknown interval.
func (i Interval) Duration() time.Duration { return intervalWidths[i] }

// Validate rejects intervals outside the supported set.
func (i Interval) Validate() error {
	if _, ok := intervalWidths[i]; !ok {
		return fmt.Errorf("candle: unsupported interval %q", i)
	}
	return nil
}

// Candle is one OHLC bar. OpenTime is the start of the bar in UTC.
type Candle struct {
	Instrument Instrument      `json:"instrument"`
	OpenTime   time.Time       `json:"openTime"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     decimal.Decimal `json:"volume"`
}
