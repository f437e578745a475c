package fake

import (
	"context"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/coachpo/venuekit/errs"
	"github.com/coachpo/venuekit/internal/domain/schema"
)

// Candles buckets the retained executions of inst into bars, oldest first.
// Buckets without trades are skipped.
func (v *Venue) Candles(inst schema.Instrument, interval schema.Interval, limit int) ([]schema.Candle, error) {
	width := interval.Duration()
	if width <= 0 {
		return nil, errs.New(Name, errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("interval %q not offered", interval)))
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.injected(); err != nil {
		return nil, err
	}
	var out []schema.Candle
	for _, t := range v.state(inst).trades {
		open := t.Timestamp.UTC().Truncate(width)
		if n := len(out); n > 0 && out[n-1].OpenTime.Equal(open) {
			c := &out[n-1]
			c.High = decimal.Max(c.High, t.Price)
			c.Low = decimal.Min(c.Low, t.Price)
			c.Close = t.Price
			c.Volume = c.Volume.Add(t.Quantity)
			continue
		}
		out = append(out, schema.Candle{
			Instrument: inst,
			OpenTime:   open,
			Open:       t.Price,
			High:       t.Price,
			Low:        t.Price,
			Close:      t.Price,
			Volume:     t.Quantity,
		})
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Withdraw debits the available balance of req.Asset.
func (v *Venue) Withdraw(req schema.WithdrawRequest) (schema.WithdrawAck, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.injected(); err != nil {
		return schema.WithdrawAck{}, err
	}
	b := v.balances[req.Asset]
	if b.Available.LessThan(req.Amount) {
		return schema.WithdrawAck{}, errs.New(Name, errs.CodeRejected,
			errs.WithCanonicalCode(errs.CanonicalInsufficientBalance),
			errs.WithMessage("insufficient "+req.Asset))
	}
	b.Asset = req.Asset
	b.Available = b.Available.Sub(req.Amount)
	v.balances[req.Asset] = b
	v.nextID++
	return schema.WithdrawAck{
		Exchange: Name,
		ID:       "w-" + strconv.FormatUint(v.nextID, 10),
		Asset:    req.Asset,
		Amount:   req.Amount,
	}, nil
}

// SetLeverage records the leverage of a futures instrument.
func (v *Venue) SetLeverage(inst schema.Instrument, leverage int) error {
	if !inst.IsFuture() {
		return errs.New(Name, errs.CodeInvalid, errs.WithMessage("leverage applies to futures"))
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.injected(); err != nil {
		return err
	}
	v.state(inst).leverage = leverage
	return nil
}

// Leverage reports the recorded leverage, zero when never set.
func (v *Venue) Leverage(inst schema.Instrument) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state(inst).leverage
}

func (a *Adapter) Candles(_ context.Context, inst schema.Instrument, interval schema.Interval, limit int) ([]schema.Candle, error) {
	return a.venue.Candles(inst, interval, limit)
}

func (a *Adapter) Withdraw(ctx context.Context, req schema.WithdrawRequest) (schema.WithdrawAck, error) {
	if err := a.authorize(); err != nil {
		return schema.WithdrawAck{}, err
	}
	defer a.InvalidateBalances(ctx)
	return a.venue.Withdraw(req)
}

func (a *Adapter) SetLeverage(_ context.Context, inst schema.Instrument, leverage int) error {
	if err := a.authorize(); err != nil {
		return err
	}
	return a.venue.SetLeverage(inst, leverage)
}
