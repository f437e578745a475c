package exchange

import (
	"context"

	"github.com/coachpo/venuekit/errs"
	"github.com/coachpo/venuekit/internal/domain/schema"
)

// Candles fetches OHLC bars when a supports them.
func Candles(ctx context.Context, a Adapter, inst schema.Instrument, interval schema.Interval, limit int) ([]schema.Candle, error) {
	if err := interval.Validate(); err != nil {
		return nil, errs.New(inst.Exchange, errs.CodeInvalid, errs.WithMessage(err.Error()))
	}
	c, ok := a.(Charting)
	if !ok {
		return nil, errs.NotSupported(a.Name(), "candles")
	}
	return c.Candles(ctx, inst, interval, limit)
}

// Withdraw submits req when a supports withdrawals.
func Withdraw(ctx context.Context, a Adapter, req schema.WithdrawRequest) (schema.WithdrawAck, error) {
	if err := req.Validate(); err != nil {
		return schema.WithdrawAck{}, errs.New(req.Exchange, errs.CodeInvalid, errs.WithMessage(err.Error()))
	}
	w, ok := a.(Withdrawer)
	if !ok {
		return schema.WithdrawAck{}, errs.NotSupported(a.Name(), "withdraw")
	}
	return w.Withdraw(ctx, req)
}

// SetLeverage changes the leverage of a futures instrument.
func SetLeverage(ctx context.Context, a Adapter, inst schema.Instrument, leverage int) error {
	if leverage < 1 {
		return errs.New(inst.Exchange, errs.CodeInvalid, errs.WithMessage("leverage must be >= 1"))
	}
	l, ok := a.(LeverageSetter)
	if !ok {
		return errs.NotSupported(a.Name(), "set leverage")
	}
	if !inst.IsFuture() {
		return errs.New(inst.Exchange, errs.CodeInvalid, errs.WithMessage("leverage applies to future instruments"))
	}
	return l.SetLeverage(ctx, inst, leverage)
}
