package exchange

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/venuekit/errs"
	"github.com/coachpo/venuekit/internal/domain/schema"
)

type pollingAdapter struct {
	Adapter
	name   string
	polls  atomic.Int32
	fillAt int32
	err    error
}

func (a *pollingAdapter) Name() string { return a.name }

func (a *pollingAdapter) OrderStatus(_ context.Context, _ schema.Instrument, orderID string) (schema.OrderStatus, error) {
	n := a.polls.Add(1)
	if a.err != nil {
		return schema.OrderStatus{}, a.err
	}
	state := schema.OrderStateOpen
	if a.fillAt > 0 && n >= a.fillAt {
		state = schema.OrderStateClosed
	}
	return schema.OrderStatus{OrderID: orderID, State: state}, nil
}

func TestSetLookupIsCaseInsensitive(t *testing.T) {
	set := NewSet(&pollingAdapter{name: "Binance"}, nil, &pollingAdapter{name: "upbit"})
	require.Equal(t, []string{"binance", "upbit"}, set.Names())

	a, err := set.Get(" BINANCE ")
	require.NoError(t, err)
	require.Equal(t, "Binance", a.Name())

	_, err = set.Get("kraken")
	require.True(t, errs.Is(err, errs.CodeInvalid))

	var empty *Set
	require.Nil(t, empty.Names())
	_, err = empty.Get("binance")
	require.Error(t, err)
}

func TestRegistryCreate(t *testing.T) {
	reg := NewRegistry()
	reg.Register("Fake", func(_ context.Context, deps Deps) (Adapter, error) {
		return &pollingAdapter{name: "fake"}, nil
	})
	reg.Register("broken", func(context.Context, Deps) (Adapter, error) {
		return nil, errors.New("no endpoint")
	})
	require.Equal(t, []string{"broken", "fake"}, reg.Names())

	a, err := reg.Create(context.Background(), "FAKE", Deps{})
	require.NoError(t, err)
	require.Equal(t, "fake", a.Name())

	_, err = reg.Create(context.Background(), "broken", Deps{})
	require.ErrorContains(t, err, "no endpoint")

	_, err = reg.Create(context.Background(), "missing", Deps{})
	require.ErrorContains(t, err, "not registered")

	require.Panics(t, func() { reg.Register("nil", nil) })
}

func TestWaitOrderPollsUntilClosed(t *testing.T) {
	a := &pollingAdapter{name: "fake", fillAt: 3}
	inst := schema.NewInstrument("fake", "BTC", "USDT")

	status, err := WaitOrder(context.Background(), a, inst, "42", time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStateClosed, status.State)
	require.EqualValues(t, 3, a.polls.Load())
}

func TestWaitOrderStopsOnContextAndErrors(t *testing.T) {
	inst := schema.NewInstrument("fake", "BTC", "USDT")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	status, err := WaitOrder(ctx, &pollingAdapter{name: "fake"}, inst, "7", time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, schema.OrderStateOpen, status.State)

	failing := &pollingAdapter{name: "fake", err: errs.New("fake", errs.CodeNotFound)}
	_, err = WaitOrder(context.Background(), failing, inst, "7", 0)
	require.True(t, errs.Is(err, errs.CodeNotFound))
	require.EqualValues(t, 1, failing.polls.Load())
}

type leveragedAdapter struct {
	pollingAdapter
	leverage map[schema.Instrument]int
}

func (a *leveragedAdapter) SetLeverage(_ context.Context, inst schema.Instrument, leverage int) error {
	a.leverage[inst] = leverage
	return nil
}

func TestOptionalCapabilities(t *testing.T) {
	capabilityMissing := errs.New("", errs.CodeExchange, errs.WithCanonicalCode(errs.CanonicalCapabilityMissing))
	spot := schema.NewInstrument("upbit", "BTC", "KRW")
	plain := &pollingAdapter{name: "upbit"}

	_, err := Candles(context.Background(), plain, spot, schema.Interval1h, 10)
	require.ErrorIs(t, err, capabilityMissing)
	_, err = Candles(context.Background(), plain, spot, schema.Interval("2m"), 10)
	require.True(t, errs.Is(err, errs.CodeInvalid))

	_, err = Withdraw(context.Background(), plain, schema.WithdrawRequest{Exchange: "upbit", Asset: "BTC", Amount: decimal.NewFromInt(1), Address: "addr"})
	require.ErrorIs(t, err, capabilityMissing)
	_, err = Withdraw(context.Background(), plain, schema.WithdrawRequest{Exchange: "upbit", Asset: "BTC"})
	require.True(t, errs.Is(err, errs.CodeInvalid))

	require.ErrorIs(t, SetLeverage(context.Background(), plain, spot, 5), capabilityMissing)

	perp := schema.NewInstrument("binance", "BTC", "USDT").WithMarket(schema.MarketFuture)
	lev := &leveragedAdapter{pollingAdapter: pollingAdapter{name: "binance"}, leverage: map[schema.Instrument]int{}}
	require.True(t, errs.Is(SetLeverage(context.Background(), lev, perp.WithMarket(schema.MarketSpot), 5), errs.CodeInvalid))
	require.True(t, errs.Is(SetLeverage(context.Background(), lev, perp, 0), errs.CodeInvalid))
	require.NoError(t, SetLeverage(context.Background(), lev, perp, 20))
	require.Equal(t, 20, lev.leverage[perp])
}
