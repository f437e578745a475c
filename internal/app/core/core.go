// Package core is the operator-facing facade over adapters, streaming
// subscriptions and the market data hub. It also serves as the sandbox host.
package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/coachpo/venuekit/errs"
	"github.com/coachpo/venuekit/internal/app/connection"
	"github.com/coachpo/venuekit/internal/app/exchange"
	"github.com/coachpo/venuekit/internal/app/sandbox"
	"github.com/coachpo/venuekit/internal/domain/schema"
	"github.com/coachpo/venuekit/internal/infra/telemetry"
	"github.com/coachpo/venuekit/internal/observability"
)

const defaultRequestTimeout = 10 * time.Second

// Journal records order activity. Implementations must be safe for concurrent use.
type Journal interface {
	RecordAck(ctx context.Context, req schema.OrderRequest, ack schema.OrderAck) error
	RecordCancel(ctx context.Context, ack schema.CancelAck) error
}

// Options configures a Core.
type Options struct {
	Adapters *exchange.Set
	Manager  *connection.Manager
	// Journal is optional.
	Journal        Journal
	RequestTimeout time.Duration
}

// Core exposes books, trades and order entry over every configured exchange.
type Core struct {
	adapters *exchange.Set
	manager  *connection.Manager
	journal  Journal
	timeout  time.Duration

	tracer trace.Tracer
	orders metric.Int64Counter
}

// New validates opts and builds a Core.
func New(opts Options) (*Core, error) {
	if opts.Adapters == nil {
		return nil, fmt.Errorf("core: adapters required")
	}
	if opts.Manager == nil {
		return nil, fmt.Errorf("core: connection manager required")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	c := &Core{
		adapters: opts.Adapters,
		manager:  opts.Manager,
		journal:  opts.Journal,
		timeout:  opts.RequestTimeout,
		tracer:   otel.Tracer("core"),
	}
	c.orders, _ = otel.Meter("core").Int64Counter("core.order_requests",
		metric.WithDescription("Order placements and cancels by result"),
		metric.WithUnit("{request}"))
	return c, nil
}

// Exchanges lists the configured exchanges.
func (c *Core) Exchanges() []string { return c.adapters.Names() }

// Subscriptions lists live streaming sessions.
func (c *Core) Subscriptions() []connection.Info { return c.manager.Subscriptions() }

// Book returns the live synchronized book for inst, if one is being maintained.
func (c *Core) Book(inst schema.Instrument) (schema.OrderBook, bool) {
	return c.manager.Engine().Book(inst)
}

// OrderBook returns the live book when synchronized and otherwise a REST
// snapshot served through the response cache.
func (c *Core) OrderBook(ctx context.Context, inst schema.Instrument) (schema.OrderBook, error) {
	if book, ok := c.Book(inst); ok {
		return book, nil
	}
	adapter, err := c.adapter(inst)
	if err != nil {
		return schema.OrderBook{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return adapter.OrderBook(ctx, inst)
}

// RecentTrades returns streamed trades while a trade subscription for inst is
// streaming, otherwise the venue's recent trades.
func (c *Core) RecentTrades(ctx context.Context, inst schema.Instrument) ([]schema.Trade, error) {
	if c.streaming(inst, exchange.ChannelTrades) {
		if trades := c.manager.Hub().RecentTrades(inst, 0); len(trades) > 0 {
			return trades, nil
		}
	}
	adapter, err := c.adapter(inst)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return adapter.RecentTrades(ctx, inst)
}

func (c *Core) streaming(inst schema.Instrument, channel exchange.Channel) bool {
	for _, info := range c.manager.Subscriptions() {
		if info.Key.Instrument == inst && info.Key.Channel == channel {
			return info.State == connection.Streaming
		}
	}
	return false
}

// PlaceOrder submits req, assigning a client order id when none is set.
func (c *Core) PlaceOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderAck, error) {
	if err := req.Validate(); err != nil {
		return schema.OrderAck{}, errs.New(req.Instrument.Exchange, errs.CodeInvalid, errs.WithMessage(err.Error()))
	}
	adapter, err := c.adapter(req.Instrument)
	if err != nil {
		return schema.OrderAck{}, err
	}
	if strings.TrimSpace(req.ClientOrderID) == "" {
		req.ClientOrderID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	ctx, span := c.tracer.Start(ctx, "core.place_order", trace.WithAttributes(
		attribute.String("exchange", req.Instrument.Exchange),
		attribute.String("instrument", req.Instrument.Symbol()),
		attribute.String("side", string(req.Side)),
		attribute.String("type", string(req.Type)),
	))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ack, err := adapter.PlaceOrder(ctx, req)
	c.record(ctx, span, req.Instrument.Exchange, "place_order", err)
	if err != nil {
		return schema.OrderAck{}, err
	}
	if ack.ClientOrderID == "" {
		ack.ClientOrderID = req.ClientOrderID
	}
	if c.journal != nil {
		if jerr := c.journal.RecordAck(ctx, req, ack); jerr != nil {
			observability.Log().Error("journal ack failed",
				observability.Field{Key: "exchange", Value: ack.Exchange},
				observability.Field{Key: "order_id", Value: ack.OrderID},
				observability.Err(jerr))
		}
	}
	return ack, nil
}

// CancelOrder cancels orderID. The ack reports volume executed before the cancel.
func (c *Core) CancelOrder(ctx context.Context, inst schema.Instrument, orderID string) (schema.CancelAck, error) {
	if strings.TrimSpace(orderID) == "" {
		return schema.CancelAck{}, errs.New(inst.Exchange, errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	adapter, err := c.adapter(inst)
	if err != nil {
		return schema.CancelAck{}, err
	}

	ctx, span := c.tracer.Start(ctx, "core.cancel_order", trace.WithAttributes(
		attribute.String("exchange", inst.Exchange),
		attribute.String("instrument", inst.Symbol()),
	))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ack, err := adapter.CancelOrder(ctx, inst, orderID)
	c.record(ctx, span, inst.Exchange, "cancel_order", err)
	if err != nil {
		return schema.CancelAck{}, err
	}
	if c.journal != nil {
		if jerr := c.journal.RecordCancel(ctx, ack); jerr != nil {
			observability.Log().Error("journal cancel failed",
				observability.Field{Key: "exchange", Value: ack.Exchange},
				observability.Field{Key: "order_id", Value: ack.OrderID},
				observability.Err(jerr))
		}
	}
	return ack, nil
}

// OrderStatus reports the venue's view of orderID.
func (c *Core) OrderStatus(ctx context.Context, inst schema.Instrument, orderID string) (schema.OrderStatus, error) {
	adapter, err := c.adapter(inst)
	if err != nil {
		return schema.OrderStatus{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return adapter.OrderStatus(ctx, inst, orderID)
}

// WaitOrder polls orderID until it leaves the open state or ctx ends.
func (c *Core) WaitOrder(ctx context.Context, inst schema.Instrument, orderID string, interval time.Duration) (schema.OrderStatus, error) {
	adapter, err := c.adapter(inst)
	if err != nil {
		return schema.OrderStatus{}, err
	}
	return exchange.WaitOrder(ctx, adapter, inst, orderID, interval)
}

// Balances returns account balances on one exchange.
func (c *Core) Balances(ctx context.Context, exchangeName string) ([]schema.Balance, error) {
	adapter, err := c.adapters.Get(exchangeName)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return adapter.Balances(ctx)
}

// Candles returns up to limit OHLC bars of inst, oldest first.
func (c *Core) Candles(ctx context.Context, inst schema.Instrument, interval schema.Interval, limit int) ([]schema.Candle, error) {
	adapter, err := c.adapter(inst)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return exchange.Candles(ctx, adapter, inst, interval, limit)
}

// Withdraw moves funds off req.Exchange. It is sent at most once.
func (c *Core) Withdraw(ctx context.Context, req schema.WithdrawRequest) (schema.WithdrawAck, error) {
	adapter, err := c.adapters.Get(req.Exchange)
	if err != nil {
		return schema.WithdrawAck{}, err
	}

	ctx, span := c.tracer.Start(ctx, "core.withdraw", trace.WithAttributes(
		attribute.String("exchange", req.Exchange),
		attribute.String("asset", req.Asset),
	))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ack, err := exchange.Withdraw(ctx, adapter, req)
	c.record(ctx, span, req.Exchange, "withdraw", err)
	if err != nil {
		return schema.WithdrawAck{}, err
	}
	observability.Log().Info("withdrawal submitted",
		observability.Field{Key: "exchange", Value: ack.Exchange},
		observability.Field{Key: "asset", Value: ack.Asset},
		observability.Field{Key: "amount", Value: ack.Amount.String()},
		observability.Field{Key: "withdraw_id", Value: ack.ID})
	return ack, nil
}

// SetLeverage changes the leverage of a futures instrument.
func (c *Core) SetLeverage(ctx context.Context, inst schema.Instrument, leverage int) error {
	adapter, err := c.adapter(inst)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return exchange.SetLeverage(ctx, adapter, inst, leverage)
}

// Host returns the capability surface handed to the strategy sandbox.
func (c *Core) Host() sandbox.Host { return scriptHost{c} }

// Close stops every streaming session and ends every watch.
func (c *Core) Close() {
	c.manager.Close()
	c.manager.Hub().Close()
}

func (c *Core) adapter(inst schema.Instrument) (exchange.Adapter, error) {
	if err := inst.Validate(); err != nil {
		return nil, errs.New(inst.Exchange, errs.CodeInvalid, errs.WithMessage(err.Error()))
	}
	return c.adapters.Get(inst.Exchange)
}

func (c *Core) record(ctx context.Context, span trace.Span, exchangeName, op string, err error) {
	result := "ok"
	if err != nil {
		result = string(errs.CodeOf(err))
		if result == "" {
			result = "error"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	c.orders.Add(ctx, 1, metric.WithAttributes(telemetry.OperationAttributes(exchangeName, op, result)...))
}

type scriptHost struct{ *Core }

func (h scriptHost) WatchTrades(ctx context.Context, inst schema.Instrument) (sandbox.TradeFeed, error) {
	w, err := h.Core.WatchTrades(ctx, inst)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (h scriptHost) WatchBook(ctx context.Context, inst schema.Instrument) (sandbox.BookFeed, error) {
	w, err := h.Core.WatchBook(ctx, inst)
	if err != nil {
		return nil, err
	}
	return w, nil
}
