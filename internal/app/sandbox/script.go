package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/venuekit/errs"
	"github.com/coachpo/venuekit/internal/domain/schema"
	"github.com/coachpo/venuekit/internal/infra/telemetry"
	"github.com/coachpo/venuekit/internal/observability"
)

const queueSize = 256

// scriptContext is one loaded script: a private goja runtime driven by a
// single event loop goroutine.
type scriptContext struct {
	name    string
	runID   string
	sandbox *Sandbox
	host    Host
	grants  Grants
	limiter *rate.Limiter

	rt      *goja.Runtime
	exports *goja.Object

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan func()
	done   chan struct{}
	wg     conc.WaitGroup

	unhandled map[*goja.Promise]struct{}
	faultOnce sync.Once
}

func (c *scriptContext) loop() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case job := <-c.queue:
			c.runJob(job)
		}
	}
}

func (c *scriptContext) runJob(job func()) {
	defer func() {
		if rec := recover(); rec != nil {
			c.fault(errs.New("", errs.CodeScriptFault,
				errs.WithScript(c.name),
				errs.WithMessage(fmt.Sprintf("host panic: %v", rec))))
		}
	}()
	job()
	_ = c.checkRejections()
}

// enqueue schedules fn on the loop. It gives up once the script is stopped.
func (c *scriptContext) enqueue(fn func()) bool {
	select {
	case c.queue <- fn:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// fault terminates this script and reports err once.
func (c *scriptContext) fault(err error) {
	if c.ctx.Err() != nil {
		return
	}
	c.faultOnce.Do(func() {
		if !errs.Is(err, errs.CodeScriptFault) {
			err = errs.New("", errs.CodeScriptFault, errs.WithScript(c.name), errs.WithMessage(err.Error()), errs.WithCause(err))
		}
		c.sandbox.report(c, err)
		c.cancel()
		c.rt.Interrupt(err)
	})
}

// call invokes an exported function on the loop.
func (c *scriptContext) call(fn goja.Callable, args ...goja.Value) {
	if _, err := fn(goja.Undefined(), args...); err != nil {
		if _, interrupted := err.(*goja.InterruptedError); interrupted && c.ctx.Err() != nil {
			return
		}
		c.fault(err)
	}
}

func (c *scriptContext) trackRejection(p *goja.Promise, op goja.PromiseRejectionOperation) {
	switch op {
	case goja.PromiseRejectionReject:
		c.unhandled[p] = struct{}{}
	case goja.PromiseRejectionHandle:
		delete(c.unhandled, p)
	}
}

// checkRejections faults the script when a rejected promise is left without
// a handler once the current job has finished.
func (c *scriptContext) checkRejections() error {
	for p := range c.unhandled {
		delete(c.unhandled, p)
		reason := "undefined"
		if r := p.Result(); r != nil {
			reason = r.String()
		}
		err := errs.New("", errs.CodeScriptFault, errs.WithScript(c.name), errs.WithMessage("unhandled rejection: "+reason))
		c.fault(err)
		return err
	}
	return nil
}

// export returns the named export or a top-level function of the same name.
func (c *scriptContext) export(name string) (goja.Callable, bool) {
	v := c.exports.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		v = c.rt.Get(name)
	}
	if v == nil {
		return nil, false
	}
	return goja.AssertFunction(v)
}

// async runs job off the loop and settles the returned promise on the loop.
func (c *scriptContext) async(fn Grant, job func(context.Context) (any, error)) goja.Value {
	promise, resolve, reject := c.rt.NewPromise()
	c.sandbox.hostCalls.Add(c.ctx, 1, metric.WithAttributes(telemetry.ScriptAttributes(c.name, string(fn))...))
	if !c.limiter.Allow() {
		err := errs.New("", errs.CodeScriptFault,
			errs.WithScript(c.name),
			errs.WithCanonicalCode(errs.CanonicalCallBudget),
			errs.WithMessage(fmt.Sprintf("call budget exceeded at %s", fn)))
		_ = reject(c.jsError(err))
		c.fault(err)
		return c.rt.ToValue(promise)
	}
	c.wg.Go(func() {
		val, err := job(c.ctx)
		var shaped any
		if err == nil {
			shaped, err = toJSON(val)
		}
		c.enqueue(func() {
			if err != nil {
				_ = reject(c.jsError(err))
				return
			}
			_ = resolve(shaped)
		})
	})
	return c.rt.ToValue(promise)
}

func (c *scriptContext) rejected(err error) goja.Value {
	promise, _, reject := c.rt.NewPromise()
	_ = reject(c.jsError(err))
	return c.rt.ToValue(promise)
}

func (c *scriptContext) jsError(err error) goja.Value {
	obj := c.rt.NewGoError(err)
	_ = obj.Set("code", string(errs.CodeOf(err)))
	return obj
}

func (c *scriptContext) denied(what string) error {
	return errs.New("", errs.CodeScriptFault,
		errs.WithScript(c.name),
		errs.WithCanonicalCode(errs.CanonicalGrantDenied),
		errs.WithMessage(what+" not granted"))
}

// hostObject builds the object handed to main. Ungranted functions are absent.
func (c *scriptContext) hostObject() *goja.Object {
	h := c.rt.NewObject()
	_ = h.Set("name", c.name)
	_ = h.Set("log", func(call goja.FunctionCall) goja.Value {
		observability.Log().Info("script log",
			observability.Field{Key: "script", Value: c.name},
			observability.Field{Key: "run_id", Value: c.runID},
			observability.Field{Key: "message", Value: joinArgs(call.Arguments)})
		return goja.Undefined()
	})
	_ = h.Set("sleep", func(call goja.FunctionCall) goja.Value {
		d := time.Duration(call.Argument(0).ToInteger()) * time.Millisecond
		promise, resolve, _ := c.rt.NewPromise()
		c.wg.Go(func() {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				c.enqueue(func() { _ = resolve(goja.Undefined()) })
			case <-c.ctx.Done():
			}
		})
		return c.rt.ToValue(promise)
	})

	if c.grants.has(GrantOrderBook) {
		_ = h.Set("orderbook", func(call goja.FunctionCall) goja.Value {
			inst, err := c.instrument(call.Argument(0), call.Argument(1), call.Argument(2))
			if err != nil {
				return c.rejected(err)
			}
			return c.async(GrantOrderBook, func(ctx context.Context) (any, error) {
				return c.host.OrderBook(ctx, inst)
			})
		})
	}
	if c.grants.has(GrantRecentTrades) {
		_ = h.Set("recentTrades", func(call goja.FunctionCall) goja.Value {
			inst, err := c.instrument(call.Argument(0), call.Argument(1), call.Argument(2))
			if err != nil {
				return c.rejected(err)
			}
			return c.async(GrantRecentTrades, func(ctx context.Context) (any, error) {
				return c.host.RecentTrades(ctx, inst)
			})
		})
	}
	if c.grants.has(GrantPlaceOrder) {
		_ = h.Set("placeOrder", func(call goja.FunctionCall) goja.Value {
			req, err := c.orderRequest(call.Argument(0))
			if err != nil {
				return c.rejected(err)
			}
			return c.async(GrantPlaceOrder, func(ctx context.Context) (any, error) {
				return c.host.PlaceOrder(ctx, req)
			})
		})
	}
	if c.grants.has(GrantCancelOrder) {
		_ = h.Set("cancelOrder", func(call goja.FunctionCall) goja.Value {
			inst, err := c.instrument(call.Argument(0), call.Argument(1), goja.Undefined())
			if err != nil {
				return c.rejected(err)
			}
			orderID := argString(call.Argument(2))
			return c.async(GrantCancelOrder, func(ctx context.Context) (any, error) {
				return c.host.CancelOrder(ctx, inst, orderID)
			})
		})
	}
	if c.grants.has(GrantSubscribe) {
		_ = h.Set("subscribe", func(call goja.FunctionCall) goja.Value {
			inst, err := c.instrument(call.Argument(0), call.Argument(1), goja.Undefined())
			if err != nil {
				return c.rejected(err)
			}
			channel := strings.ToLower(argString(call.Argument(2)))
			return c.async(GrantSubscribe, func(ctx context.Context) (any, error) {
				return nil, c.subscribe(ctx, inst, channel)
			})
		})
	}
	return h
}

func (c *scriptContext) instrument(exchange, symbol, market goja.Value) (schema.Instrument, error) {
	ex := argString(exchange)
	inst, err := schema.ParseInstrument(ex, argString(symbol))
	if err != nil {
		return schema.Instrument{}, errs.New(ex, errs.CodeInvalid, errs.WithMessage(err.Error()))
	}
	if m := argString(market); m != "" {
		inst = inst.WithMarket(schema.Market(strings.ToLower(m)))
	}
	if !c.grants.allowsExchange(inst.Exchange) {
		return schema.Instrument{}, c.denied("exchange " + inst.Exchange)
	}
	return inst, nil
}

func argString(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return strings.TrimSpace(v.String())
}

type scriptOrder struct {
	Exchange      string          `json:"exchange"`
	Symbol        string          `json:"symbol"`
	Market        string          `json:"market"`
	Side          string          `json:"side"`
	Type          string          `json:"type"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	QuoteAmount   decimal.Decimal `json:"quoteAmount"`
	ClientOrderID string          `json:"clientOrderId"`
}

func (c *scriptContext) orderRequest(v goja.Value) (schema.OrderRequest, error) {
	raw, err := json.Marshal(v.Export())
	if err != nil {
		return schema.OrderRequest{}, errs.New("", errs.CodeInvalid, errs.WithMessage("order must be an object"), errs.WithCause(err))
	}
	var o scriptOrder
	if err := json.Unmarshal(raw, &o); err != nil {
		return schema.OrderRequest{}, errs.New("", errs.CodeInvalid, errs.WithMessage("order fields"), errs.WithCause(err))
	}
	inst, err := c.instrument(c.rt.ToValue(o.Exchange), c.rt.ToValue(o.Symbol), c.rt.ToValue(o.Market))
	if err != nil {
		return schema.OrderRequest{}, err
	}
	orderType := schema.OrderType(strings.ToLower(o.Type))
	if orderType == "" {
		orderType = schema.OrderTypeLimit
	}
	req := schema.OrderRequest{
		Instrument:    inst,
		ClientOrderID: o.ClientOrderID,
		Side:          schema.Side(strings.ToLower(o.Side)),
		Type:          orderType,
		Price:         o.Price,
		Quantity:      o.Quantity,
		QuoteAmount:   o.QuoteAmount,
	}
	if err := req.Validate(); err != nil {
		return schema.OrderRequest{}, errs.New(inst.Exchange, errs.CodeInvalid, errs.WithMessage(err.Error()))
	}
	return req, nil
}

// subscribe starts a feed whose items are delivered to onTrade or onBook.
func (c *scriptContext) subscribe(ctx context.Context, inst schema.Instrument, channel string) error {
	switch channel {
	case "trades", "trade":
		handler, ok := c.lookupOnLoop("onTrade")
		if !ok {
			return errs.New(inst.Exchange, errs.CodeInvalid, errs.WithMessage("onTrade export required"))
		}
		feed, err := c.host.WatchTrades(ctx, inst)
		if err != nil {
			return err
		}
		c.wg.Go(func() {
			defer feed.Close()
			for {
				t, err := feed.Next(c.ctx)
				if err != nil {
					return
				}
				c.deliver(handler, t)
			}
		})
	case "orderbook", "book", "":
		handler, ok := c.lookupOnLoop("onBook")
		if !ok {
			return errs.New(inst.Exchange, errs.CodeInvalid, errs.WithMessage("onBook export required"))
		}
		feed, err := c.host.WatchBook(ctx, inst)
		if err != nil {
			return err
		}
		c.wg.Go(func() {
			defer feed.Close()
			for {
				b, err := feed.Next(c.ctx)
				if err != nil {
					return
				}
				c.deliver(handler, b)
			}
		})
	default:
		return errs.New(inst.Exchange, errs.CodeInvalid, errs.WithMessage("unknown channel "+channel))
	}
	return nil
}

// lookupOnLoop resolves an export from a non-loop goroutine.
func (c *scriptContext) lookupOnLoop(name string) (goja.Callable, bool) {
	type found struct {
		fn goja.Callable
		ok bool
	}
	res := make(chan found, 1)
	if !c.enqueue(func() {
		fn, ok := c.export(name)
		res <- found{fn, ok}
	}) {
		return nil, false
	}
	select {
	case r := <-res:
		return r.fn, r.ok
	case <-c.ctx.Done():
		return nil, false
	}
}

func (c *scriptContext) deliver(handler goja.Callable, item any) {
	shaped, err := toJSON(item)
	if err != nil {
		return
	}
	c.enqueue(func() { c.call(handler, c.rt.ToValue(shaped)) })
}

// toJSON normalizes Go values into plain maps, slices and strings.
func toJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func joinArgs(args []goja.Value) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, " ")
}
