// Package fake provides a deterministic in-memory venue for tests and demos.
package fake

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/venuekit/errs"
	"github.com/coachpo/venuekit/internal/domain/schema"
)

const maxRecentTrades = 200

type restingOrder struct {
	id          string
	clientID    string
	inst        schema.Instrument
	side        schema.Side
	price       decimal.Decimal
	remaining   decimal.Decimal
	executed    decimal.Decimal
	state       schema.OrderState
	createdAt   time.Time
	restsOnBook bool
}

type symbolState struct {
	inst     schema.Instrument
	bids     []schema.PriceLevel
	asks     []schema.PriceLevel
	sequence uint64
	trades   []schema.Trade
	leverage int
}

// Venue is a single-process order book and account. Market orders and
// crossing limit orders consume resting liquidity level by level; the rest of
// a limit order joins the book.
type Venue struct {
	mu       sync.Mutex
	clock    func() time.Time
	symbols  map[string]*symbolState
	orders   map[string]*restingOrder
	balances map[string]schema.Balance
	nextID   uint64
	failNext []error
}

// NewVenue constructs an empty venue. A nil clock uses time.Now.
func NewVenue(clock func() time.Time) *Venue {
	if clock == nil {
		clock = time.Now
	}
	return &Venue{
		clock:    clock,
		symbols:  make(map[string]*symbolState),
		orders:   make(map[string]*restingOrder),
		balances: make(map[string]schema.Balance),
	}
}

func symbolKey(inst schema.Instrument) string {
	return inst.Symbol() + "@" + string(inst.Market)
}

func (v *Venue) state(inst schema.Instrument) *symbolState {
	key := symbolKey(inst)
	s, ok := v.symbols[key]
	if !ok {
		s = &symbolState{inst: inst}
		v.symbols[key] = s
	}
	return s
}

// SetBook replaces the book for book.Instrument.
func (v *Venue) SetBook(book schema.OrderBook) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s := v.state(book.Instrument)
	s.bids = append([]schema.PriceLevel(nil), book.Bids...)
	s.asks = append([]schema.PriceLevel(nil), book.Asks...)
	sortLevels(s.bids, true)
	sortLevels(s.asks, false)
	s.sequence = book.Sequence
}

// SetBalance sets the available amount of asset.
func (v *Venue) SetBalance(asset string, available decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	b := v.balances[asset]
	b.Asset = asset
	b.Available = available
	v.balances[asset] = b
}

// FailNext makes the next venue calls return the given errors, in order.
func (v *Venue) FailNext(errList ...error) {
	v.mu.Lock()
	v.failNext = append(v.failNext, errList...)
	v.mu.Unlock()
}

func (v *Venue) injected() error {
	if len(v.failNext) == 0 {
		return nil
	}
	err := v.failNext[0]
	v.failNext = v.failNext[1:]
	return err
}

// Book returns the current book.
func (v *Venue) Book(inst schema.Instrument) (schema.OrderBook, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.injected(); err != nil {
		return schema.OrderBook{}, err
	}
	s := v.state(inst)
	return schema.OrderBook{
		Instrument: inst,
		Bids:       append([]schema.PriceLevel(nil), s.bids...),
		Asks:       append([]schema.PriceLevel(nil), s.asks...),
		Sequence:   s.sequence,
		UpdatedAt:  v.clock().UTC(),
	}, nil
}

// Trades returns the most recent executions, newest last.
func (v *Venue) Trades(inst schema.Instrument) ([]schema.Trade, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.injected(); err != nil {
		return nil, err
	}
	return append([]schema.Trade(nil), v.state(inst).trades...), nil
}

// Balances lists account balances sorted by asset.
func (v *Venue) Balances() ([]schema.Balance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.injected(); err != nil {
		return nil, err
	}
	out := make([]schema.Balance, 0, len(v.balances))
	for _, b := range v.balances {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

// Place executes req against the book.
func (v *Venue) Place(req schema.OrderRequest) (schema.OrderAck, error) {
	if err := req.Validate(); err != nil {
		return schema.OrderAck{}, errs.New(Name, errs.CodeInvalid, errs.WithMessage(err.Error()))
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.injected(); err != nil {
		return schema.OrderAck{}, err
	}

	now := v.clock().UTC()
	s := v.state(req.Instrument)
	v.nextID++
	ord := &restingOrder{
		id:        strconv.FormatUint(v.nextID, 10),
		clientID:  req.ClientOrderID,
		inst:      req.Instrument,
		side:      req.Side,
		price:     req.Price,
		remaining: req.Quantity,
		state:     schema.OrderStateOpen,
		createdAt: now,
	}

	limit := decimal.Zero
	if req.Type == schema.OrderTypeLimit {
		limit = req.Price
	}
	var filled, notional decimal.Decimal
	if req.Type == schema.OrderTypeMarket && req.Quantity.Sign() <= 0 {
		filled, notional = v.consumeQuote(s, req.Side, req.QuoteAmount, now, ord.id)
		ord.remaining = decimal.Zero
	} else {
		filled, notional = v.consume(s, req.Side, req.Quantity, limit, now, ord.id)
		ord.remaining = req.Quantity.Sub(filled)
	}
	ord.executed = filled
	v.settle(req.Instrument, req.Side, filled, notional)

	switch {
	case req.Type == schema.OrderTypeMarket:
		if filled.IsZero() {
			ord.state = schema.OrderStateRejected
		} else {
			ord.state = schema.OrderStateClosed
		}
		ord.remaining = decimal.Zero
	case ord.remaining.Sign() > 0:
		ord.restsOnBook = true
		v.rest(s, ord)
	default:
		ord.state = schema.OrderStateClosed
	}
	v.orders[ord.id] = ord

	ack := schema.OrderAck{
		Exchange:         Name,
		OrderID:          ord.id,
		ClientOrderID:    ord.clientID,
		Instrument:       req.Instrument,
		State:            ord.state,
		ExecutedQuantity: filled,
		Timestamp:        now,
	}
	if ord.state == schema.OrderStateRejected {
		return ack, errs.New(Name, errs.CodeRejected, errs.WithMessage("no liquidity"))
	}
	return ack, nil
}

// Cancel removes the unfilled remainder of an open order.
func (v *Venue) Cancel(inst schema.Instrument, id string) (schema.CancelAck, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.injected(); err != nil {
		return schema.CancelAck{}, err
	}
	ord, ok := v.orders[id]
	if !ok || symbolKey(ord.inst) != symbolKey(inst) {
		return schema.CancelAck{}, errs.New(Name, errs.CodeNotFound, errs.WithCanonicalCode(errs.CanonicalOrderNotFound))
	}
	if ord.state == schema.OrderStateOpen && ord.restsOnBook {
		v.unrest(v.state(inst), ord)
	}
	ord.state = schema.OrderStateClosed
	ord.remaining = decimal.Zero
	return schema.CancelAck{
		Exchange:         Name,
		OrderID:          id,
		Instrument:       inst,
		State:            ord.state,
		ExecutedQuantity: ord.executed,
	}, nil
}

// Status reports an order's state.
func (v *Venue) Status(id string) (schema.OrderStatus, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.injected(); err != nil {
		return schema.OrderStatus{}, err
	}
	ord, ok := v.orders[id]
	if !ok {
		return schema.OrderStatus{}, errs.New(Name, errs.CodeNotFound, errs.WithCanonicalCode(errs.CanonicalOrderNotFound))
	}
	return schema.OrderStatus{OrderID: id, State: ord.state, ExecutedQuantity: ord.executed}, nil
}

// consume takes up to quantity from the opposite side, honouring limit when non-zero.
func (v *Venue) consume(s *symbolState, side schema.Side, quantity, limit decimal.Decimal, ts time.Time, orderID string) (decimal.Decimal, decimal.Decimal) {
	levels := &s.asks
	if side == schema.SideSell {
		levels = &s.bids
	}
	filled, notional := decimal.Zero, decimal.Zero
	for len(*levels) > 0 && filled.LessThan(quantity) {
		lvl := &(*levels)[0]
		if !limit.IsZero() {
			if side == schema.SideBuy && lvl.Price.GreaterThan(limit) {
				break
			}
			if side == schema.SideSell && lvl.Price.LessThan(limit) {
				break
			}
		}
		take := decimal.Min(quantity.Sub(filled), lvl.Quantity)
		v.execute(s, side, lvl.Price, take, ts, orderID)
		filled = filled.Add(take)
		notional = notional.Add(take.Mul(lvl.Price))
		lvl.Quantity = lvl.Quantity.Sub(take)
		if lvl.Quantity.Sign() <= 0 {
			*levels = (*levels)[1:]
		}
	}
	return filled, notional
}

// consumeQuote spends amount of quote currency walking the asks or bids.
func (v *Venue) consumeQuote(s *symbolState, side schema.Side, amount decimal.Decimal, ts time.Time, orderID string) (decimal.Decimal, decimal.Decimal) {
	levels := &s.asks
	if side == schema.SideSell {
		levels = &s.bids
	}
	filled, spent := decimal.Zero, decimal.Zero
	for len(*levels) > 0 && spent.LessThan(amount) {
		lvl := &(*levels)[0]
		budget := amount.Sub(spent)
		take := decimal.Min(lvl.Quantity, budget.DivRound(lvl.Price, 8))
		if take.Sign() <= 0 {
			break
		}
		v.execute(s, side, lvl.Price, take, ts, orderID)
		filled = filled.Add(take)
		spent = spent.Add(take.Mul(lvl.Price))
		lvl.Quantity = lvl.Quantity.Sub(take)
		if lvl.Quantity.Sign() <= 0 {
			*levels = (*levels)[1:]
		}
	}
	return filled, spent
}

func (v *Venue) execute(s *symbolState, side schema.Side, price, qty decimal.Decimal, ts time.Time, orderID string) {
	s.sequence++
	s.trades = append(s.trades, schema.Trade{
		Instrument: s.inst,
		ID:         orderID + "-" + strconv.FormatUint(s.sequence, 10),
		Price:      price,
		Quantity:   qty,
		Side:       side,
		Timestamp:  ts,
	})
	if len(s.trades) > maxRecentTrades {
		s.trades = s.trades[len(s.trades)-maxRecentTrades:]
	}
}

// settle moves base and quote balances for a fill.
func (v *Venue) settle(inst schema.Instrument, side schema.Side, filled, notional decimal.Decimal) {
	if filled.IsZero() {
		return
	}
	base, quote := v.balances[inst.Base], v.balances[inst.Quote]
	base.Asset, quote.Asset = inst.Base, inst.Quote
	if side == schema.SideBuy {
		base.Available = base.Available.Add(filled)
		quote.Available = quote.Available.Sub(notional)
	} else {
		base.Available = base.Available.Sub(filled)
		quote.Available = quote.Available.Add(notional)
	}
	v.balances[inst.Base], v.balances[inst.Quote] = base, quote
}

func (v *Venue) rest(s *symbolState, ord *restingOrder) {
	s.sequence++
	if ord.side == schema.SideBuy {
		s.bids = addLevel(s.bids, ord.price, ord.remaining, true)
	} else {
		s.asks = addLevel(s.asks, ord.price, ord.remaining, false)
	}
}

func (v *Venue) unrest(s *symbolState, ord *restingOrder) {
	s.sequence++
	if ord.side == schema.SideBuy {
		s.bids = addLevel(s.bids, ord.price, ord.remaining.Neg(), true)
	} else {
		s.asks = addLevel(s.asks, ord.price, ord.remaining.Neg(), false)
	}
}

func addLevel(levels []schema.PriceLevel, price, qty decimal.Decimal, descending bool) []schema.PriceLevel {
	for i := range levels {
		if levels[i].Price.Equal(price) {
			levels[i].Quantity = levels[i].Quantity.Add(qty)
			if levels[i].Quantity.Sign() <= 0 {
				return append(levels[:i], levels[i+1:]...)
			}
			return levels
		}
	}
	if qty.Sign() <= 0 {
		return levels
	}
	levels = append(levels, schema.PriceLevel{Price: price, Quantity: qty})
	sortLevels(levels, descending)
	return levels
}

func sortLevels(levels []schema.PriceLevel, descending bool) {
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
}

// Unavailable builds the retryable error most tests inject through FailNext.
func Unavailable() error {
	return errs.New(Name, errs.CodeUnavailable, errs.WithMessage("venue unavailable"))
}
