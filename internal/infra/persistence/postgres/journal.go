package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coachpo/venuekit/internal/domain/schema"
)

// Event distinguishes journal rows.
type Event string

const (
	EventAck    Event = "ack"
	EventCancel Event = "cancel"
)

// Entry is one journal row.
type Entry struct {
	ID               uuid.UUID
	Exchange         string
	Instrument       string
	Market           schema.Market
	OrderID          string
	ClientOrderID    string
	Event            Event
	Side             schema.Side
	Type             schema.OrderType
	Price            decimal.Decimal
	Quantity         decimal.Decimal
	QuoteAmount      decimal.Decimal
	State            schema.OrderState
	ExecutedQuantity decimal.Decimal
	RecordedAt       time.Time
}

// OrderQuery filters Orders. Zero fields match everything.
type OrderQuery struct {
	Exchange   string
	Instrument string
	OrderID    string
	Limit      int
}

// Journal is an append-only audit trail of order acknowledgements and cancels.
// Recording the same (exchange, order, event) twice keeps the first row.
type Journal struct {
	pool  *pgxpool.Pool
	clock func() time.Time
}

// NewJournal constructs a Journal backed by pool.
func NewJournal(pool *pgxpool.Pool) *Journal {
	return &Journal{pool: pool, clock: time.Now}
}

const (
	journalInsertSQL = `
INSERT INTO order_journal (
    id,
    exchange,
    instrument,
    market,
    order_id,
    client_order_id,
    event,
    side,
    order_type,
    price,
    quantity,
    quote_amount,
    state,
    executed_quantity,
    recorded_at
)
VALUES (
    @id,
    @exchange,
    @instrument,
    @market,
    @order_id,
    @client_order_id,
    @event,
    @side,
    @order_type,
    @price::numeric,
    @quantity::numeric,
    @quote_amount::numeric,
    @state,
    @executed_quantity::numeric,
    @recorded_at
)
ON CONFLICT (exchange, order_id, event) DO NOTHING;
`

	journalSelectBase = `
SELECT
    id::text,
    exchange,
    instrument,
    market,
    order_id,
    client_order_id,
    event,
    side,
    order_type,
    COALESCE(price::text, '0'),
    COALESCE(quantity::text, '0'),
    COALESCE(quote_amount::text, '0'),
    state,
    executed_quantity::text,
    recorded_at
FROM order_journal
`

	defaultOrderLimit = 50
	maxOrderLimit     = 500
)

func (j *Journal) ensurePool() (*pgxpool.Pool, error) {
	if j == nil || j.pool == nil {
		return nil, fmt.Errorf("order journal: nil pool")
	}
	return j.pool, nil
}

// RecordAck stores a placement acknowledgement with the request that produced it.
func (j *Journal) RecordAck(ctx context.Context, req schema.OrderRequest, ack schema.OrderAck) error {
	pool, err := j.ensurePool()
	if err != nil {
		return err
	}
	if strings.TrimSpace(ack.OrderID) == "" {
		return fmt.Errorf("order journal: order id required")
	}
	inst := ack.Instrument
	if inst.Exchange == "" {
		inst = req.Instrument
	}
	args := pgx.NamedArgs{
		"id":                uuid.NewString(),
		"exchange":          inst.Exchange,
		"instrument":        inst.Symbol(),
		"market":            marketOf(inst),
		"order_id":          ack.OrderID,
		"client_order_id":   firstNonEmpty(ack.ClientOrderID, req.ClientOrderID),
		"event":             string(EventAck),
		"side":              string(req.Side),
		"order_type":        string(req.Type),
		"price":             nullableDecimal(req.Price),
		"quantity":          nullableDecimal(req.Quantity),
		"quote_amount":      nullableDecimal(req.QuoteAmount),
		"state":             string(ack.State),
		"executed_quantity": ack.ExecutedQuantity.String(),
		"recorded_at":       j.stamp(ack.Timestamp),
	}
	if _, err := pool.Exec(ctx, journalInsertSQL, args); err != nil {
		return fmt.Errorf("order journal: insert ack: %w", err)
	}
	return nil
}

// RecordCancel stores a cancel acknowledgement.
func (j *Journal) RecordCancel(ctx context.Context, ack schema.CancelAck) error {
	pool, err := j.ensurePool()
	if err != nil {
		return err
	}
	if strings.TrimSpace(ack.OrderID) == "" {
		return fmt.Errorf("order journal: order id required")
	}
	args := pgx.NamedArgs{
		"id":                uuid.NewString(),
		"exchange":          ack.Instrument.Exchange,
		"instrument":        ack.Instrument.Symbol(),
		"market":            marketOf(ack.Instrument),
		"order_id":          ack.OrderID,
		"client_order_id":   "",
		"event":             string(EventCancel),
		"side":              "",
		"order_type":        "",
		"price":             nil,
		"quantity":          nil,
		"quote_amount":      nil,
		"state":             string(ack.State),
		"executed_quantity": ack.ExecutedQuantity.String(),
		"recorded_at":       j.stamp(time.Time{}),
	}
	if _, err := pool.Exec(ctx, journalInsertSQL, args); err != nil {
		return fmt.Errorf("order journal: insert cancel: %w", err)
	}
	return nil
}

// Orders returns journal rows newest first.
func (j *Journal) Orders(ctx context.Context, q OrderQuery) ([]Entry, error) {
	pool, err := j.ensurePool()
	if err != nil {
		return nil, err
	}
	var (
		clauses []string
		args    = pgx.NamedArgs{}
	)
	if v := strings.ToLower(strings.TrimSpace(q.Exchange)); v != "" {
		clauses = append(clauses, "exchange = @exchange")
		args["exchange"] = v
	}
	if v := strings.ToUpper(strings.TrimSpace(q.Instrument)); v != "" {
		clauses = append(clauses, "instrument = @instrument")
		args["instrument"] = v
	}
	if v := strings.TrimSpace(q.OrderID); v != "" {
		clauses = append(clauses, "order_id = @order_id")
		args["order_id"] = v
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultOrderLimit
	}
	if limit > maxOrderLimit {
		limit = maxOrderLimit
	}
	args["limit"] = limit

	query := journalSelectBase
	if len(clauses) > 0 {
		query += "WHERE " + strings.Join(clauses, " AND ") + "\n"
	}
	query += "ORDER BY recorded_at DESC, event DESC\nLIMIT @limit"

	rows, err := pool.Query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("order journal: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                               Entry
			id                              string
			market, event, side, typ, state string
			price, qty, quote, executed     string
		)
		if err := rows.Scan(&id, &e.Exchange, &e.Instrument, &market, &e.OrderID, &e.ClientOrderID,
			&event, &side, &typ, &price, &qty, &quote, &state, &executed, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("order journal: scan: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("order journal: parse id %q: %w", id, err)
		}
		e.Market = schema.Market(market)
		e.Event = Event(event)
		e.Side = schema.Side(side)
		e.Type = schema.OrderType(typ)
		e.State = schema.OrderState(state)
		for dst, raw := range map[*decimal.Decimal]string{&e.Price: price, &e.Quantity: qty, &e.QuoteAmount: quote, &e.ExecutedQuantity: executed} {
			d, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("order journal: parse numeric %q: %w", raw, err)
			}
			*dst = d
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order journal: rows: %w", err)
	}
	return out, nil
}

func (j *Journal) stamp(t time.Time) time.Time {
	if t.IsZero() {
		t = j.clock()
	}
	return t.UTC()
}

func marketOf(inst schema.Instrument) string {
	if inst.Market == "" {
		return string(schema.MarketSpot)
	}
	return string(inst.Market)
}

func nullableDecimal(d decimal.Decimal) any {
	if d.IsZero() {
		return nil
	}
	return d.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
