package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/venuekit/internal/domain/schema"
	"github.com/coachpo/venuekit/internal/infra/persistence/migrations"
)

func TestJournalNilPool(t *testing.T) {
	j := NewJournal(nil)
	ctx := context.Background()
	inst := schema.NewInstrument("binance", "BTC", "USDT")

	require.Error(t, j.RecordAck(ctx, schema.OrderRequest{Instrument: inst}, schema.OrderAck{OrderID: "1"}))
	require.Error(t, j.RecordCancel(ctx, schema.CancelAck{OrderID: "1", Instrument: inst}))
	_, err := j.Orders(ctx, OrderQuery{})
	require.Error(t, err)
}

func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration test skipped in short mode")
	}
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "venuekit"},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://postgres:secret@%s:%s/venuekit?sslmode=disable", host, port.Port())
}

func TestJournalRoundTrip(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	require.NoError(t, migrations.Apply(ctx, dsn, ""))
	require.NoError(t, migrations.Apply(ctx, dsn, ""), "second apply is a no-op")

	pool, err := NewPool(ctx, PoolConfig{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	j := NewJournal(pool)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	j.clock = func() time.Time { return base.Add(time.Second) }

	inst := schema.NewInstrument("binance", "BTC", "USDT")
	req := schema.OrderRequest{
		Instrument:    inst,
		ClientOrderID: "cli-1",
		Side:          schema.SideBuy,
		Type:          schema.OrderTypeLimit,
		Price:         decimal.RequireFromString("42000.5"),
		Quantity:      decimal.RequireFromString("0.01"),
	}
	ack := schema.OrderAck{
		Exchange:         "binance",
		OrderID:          "9001",
		Instrument:       inst,
		State:            schema.OrderStateOpen,
		ExecutedQuantity: decimal.Zero,
		Timestamp:        base,
	}
	require.NoError(t, j.RecordAck(ctx, req, ack))
	require.NoError(t, j.RecordAck(ctx, req, ack), "duplicate ack keeps the first row")
	require.NoError(t, j.RecordCancel(ctx, schema.CancelAck{
		Exchange:         "binance",
		OrderID:          "9001",
		Instrument:       inst,
		State:            schema.OrderStateClosed,
		ExecutedQuantity: decimal.RequireFromString("0.004"),
	}))

	entries, err := j.Orders(ctx, OrderQuery{Exchange: "BINANCE", Instrument: "btc-usdt"})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	cancel, placed := entries[0], entries[1]
	require.Equal(t, EventCancel, cancel.Event)
	require.True(t, decimal.RequireFromString("0.004").Equal(cancel.ExecutedQuantity))
	require.Equal(t, EventAck, placed.Event)
	require.Equal(t, "cli-1", placed.ClientOrderID)
	require.Equal(t, schema.MarketSpot, placed.Market)
	require.True(t, decimal.RequireFromString("42000.5").Equal(placed.Price))
	require.True(t, placed.QuoteAmount.IsZero())
	require.True(t, base.Equal(placed.RecordedAt))

	none, err := j.Orders(ctx, OrderQuery{OrderID: "missing"})
	require.NoError(t, err)
	require.Empty(t, none)
}
