//go:build !js

package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("redis integration test skipped in short mode")
	}
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, port.Port())
}

func TestRedisStoreSharesEntriesAcrossCaches(t *testing.T) {
	addr := startRedis(t)
	ctx := context.Background()

	newCache := func() *Cache {
		store, err := NewRedisStore(ctx, RedisConfig{Addr: addr, Namespace: "test:"})
		require.NoError(t, err)
		c := New(Options{Store: store})
		t.Cleanup(func() { _ = c.Close() })
		return c
	}
	first, second := newCache(), newCache()

	var calls atomic.Int32
	fetch := func(context.Context) (int32, error) { return calls.Add(1), nil }

	v1, err := GetOrFetch(ctx, first, bookKey, time.Minute, fetch)
	require.NoError(t, err)
	v2, err := GetOrFetch(ctx, second, bookKey, time.Minute, fetch)
	require.NoError(t, err)
	require.Equal(t, v1, v2)
	require.EqualValues(t, 1, calls.Load())

	require.NoError(t, second.InvalidateInstrument(ctx, "binance", "BTC-USDT"))
	_, err = GetOrFetch(ctx, first, bookKey, time.Minute, fetch)
	require.NoError(t, err)
	require.EqualValues(t, 2, calls.Load())
}

func TestMatchPrefixEscapesGlobSyntax(t *testing.T) {
	cases := map[string]string{
		"venuekit:cache:binance|BTC-USDT|": `venuekit:cache:binance|BTC-USDT|*`,
		"ns:*account*|":                    `ns:\*account\*|*`,
		`a?b[c]d\e`:                        `a\?b\[c\]d\\e*`,
		"":                                 "*",
	}
	for prefix, want := range cases {
		require.Equal(t, want, matchPrefix(prefix), prefix)
	}
}

func TestRedisDeletePrefixIsLiteral(t *testing.T) {
	addr := startRedis(t)
	ctx := context.Background()
	store, err := NewRedisStore(ctx, RedisConfig{Addr: addr, Namespace: "literal:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	entry := Entry{Value: []byte(`1`), InsertedAt: time.Now(), TTL: time.Minute}
	require.NoError(t, store.Set(ctx, "okx|*account*|balances", entry))
	require.NoError(t, store.Set(ctx, "okx|my-account-x|balances", entry))

	n, err := store.DeletePrefix(ctx, "okx|*account*|")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, ok, err := store.Get(ctx, "okx|my-account-x|balances")
	require.NoError(t, err)
	require.True(t, ok)
}
