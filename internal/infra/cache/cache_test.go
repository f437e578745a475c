package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(t *testing.T) (*Cache, *fakeClock, *MemoryStore) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := NewMemoryStore()
	c := New(Options{Store: store, Clock: clock.Now, SweepInterval: time.Hour})
	t.Cleanup(func() { _ = c.Close() })
	return c, clock, store
}

var bookKey = Key{Exchange: "binance", Instrument: "BTC-USDT", Operation: "orderbook"}

func TestGetOrFetchCallsFetchOnceWithinTTL(t *testing.T) {
	c, clock, _ := newTestCache(t)
	var calls atomic.Int32
	fetch := func(context.Context) (int, error) { return int(calls.Add(1)), nil }

	v1, err := GetOrFetch(context.Background(), c, bookKey, time.Second, fetch)
	require.NoError(t, err)
	clock.Advance(500 * time.Millisecond)
	v2, err := GetOrFetch(context.Background(), c, bookKey, time.Second, fetch)
	require.NoError(t, err)
	require.Equal(t, 1, v1)
	require.Equal(t, 1, v2)
	require.EqualValues(t, 1, calls.Load())

	clock.Advance(600 * time.Millisecond)
	v3, err := GetOrFetch(context.Background(), c, bookKey, time.Second, fetch)
	require.NoError(t, err)
	require.Equal(t, 2, v3)
	require.EqualValues(t, 2, calls.Load())
}

func TestConcurrentMissesShareOneFetch(t *testing.T) {
	c, _, _ := newTestCache(t)
	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "book", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := GetOrFetch(context.Background(), c, bookKey, time.Minute, fetch)
			require.NoError(t, err)
			require.Equal(t, "book", v)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	require.EqualValues(t, 1, calls.Load())
}

func TestFetchErrorsAreNotCached(t *testing.T) {
	c, _, store := newTestCache(t)
	boom := errors.New("boom")
	_, err := GetOrFetch(context.Background(), c, bookKey, time.Minute, func(context.Context) (int, error) { return 0, boom })
	require.ErrorIs(t, err, boom)
	require.Zero(t, store.Len())
}

func TestKeysIncludeExchangeInstrumentAndOperation(t *testing.T) {
	c, _, _ := newTestCache(t)
	other := Key{Exchange: "okx", Instrument: "BTC-USDT", Operation: "orderbook"}
	a, _ := GetOrFetch(context.Background(), c, bookKey, time.Minute, func(context.Context) (string, error) { return "binance", nil })
	b, _ := GetOrFetch(context.Background(), c, other, time.Minute, func(context.Context) (string, error) { return "okx", nil })
	require.Equal(t, "binance", a)
	require.Equal(t, "okx", b)
}

func TestInvalidateInstrumentForcesRefetch(t *testing.T) {
	c, _, _ := newTestCache(t)
	var calls atomic.Int32
	fetch := func(context.Context) (int32, error) { return calls.Add(1), nil }
	trades := bookKey
	trades.Operation = "trades"

	_, _ = GetOrFetch(context.Background(), c, bookKey, time.Minute, fetch)
	_, _ = GetOrFetch(context.Background(), c, trades, time.Minute, fetch)
	require.EqualValues(t, 2, calls.Load())

	require.NoError(t, c.InvalidateInstrument(context.Background(), "binance", "BTC-USDT"))
	_, _ = GetOrFetch(context.Background(), c, bookKey, time.Minute, fetch)
	_, _ = GetOrFetch(context.Background(), c, trades, time.Minute, fetch)
	require.EqualValues(t, 4, calls.Load())

	require.NoError(t, c.Invalidate(context.Background(), bookKey))
	_, _ = GetOrFetch(context.Background(), c, bookKey, time.Minute, fetch)
	require.EqualValues(t, 5, calls.Load())
}

func TestInvalidationDuringFetchDropsResult(t *testing.T) {
	c, _, store := newTestCache(t)
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = GetOrFetch(context.Background(), c, bookKey, time.Minute, func(context.Context) (int, error) {
			close(started)
			<-release
			return 1, nil
		})
	}()
	<-started
	require.NoError(t, c.Invalidate(context.Background(), bookKey))
	close(release)
	<-done
	require.Zero(t, store.Len())
}

func TestSweepRemovesExpired(t *testing.T) {
	c, clock, store := newTestCache(t)
	_, _ = GetOrFetch(context.Background(), c, bookKey, time.Second, func(context.Context) (int, error) { return 1, nil })
	require.Equal(t, 1, store.Len())

	clock.Advance(2 * time.Second)
	n, err := c.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Zero(t, store.Len())
}

func TestReturnedValuesAreCopies(t *testing.T) {
	c, _, _ := newTestCache(t)
	fetch := func(context.Context) ([]string, error) { return []string{"a"}, nil }
	v1, _ := GetOrFetch(context.Background(), c, bookKey, time.Minute, fetch)
	v1[0] = "mutated"
	v2, _ := GetOrFetch(context.Background(), c, bookKey, time.Minute, fetch)
	require.Equal(t, "a", v2[0])
}

func TestNilCacheAlwaysFetches(t *testing.T) {
	var calls int
	for i := 0; i < 2; i++ {
		_, err := GetOrFetch(context.Background(), nil, bookKey, time.Minute, func(context.Context) (int, error) {
			calls++
			return calls, nil
		})
		require.NoError(t, err)
	}
	require.Equal(t, 2, calls)
}
