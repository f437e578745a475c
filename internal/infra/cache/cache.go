// Package cache is the shared time-to-live store for REST query results.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/coachpo/venuekit/internal/infra/telemetry"
	"github.com/coachpo/venuekit/internal/observability"
)

// Key scopes a cached value to one exchange, instrument and operation.
type Key struct {
	Exchange   string
	Instrument string
	Operation  string
}

func (k Key) String() string {
	return k.prefix() + k.Operation
}

func (k Key) prefix() string {
	return instrumentPrefix(k.Exchange, k.Instrument)
}

func instrumentPrefix(exchange, instrument string) string {
	return strings.ToLower(exchange) + "|" + strings.ToUpper(instrument) + "|"
}

// Options configures a Cache.
type Options struct {
	Store         Store
	SweepInterval time.Duration
	Clock         func() time.Time
}

const defaultSweepInterval = 30 * time.Second

// Cache deduplicates concurrent fetches per key and expires entries by TTL.
type Cache struct {
	store Store
	group singleflight.Group
	clock func() time.Time

	// generations are bumped on invalidation so an in-flight fetch that started
	// before the invalidation does not repopulate the entry.
	genMu sync.Mutex
	gens  map[string]uint64

	cancel context.CancelFunc
	wg     conc.WaitGroup
	once   sync.Once

	hits          metric.Int64Counter
	misses        metric.Int64Counter
	invalidations metric.Int64Counter
	sweeps        metric.Int64Counter
}

// New constructs a cache and starts its expiry sweep.
func New(opts Options) *Cache {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		store:  opts.Store,
		clock:  opts.Clock,
		gens:   make(map[string]uint64),
		cancel: cancel,
	}
	meter := otel.Meter("cache")
	c.hits, _ = meter.Int64Counter("cache.hits",
		metric.WithDescription("Cache lookups served from a live entry"),
		metric.WithUnit("{lookup}"))
	c.misses, _ = meter.Int64Counter("cache.misses",
		metric.WithDescription("Cache lookups that invoked the fetch function"),
		metric.WithUnit("{lookup}"))
	c.invalidations, _ = meter.Int64Counter("cache.invalidations",
		metric.WithDescription("Explicit cache invalidations"),
		metric.WithUnit("{entry}"))
	c.sweeps, _ = meter.Int64Counter("cache.swept",
		metric.WithDescription("Entries removed by the expiry sweep"),
		metric.WithUnit("{entry}"))

	c.wg.Go(func() { c.sweepLoop(ctx, opts.SweepInterval) })
	return c
}

// GetOrFetch returns the live cached value for key or invokes fetch once,
// stores the result for ttl and returns it. Concurrent callers for the same key
// share one fetch. A nil cache or non-positive ttl always fetches.
func GetOrFetch[T any](ctx context.Context, c *Cache, key Key, ttl time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	var zero T
	if c == nil || ttl <= 0 {
		return fetch(ctx)
	}
	if raw, ok := c.lookup(ctx, key); ok {
		var out T
		if err := json.Unmarshal(raw, &out); err == nil {
			c.hits.Add(ctx, 1, metric.WithAttributes(telemetry.OperationAttributes(key.Exchange, key.Operation, "hit")...))
			return out, nil
		}
	}

	for attempt := 0; attempt < 2; attempt++ {
		ch := c.group.DoChan(key.String(), func() (any, error) {
			if raw, ok := c.lookup(ctx, key); ok {
				return raw, nil
			}
			c.misses.Add(ctx, 1, metric.WithAttributes(telemetry.OperationAttributes(key.Exchange, key.Operation, "miss")...))
			gen := c.generation(key)
			val, err := fetch(ctx)
			if err != nil {
				return nil, err
			}
			raw, err := json.Marshal(val)
			if err != nil {
				return nil, fmt.Errorf("cache encode %s: %w", key, err)
			}
			c.storeIfCurrent(ctx, key, gen, Entry{Value: raw, InsertedAt: c.clock(), TTL: ttl})
			return raw, nil
		})

		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
		if res.Err != nil {
			// The shared fetch ran under another caller's context; retry once under ours.
			if res.Shared && errors.Is(res.Err, context.Canceled) && ctx.Err() == nil {
				continue
			}
			return zero, res.Err
		}
		var out T
		if err := json.Unmarshal(res.Val.([]byte), &out); err != nil {
			return zero, fmt.Errorf("cache decode %s: %w", key, err)
		}
		return out, nil
	}
	return fetch(ctx)
}

func (c *Cache) lookup(ctx context.Context, key Key) ([]byte, bool) {
	entry, ok, err := c.store.Get(ctx, key.String())
	if err != nil {
		observability.Log().Error("cache get failed", observability.Field{Key: "key", Value: key.String()}, observability.Err(err))
		return nil, false
	}
	if !ok || entry.Expired(c.clock()) {
		return nil, false
	}
	return entry.Value, true
}

func (c *Cache) generation(key Key) uint64 {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	return c.gens[key.String()] + c.gens[key.prefix()]
}

func (c *Cache) storeIfCurrent(ctx context.Context, key Key, gen uint64, entry Entry) {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	if c.gens[key.String()]+c.gens[key.prefix()] != gen {
		return
	}
	if err := c.store.Set(ctx, key.String(), entry); err != nil {
		observability.Log().Error("cache set failed", observability.Field{Key: "key", Value: key.String()}, observability.Err(err))
	}
}

// Invalidate drops a single key.
func (c *Cache) Invalidate(ctx context.Context, key Key) error {
	if c == nil {
		return nil
	}
	c.genMu.Lock()
	c.gens[key.String()]++
	c.genMu.Unlock()
	c.invalidations.Add(ctx, 1, metric.WithAttributes(telemetry.OperationAttributes(key.Exchange, key.Operation, "")...))
	return c.store.Delete(ctx, key.String())
}

// InvalidateInstrument drops every operation cached for exchange and instrument.
func (c *Cache) InvalidateInstrument(ctx context.Context, exchange, instrument string) error {
	if c == nil {
		return nil
	}
	prefix := instrumentPrefix(exchange, instrument)
	c.genMu.Lock()
	c.gens[prefix]++
	c.genMu.Unlock()
	n, err := c.store.DeletePrefix(ctx, prefix)
	c.invalidations.Add(ctx, int64(n), metric.WithAttributes(telemetry.OperationAttributes(exchange, "*", "")...))
	return err
}

// Sweep removes expired entries immediately.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	n, err := c.store.Sweep(ctx, c.clock())
	if n > 0 {
		c.sweeps.Add(ctx, int64(n))
	}
	return n, err
}

func (c *Cache) sweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				observability.Log().Error("cache sweep failed", observability.Err(err))
			}
		}
	}
}

// Close stops the sweep loop and closes the store.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	var err error
	c.once.Do(func() {
		c.cancel()
		c.wg.Wait()
		err = c.store.Close()
	})
	return err
}
