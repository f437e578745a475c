// Command venuekit loads configuration, connects the configured exchanges and
// runs strategy scripts until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/venuekit/internal/app/connection"
	"github.com/coachpo/venuekit/internal/app/core"
	"github.com/coachpo/venuekit/internal/app/exchange"
	"github.com/coachpo/venuekit/internal/app/marketdata"
	"github.com/coachpo/venuekit/internal/app/orderbook"
	"github.com/coachpo/venuekit/internal/app/sandbox"
	"github.com/coachpo/venuekit/internal/infra/adapters/binance"
	"github.com/coachpo/venuekit/internal/infra/adapters/bithumb"
	"github.com/coachpo/venuekit/internal/infra/adapters/okx"
	"github.com/coachpo/venuekit/internal/infra/adapters/upbit"
	"github.com/coachpo/venuekit/internal/infra/cache"
	"github.com/coachpo/venuekit/internal/infra/config"
	"github.com/coachpo/venuekit/internal/infra/persistence/migrations"
	"github.com/coachpo/venuekit/internal/infra/persistence/postgres"
	"github.com/coachpo/venuekit/internal/infra/signing"
	"github.com/coachpo/venuekit/internal/infra/telemetry"
	"github.com/coachpo/venuekit/internal/infra/transport"
	"github.com/coachpo/venuekit/internal/observability"
	libtelemetry "github.com/coachpo/venuekit/lib/telemetry"
)

const (
	defaultConfigPath         = "config/venuekit.yaml"
	startupTimeout            = 30 * time.Second
	shutdownTimeout           = 30 * time.Second
	sandboxShutdownTimeout    = 10 * time.Second
	telemetryShutdownTimeout  = 5 * time.Second
	lifecycleShutdownTimeout  = 5 * time.Second
	cacheShutdownTimeout      = 2 * time.Second
	connectionShutdownTimeout = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := resolveConfigPath(parseFlags())
	ctx, cancel := newSignalContext()
	defer cancel()

	cfg, err := config.Load(ctx, cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observability.Install(observability.LogrusOptions{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		Component:  "venuekit",
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Close() }()

	logger.Info("configuration loaded",
		observability.Field{Key: "path", Value: cfgPath},
		observability.Field{Key: "environment", Value: string(cfg.Environment)},
		observability.Field{Key: "exchanges", Value: cfg.EnabledExchanges()})

	telemetry.SetEnvironment(string(cfg.Environment))
	_, stopTelemetry, err := libtelemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	startCtx, startCancel := context.WithTimeout(ctx, startupTimeout)
	defer startCancel()

	responseCache, err := buildCache(startCtx, cfg)
	if err != nil {
		return err
	}

	adapters, err := buildAdapters(startCtx, cfg, responseCache)
	if err != nil {
		_ = responseCache.Close()
		return err
	}

	dialer, err := transport.New(transport.Kind(cfg.Connection.Transport), transport.Options{})
	if err != nil {
		_ = responseCache.Close()
		return fmt.Errorf("init transport: %w", err)
	}

	manager := connection.NewManager(connection.Options{
		Adapters: adapters,
		Dialer:   dialer,
		Engine: orderbook.NewEngine(orderbook.Options{
			Depth:             cfg.OrderBook.Depth,
			MaxBuffered:       cfg.OrderBook.MaxBuffered,
			MaxResyncFailures: cfg.OrderBook.MaxResyncFailures,
		}),
		Hub: marketdata.NewHub(marketdata.HubOptions{
			TradeCapacity: cfg.MarketData.TradeCapacity,
			BookCapacity:  cfg.MarketData.BookCapacity,
		}),
		StaleTimeout:    cfg.Connection.StaleTimeout,
		BackoffInitial:  cfg.Connection.BackoffInitial,
		BackoffMax:      cfg.Connection.BackoffMax,
		SnapshotTimeout: cfg.Connection.SnapshotTimeout,
	})

	journal, closeJournal, err := openJournal(startCtx, cfg.Journal)
	if err != nil {
		manager.Close()
		_ = responseCache.Close()
		return err
	}

	opts := core.Options{Adapters: adapters, Manager: manager}
	if journal != nil {
		opts.Journal = journal
	}
	facade, err := core.New(opts)
	if err != nil {
		closeJournal()
		manager.Close()
		_ = responseCache.Close()
		return fmt.Errorf("init core: %w", err)
	}

	sb, err := sandbox.New(sandbox.Options{
		Host:             facade.Host(),
		DefaultCallRate:  cfg.Sandbox.CallRate,
		DefaultCallBurst: cfg.Sandbox.CallBurst,
	})
	if err != nil {
		facade.Close()
		closeJournal()
		_ = responseCache.Close()
		return fmt.Errorf("init sandbox: %w", err)
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() { logFaults(logger, sb.Faults()) })

	loaded, err := loadScripts(startCtx, sb, cfg.Sandbox)
	if err != nil {
		logger.Error("script loading incomplete", observability.Err(err))
	}
	logger.Info("venuekit started; awaiting shutdown signal",
		observability.Field{Key: "scripts", Value: loaded},
		observability.Field{Key: "journal", Value: journal != nil})

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	performGracefulShutdown(shutdownCtx, logger, []shutdownStep{
		{"unloading scripts", sandboxShutdownTimeout, func(context.Context) error { return sb.Close() }},
		{"waiting for fault logger", lifecycleShutdownTimeout, waitFor(&lifecycle)},
		{"closing streams", connectionShutdownTimeout, func(context.Context) error { facade.Close(); return nil }},
		{"closing journal", connectionShutdownTimeout, func(context.Context) error { closeJournal(); return nil }},
		{"closing cache", cacheShutdownTimeout, func(context.Context) error { return responseCache.Close() }},
		{"shutting down telemetry", telemetryShutdownTimeout, stopTelemetry},
	})
	return nil
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv(config.EnvPrefix + "CONFIG")); v != "" {
		return v
	}
	return filepath.Clean(defaultConfigPath)
}

func buildCache(ctx context.Context, cfg config.AppConfig) (*cache.Cache, error) {
	opts := cache.Options{SweepInterval: cfg.Cache.SweepInterval}
	if cfg.Cache.Store == "redis" {
		store, err := cache.NewRedisStore(ctx, cache.RedisConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Namespace:  cfg.Redis.Namespace,
		})
		if err != nil {
			return nil, fmt.Errorf("init cache: %w", err)
		}
		opts.Store = store
	}
	return cache.New(opts), nil
}

func newRegistry() *exchange.Registry {
	registry := exchange.NewRegistry()
	binance.Register(registry)
	okx.Register(registry)
	upbit.Register(registry)
	bithumb.Register(registry)
	return registry
}

func buildAdapters(ctx context.Context, cfg config.AppConfig, responseCache *cache.Cache) (*exchange.Set, error) {
	store, err := signing.NewStore(cfg.Credentials())
	if err != nil {
		return nil, fmt.Errorf("init credentials: %w", err)
	}
	registry := newRegistry()
	client := &http.Client{}

	names := cfg.EnabledExchanges()
	adapters := make([]exchange.Adapter, 0, len(names))
	for _, name := range names {
		adapter, err := registry.Create(ctx, name, exchange.Deps{
			Signer:   store.Signer(name),
			Cache:    responseCache,
			HTTP:     client,
			Settings: cfg.Exchanges[name].Settings(),
		})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}
	return exchange.NewSet(adapters...), nil
}

func openJournal(ctx context.Context, cfg config.JournalConfig) (*postgres.Journal, func(), error) {
	if !cfg.Enabled() {
		return nil, func() {}, nil
	}
	if cfg.RunMigrations {
		if err := migrations.Apply(ctx, cfg.DSN, ""); err != nil {
			return nil, nil, fmt.Errorf("migrate journal: %w", err)
		}
	}
	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:               cfg.DSN,
		MaxConns:          cfg.MaxConns,
		MinConns:          cfg.MinConns,
		MaxConnLifetime:   cfg.MaxConnLifetime,
		MaxConnIdleTime:   cfg.MaxConnIdleTime,
		HealthCheckPeriod: cfg.HealthCheckPeriod,
	})
	if err != nil {
		return nil, nil, err
	}
	return postgres.NewJournal(pool), pool.Close, nil
}

// scriptSpecs pairs compiled sources with their configured grants. Scripts
// without an entry get the sandbox defaults; disabled scripts are skipped.
func scriptSpecs(sources []*sandbox.Source, cfg config.SandboxConfig) []sandbox.ScriptSpec {
	specs := make([]sandbox.ScriptSpec, 0, len(sources))
	for _, src := range sources {
		sc, ok := cfg.Scripts[src.Name]
		if ok && sc.Disabled {
			continue
		}
		functions, exchanges := cfg.DefaultGrants, cfg.DefaultExchanges
		if len(sc.Grants) > 0 {
			functions = sc.Grants
		}
		if len(sc.Exchanges) > 0 {
			exchanges = sc.Exchanges
		}
		specs = append(specs, sandbox.ScriptSpec{
			Name:      src.Name,
			Compiled:  src,
			Grants:    sandbox.ParseGrants(functions, exchanges),
			CallRate:  sc.CallRate,
			CallBurst: sc.CallBurst,
			Config:    sc.Config,
		})
	}
	return specs
}

func loadScripts(ctx context.Context, sb *sandbox.Sandbox, cfg config.SandboxConfig) (int, error) {
	if strings.TrimSpace(cfg.Directory) == "" {
		return 0, nil
	}
	sources, err := sandbox.ReadDir(cfg.Directory)
	if err != nil {
		return 0, err
	}
	var failures []error
	for _, spec := range scriptSpecs(sources, cfg) {
		if _, err := sb.Load(ctx, spec); err != nil {
			failures = append(failures, err)
		}
	}
	return len(sb.Scripts()), observability.AggregateErrors("load scripts", failures)
}

func logFaults(logger observability.Logger, faults <-chan sandbox.Fault) {
	for f := range faults {
		logger.Error("script faulted",
			observability.Field{Key: "script", Value: f.Script},
			observability.Field{Key: "run_id", Value: f.RunID},
			observability.Err(f.Err))
	}
}

type shutdownStep struct {
	name    string
	timeout time.Duration
	fn      func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, logger observability.Logger, steps []shutdownStep) {
	start := time.Now()
	for _, step := range steps {
		stepCtx, cancel := context.WithTimeout(ctx, step.timeout)
		logger.Debug("shutdown: " + step.name)
		if err := step.fn(stepCtx); err != nil {
			logger.Error("shutdown step failed",
				observability.Field{Key: "step", Value: step.name},
				observability.Err(err))
		}
		cancel()
	}
	logger.Info("shutdown completed", observability.Field{Key: "elapsed", Value: time.Since(start).String()})
}

func waitFor(wg *conc.WaitGroup) func(context.Context) error {
	return func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for goroutines: %w", ctx.Err())
		}
	}
}
