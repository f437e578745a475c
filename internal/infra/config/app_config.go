// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "VENUEKIT_"

// CacheConfig selects the response cache store.
type CacheConfig struct {
	// Store is "memory" or "redis".
	Store         string        `yaml:"store" toml:"store"`
	SweepInterval time.Duration `yaml:"sweepInterval" toml:"sweep_interval"`
}

// ConnectionConfig tunes streaming sessions.
type ConnectionConfig struct {
	Transport       string        `yaml:"transport" toml:"transport"`
	StaleTimeout    time.Duration `yaml:"staleTimeout" toml:"stale_timeout"`
	BackoffInitial  time.Duration `yaml:"backoffInitial" toml:"backoff_initial"`
	BackoffMax      time.Duration `yaml:"backoffMax" toml:"backoff_max"`
	SnapshotTimeout time.Duration `yaml:"snapshotTimeout" toml:"snapshot_timeout"`
}

// OrderBookConfig tunes the synchronization engine.
type OrderBookConfig struct {
	Depth             int `yaml:"depth" toml:"depth"`
	MaxBuffered       int `yaml:"maxBuffered" toml:"max_buffered"`
	MaxResyncFailures int `yaml:"maxResyncFailures" toml:"max_resync_failures"`
}

// MarketDataConfig sizes the fan-out rings.
type MarketDataConfig struct {
	TradeCapacity int `yaml:"tradeCapacity" toml:"trade_capacity"`
	BookCapacity  int `yaml:"bookCapacity" toml:"book_capacity"`
}

// ScriptConfig overrides sandbox defaults for one script.
type ScriptConfig struct {
	Grants    []string       `yaml:"grants" toml:"grants"`
	Exchanges []string       `yaml:"exchanges" toml:"exchanges"`
	CallRate  float64        `yaml:"callRate" toml:"call_rate"`
	CallBurst int            `yaml:"callBurst" toml:"call_burst"`
	Config    map[string]any `yaml:"config" toml:"config"`
	Disabled  bool           `yaml:"disabled" toml:"disabled"`
}

// SandboxConfig defines where scripts live and what they may do by default.
type SandboxConfig struct {
	Directory        string                  `yaml:"directory" toml:"directory"`
	DefaultGrants    []string                `yaml:"defaultGrants" toml:"default_grants"`
	DefaultExchanges []string                `yaml:"defaultExchanges" toml:"default_exchanges"`
	CallRate         float64                 `yaml:"callRate" toml:"call_rate"`
	CallBurst        int                     `yaml:"callBurst" toml:"call_burst"`
	Scripts          map[string]ScriptConfig `yaml:"scripts" toml:"scripts"`
}

// JournalConfig controls the optional PostgreSQL order journal.
type JournalConfig struct {
	DSN               string        `yaml:"dsn" toml:"dsn"`
	MaxConns          int32         `yaml:"maxConns" toml:"max_conns"`
	MinConns          int32         `yaml:"minConns" toml:"min_conns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime" toml:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime" toml:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod" toml:"health_check_period"`
	RunMigrations     bool          `yaml:"runMigrations" toml:"run_migrations"`
}

// Enabled reports whether a DSN is configured.
func (c JournalConfig) Enabled() bool { return c.DSN != "" }

func (c *JournalConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

// RedisConfig configures the shared cache store.
type RedisConfig struct {
	Addr       string `yaml:"addr" toml:"addr"`
	Password   string `yaml:"password" toml:"password"`
	DB         int    `yaml:"db" toml:"db"`
	PoolSize   int    `yaml:"poolSize" toml:"pool_size"`
	TLSEnabled bool   `yaml:"tlsEnabled" toml:"tls_enabled"`
	Namespace  string `yaml:"namespace" toml:"namespace"`
}

// TelemetryConfig configures OTLP exporters.
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint" toml:"otlp_endpoint"`
	ServiceName   string `yaml:"serviceName" toml:"service_name"`
	OTLPInsecure  bool   `yaml:"otlpInsecure" toml:"otlp_insecure"`
	EnableMetrics bool   `yaml:"enableMetrics" toml:"enable_metrics"`
}

// LoggingConfig configures the logrus backend.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Format     string `yaml:"format" toml:"format"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb" toml:"max_size_mb"`
	MaxAgeDays int    `yaml:"maxAgeDays" toml:"max_age_days"`
	MaxBackups int    `yaml:"maxBackups" toml:"max_backups"`
}

// AppConfig is the unified application configuration.
type AppConfig struct {
	Environment Environment               `yaml:"environment" toml:"environment"`
	Exchanges   map[string]ExchangeConfig `yaml:"exchanges" toml:"exchanges"`
	Cache       CacheConfig               `yaml:"cache" toml:"cache"`
	Connection  ConnectionConfig          `yaml:"connection" toml:"connection"`
	OrderBook   OrderBookConfig           `yaml:"orderbook" toml:"orderbook"`
	MarketData  MarketDataConfig          `yaml:"marketdata" toml:"marketdata"`
	Sandbox     SandboxConfig             `yaml:"sandbox" toml:"sandbox"`
	Journal     JournalConfig             `yaml:"journal" toml:"journal"`
	Redis       RedisConfig               `yaml:"redis" toml:"redis"`
	Telemetry   TelemetryConfig           `yaml:"telemetry" toml:"telemetry"`
	Logging     LoggingConfig             `yaml:"logging" toml:"logging"`
}

// Load reads configPath (YAML, or TOML for .toml files), overlays a .env
// file found next to it and VENUEKIT_* variables, then normalises and
// validates the result.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	if err := ctx.Err(); err != nil {
		return AppConfig{}, fmt.Errorf("load config: %w", err)
	}
	path := filepath.Clean(strings.TrimSpace(configPath))

	reader, closer, err := openConfigFile(path)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(raw), &cfg); err != nil {
			return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// loadDotEnv exports variables from path without overriding the process environment.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays VENUEKIT_* variables. Exchange credentials use
// VENUEKIT_<EXCHANGE>_API_KEY, _SECRET and _PASSPHRASE.
func (c *AppConfig) applyEnv() {
	for name, ex := range c.Exchanges {
		prefix := EnvPrefix + envName(name) + "_"
		setStr(&ex.APIKey, prefix+"API_KEY")
		setStr(&ex.Secret, prefix+"SECRET")
		setStr(&ex.Passphrase, prefix+"PASSPHRASE")
		c.Exchanges[name] = ex
	}
	setStr(&c.Journal.DSN, EnvPrefix+"JOURNAL_DSN")
	setStr(&c.Redis.Addr, EnvPrefix+"REDIS_ADDR")
	setStr(&c.Redis.Password, EnvPrefix+"REDIS_PASSWORD")
	setInt(&c.Redis.DB, EnvPrefix+"REDIS_DB")
	setStr(&c.Telemetry.OTLPEndpoint, EnvPrefix+"OTLP_ENDPOINT")
	setStr(&c.Logging.Level, EnvPrefix+"LOG_LEVEL")
}

func setStr(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	normalised := make(map[string]ExchangeConfig, len(c.Exchanges))
	for name, ex := range c.Exchanges {
		key := normalizeExchangeName(name)
		if key == "" {
			return fmt.Errorf("exchange name required")
		}
		if _, exists := normalised[key]; exists {
			return fmt.Errorf("duplicate exchange name %q", key)
		}
		ex.applyDefaults()
		normalised[key] = ex
	}
	c.Exchanges = normalised

	c.Cache.Store = strings.ToLower(strings.TrimSpace(c.Cache.Store))
	if c.Cache.Store == "" {
		c.Cache.Store = "memory"
	}
	if c.Cache.SweepInterval <= 0 {
		c.Cache.SweepInterval = 30 * time.Second
	}

	c.Connection.Transport = strings.ToLower(strings.TrimSpace(c.Connection.Transport))
	if c.Connection.Transport == "" {
		c.Connection.Transport = "coder"
	}
	if c.Connection.StaleTimeout <= 0 {
		c.Connection.StaleTimeout = 30 * time.Second
	}
	if c.Connection.BackoffInitial <= 0 {
		c.Connection.BackoffInitial = 500 * time.Millisecond
	}
	if c.Connection.BackoffMax <= 0 {
		c.Connection.BackoffMax = 30 * time.Second
	}
	if c.Connection.SnapshotTimeout <= 0 {
		c.Connection.SnapshotTimeout = 10 * time.Second
	}

	if c.OrderBook.MaxBuffered <= 0 {
		c.OrderBook.MaxBuffered = 1024
	}
	if c.OrderBook.MaxResyncFailures <= 0 {
		c.OrderBook.MaxResyncFailures = 5
	}
	if c.MarketData.TradeCapacity <= 0 {
		c.MarketData.TradeCapacity = 1024
	}
	if c.MarketData.BookCapacity <= 0 {
		c.MarketData.BookCapacity = 64
	}

	dir := strings.TrimSpace(c.Sandbox.Directory)
	if dir == "" {
		dir = "scripts"
	}
	c.Sandbox.Directory = filepath.Clean(dir)
	if c.Sandbox.CallRate <= 0 {
		c.Sandbox.CallRate = 10
	}
	if c.Sandbox.CallBurst <= 0 {
		c.Sandbox.CallBurst = 20
	}
	scripts := make(map[string]ScriptConfig, len(c.Sandbox.Scripts))
	for name, sc := range c.Sandbox.Scripts {
		scripts[strings.ToLower(strings.TrimSpace(name))] = sc
	}
	c.Sandbox.Scripts = scripts

	c.Journal.applyDefaults()
	c.Redis.Addr = strings.TrimSpace(c.Redis.Addr)
	if c.Redis.PoolSize <= 0 {
		c.Redis.PoolSize = 10
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "venuekit"
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if len(c.EnabledExchanges()) == 0 {
		return fmt.Errorf("at least one enabled exchange required")
	}
	for _, name := range c.ExchangeNames() {
		if err := c.Exchanges[name].validate(); err != nil {
			return fmt.Errorf("exchange %s: %w", name, err)
		}
	}

	switch c.Cache.Store {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr required when cache store is redis")
		}
	default:
		return fmt.Errorf("cache store must be memory or redis")
	}

	switch c.Connection.Transport {
	case "coder", "gorilla":
	default:
		return fmt.Errorf("connection transport must be coder or gorilla")
	}
	if c.Connection.BackoffInitial > c.Connection.BackoffMax {
		return fmt.Errorf("connection backoffInitial must be <= backoffMax")
	}
	if c.OrderBook.Depth < 0 {
		return fmt.Errorf("orderbook depth must be >= 0")
	}

	if c.Journal.MinConns > c.Journal.MaxConns {
		return fmt.Errorf("journal: minConns must be <= maxConns")
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging format must be json or text")
	}
	return nil
}

// ExchangeNames returns every configured exchange sorted by name.
func (c AppConfig) ExchangeNames() []string {
	names := make([]string, 0, len(c.Exchanges))
	for name := range c.Exchanges {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EnabledExchanges returns enabled exchanges sorted by name.
func (c AppConfig) EnabledExchanges() []string {
	names := make([]string, 0, len(c.Exchanges))
	for _, name := range c.ExchangeNames() {
		if c.Exchanges[name].IsEnabled() {
			names = append(names, name)
		}
	}
	return names
}

// Redacted returns a copy safe to print.
func (c AppConfig) Redacted() AppConfig {
	out := c
	out.Exchanges = make(map[string]ExchangeConfig, len(c.Exchanges))
	for name, ex := range c.Exchanges {
		ex.APIKey = redact(ex.APIKey)
		ex.Secret = redact(ex.Secret)
		ex.Passphrase = redact(ex.Passphrase)
		out.Exchanges[name] = ex
	}
	out.Redis.Password = redact(c.Redis.Password)
	out.Journal.DSN = redactDSN(c.Journal.DSN)
	return out
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}

func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	creds := dsn[scheme+3 : at]
	if colon := strings.Index(creds, ":"); colon >= 0 {
		return dsn[:scheme+3] + creds[:colon] + ":****" + dsn[at:]
	}
	return dsn
}

func openConfigFile(path string) (io.Reader, func(), error) {
	file, err := os.Open(path) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
