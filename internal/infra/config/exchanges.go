package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/coachpo/venuekit/internal/app/exchange"
	"github.com/coachpo/venuekit/internal/infra/signing"
)

// ExchangeConfig configures one venue adapter.
type ExchangeConfig struct {
	Enabled    *bool  `yaml:"enabled" toml:"enabled"`
	APIKey     string `yaml:"apiKey" toml:"api_key"`
	Secret     string `yaml:"secret" toml:"secret"`
	Passphrase string `yaml:"passphrase" toml:"passphrase"`

	RESTBaseURL string `yaml:"restBaseUrl" toml:"rest_base_url"`
	FuturesURL  string `yaml:"futuresUrl" toml:"futures_url"`
	StreamURL   string `yaml:"streamUrl" toml:"stream_url"`

	RequestRate   float64       `yaml:"requestRate" toml:"request_rate"`
	RequestBurst  int           `yaml:"requestBurst" toml:"request_burst"`
	HTTPTimeout   time.Duration `yaml:"httpTimeout" toml:"http_timeout"`
	MaxAttempts   int           `yaml:"maxAttempts" toml:"max_attempts"`
	BookTTL       time.Duration `yaml:"bookTtl" toml:"book_ttl"`
	TradesTTL     time.Duration `yaml:"tradesTtl" toml:"trades_ttl"`
	SnapshotDepth int           `yaml:"snapshotDepth" toml:"snapshot_depth"`

	// Options are adapter-specific extras.
	Options map[string]any `yaml:"options" toml:"options"`
}

// IsEnabled defaults to true when the flag is omitted.
func (c ExchangeConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// HasCredential reports whether key material is configured.
func (c ExchangeConfig) HasCredential() bool {
	return c.APIKey != "" || c.Secret != ""
}

// Settings converts the section into adapter settings.
func (c ExchangeConfig) Settings() exchange.Settings {
	extra := make(map[string]any, len(c.Options))
	for k, v := range c.Options {
		extra[k] = v
	}
	return exchange.Settings{
		RESTBaseURL:   c.RESTBaseURL,
		FuturesURL:    c.FuturesURL,
		StreamURL:     c.StreamURL,
		RequestRate:   c.RequestRate,
		RequestBurst:  c.RequestBurst,
		HTTPTimeout:   c.HTTPTimeout,
		MaxAttempts:   c.MaxAttempts,
		BookTTL:       c.BookTTL,
		TradesTTL:     c.TradesTTL,
		SnapshotDepth: c.SnapshotDepth,
		Extra:         extra,
	}
}

func (c *ExchangeConfig) applyDefaults() {
	c.APIKey = strings.TrimSpace(c.APIKey)
	c.Secret = strings.TrimSpace(c.Secret)
	c.Passphrase = strings.TrimSpace(c.Passphrase)
	c.RESTBaseURL = strings.TrimRight(strings.TrimSpace(c.RESTBaseURL), "/")
	c.FuturesURL = strings.TrimRight(strings.TrimSpace(c.FuturesURL), "/")
	c.StreamURL = strings.TrimSpace(c.StreamURL)
	if c.RequestRate <= 0 {
		c.RequestRate = 10
	}
	if c.RequestBurst <= 0 {
		c.RequestBurst = 5
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BookTTL <= 0 {
		c.BookTTL = time.Second
	}
	if c.TradesTTL <= 0 {
		c.TradesTTL = time.Second
	}
	if c.SnapshotDepth <= 0 {
		c.SnapshotDepth = 100
	}
}

func (c ExchangeConfig) validate() error {
	for field, raw := range map[string]string{
		"restBaseUrl": c.RESTBaseURL,
		"futuresUrl":  c.FuturesURL,
		"streamUrl":   c.StreamURL,
	} {
		if raw == "" {
			continue
		}
		if _, err := url.Parse(raw); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}
	if c.HasCredential() && (c.APIKey == "" || c.Secret == "") {
		return fmt.Errorf("apiKey and secret must be set together")
	}
	return nil
}

// Credentials returns signing records for every enabled exchange with key material.
func (c AppConfig) Credentials() []signing.Credential {
	out := make([]signing.Credential, 0, len(c.Exchanges))
	for _, name := range c.ExchangeNames() {
		ex := c.Exchanges[name]
		if !ex.HasCredential() {
			continue
		}
		out = append(out, signing.Credential{
			Exchange:   name,
			APIKey:     ex.APIKey,
			Secret:     ex.Secret,
			Passphrase: ex.Passphrase,
		})
	}
	return out
}
