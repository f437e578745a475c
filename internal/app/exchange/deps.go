package exchange

import (
	"net/http"
	"time"

	"github.com/coachpo/venuekit/internal/infra/cache"
	"github.com/coachpo/venuekit/internal/infra/signing"
)

// Deps are the shared collaborators handed to every adapter factory.
type Deps struct {
	Signer *signing.Signer
	Cache  *cache.Cache
	HTTP   *http.Client
	// Settings carries adapter-specific options from configuration.
	Settings Settings
}

// Settings are the per-exchange tunables common to all adapters.
type Settings struct {
	RESTBaseURL   string
	FuturesURL    string
	StreamURL     string
	RequestRate   float64
	RequestBurst  int
	HTTPTimeout   time.Duration
	MaxAttempts   int
	BookTTL       time.Duration
	TradesTTL     time.Duration
	SnapshotDepth int
	Extra         map[string]any
}
