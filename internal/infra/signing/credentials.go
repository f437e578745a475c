// Package signing holds exchange credentials and turns request descriptors into
// venue authentication material. Secrets never leave this package.
package signing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/coachpo/venuekit/errs"
)

// ErrCredentialMissing matches the authentication error returned when an
// exchange has no credential record.
var ErrCredentialMissing = errs.New("", errs.CodeAuth, errs.WithMessage("credential not configured"))

// Credential is one exchange API key record.
type Credential struct {
	Exchange   string
	APIKey     string
	Secret     string
	Passphrase string
}

// Validate rejects records with missing key or secret material.
func (c Credential) Validate() error {
	if strings.TrimSpace(c.Exchange) == "" {
		return fmt.Errorf("credential: exchange required")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("credential %s: api key required", c.Exchange)
	}
	if strings.TrimSpace(c.Secret) == "" {
		return fmt.Errorf("credential %s: secret required", c.Exchange)
	}
	return nil
}

// String returns a redacted representation suitable for logging.
func (c Credential) String() string {
	return fmt.Sprintf("Credential{exchange=%s, key=%s, secret=%s, passphrase=%s}",
		c.Exchange, redact(c.APIKey), redact(c.Secret), redact(c.Passphrase))
}

// GoString keeps %#v from leaking secrets.
func (c Credential) GoString() string { return c.String() }

func redact(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}

// Store is an immutable set of credentials keyed by exchange.
type Store struct {
	creds map[string]Credential
	clock Clock
	nonce func() string
}

// StoreOption customises a Store.
type StoreOption func(*Store)

// WithClock injects the time source used for timestamps and nonces.
func WithClock(c Clock) StoreOption {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithNonceSource overrides the random nonce generator used by token schemes.
func WithNonceSource(fn func() string) StoreOption {
	return func(s *Store) {
		if fn != nil {
			s.nonce = fn
		}
	}
}

// NewStore validates every record. Duplicate exchanges are rejected.
func NewStore(creds []Credential, opts ...StoreOption) (*Store, error) {
	s := &Store{
		creds: make(map[string]Credential, len(creds)),
		clock: SystemClock{},
		nonce: randomNonce,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, c := range creds {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		key := normaliseExchange(c.Exchange)
		if _, dup := s.creds[key]; dup {
			return nil, fmt.Errorf("credential %s: duplicate record", key)
		}
		c.Exchange = key
		s.creds[key] = c
	}
	return s, nil
}

// Exchanges lists exchanges with loaded credentials.
func (s *Store) Exchanges() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.creds))
	for k := range s.creds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Signer returns a signing handle for exchange. A nil store or missing record
// yields a handle whose every call fails with an authentication error, so
// public-only adapters can be built without credentials.
func (s *Store) Signer(exchange string) *Signer {
	exchange = normaliseExchange(exchange)
	signer := &Signer{exchange: exchange, clock: SystemClock{}, nonce: randomNonce}
	if s == nil {
		return signer
	}
	signer.clock = s.clock
	signer.nonce = s.nonce
	if c, ok := s.creds[exchange]; ok {
		cred := c
		signer.cred = &cred
	}
	return signer
}

func normaliseExchange(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func missingCredential(exchange string) error {
	return errs.New(exchange, errs.CodeAuth, errs.WithMessage("credential not configured"))
}
