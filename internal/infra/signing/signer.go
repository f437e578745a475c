package signing

import (
	"time"

	"github.com/coachpo/venuekit/errs"
)

// Signer is an exchange-scoped signing capability. It exposes authentication
// material, never the secret it was derived from.
type Signer struct {
	exchange string
	cred     *Credential
	clock    Clock
	nonce    func() string
}

// Exchange returns the venue this signer is bound to.
func (s *Signer) Exchange() string { return s.exchange }

// Available reports whether a credential is loaded.
func (s *Signer) Available() bool { return s != nil && s.cred != nil }

// Now returns the signer clock reading used for request timestamps.
func (s *Signer) Now() time.Time { return s.clock.Now() }

// HMAC signs req with scheme.
func (s *Signer) HMAC(scheme HMAC, req Request) (Signed, error) {
	if !s.Available() {
		return Signed{}, missingCredential(s.exchange)
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = s.clock.Now()
	}
	sig, stamp := scheme.sign([]byte(s.cred.Secret), req)
	return Signed{
		APIKey:     s.cred.APIKey,
		Passphrase: s.cred.Passphrase,
		Timestamp:  stamp,
		Nonce:      req.Nonce,
		Signature:  sig,
	}, nil
}

// Token issues a bearer token for req.
func (s *Signer) Token(scheme Token, req Request) (Signed, error) {
	if !s.Available() {
		return Signed{}, missingCredential(s.exchange)
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = s.clock.Now()
	}
	if req.Nonce == "" {
		req.Nonce = s.nonce()
	}
	token, err := scheme.sign(*s.cred, req)
	if err != nil {
		return Signed{}, errs.New(s.exchange, errs.CodeAuth, errs.WithMessage("sign token"), errs.WithCause(err))
	}
	return Signed{
		APIKey:    s.cred.APIKey,
		Timestamp: UnixMillis(req.Timestamp),
		Nonce:     req.Nonce,
		Token:     token,
	}, nil
}
