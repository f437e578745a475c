package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"strconv"
	"strings"
	"time"
)

// Request describes what is being authenticated.
type Request struct {
	Method string
	Path   string
	// Query is the already-encoded query string without the leading '?'.
	Query string
	Body  string
	// Timestamp defaults to the signer clock when zero.
	Timestamp time.Time
	// Nonce defaults to a fresh random value for token schemes.
	Nonce string
}

// Hash selects the HMAC digest.
type Hash int

const (
	SHA256 Hash = iota
	SHA512
)

func (h Hash) new() func() hash.Hash {
	if h == SHA512 {
		return sha512.New
	}
	return sha256.New
}

// Encoding selects how the raw digest is rendered.
type Encoding int

const (
	Hex Encoding = iota
	Base64
	// HexBase64 base64-encodes the lowercase hex digest.
	HexBase64
)

// Canonicalizer renders the request into the exact bytes the venue signs.
// stamp is the venue-formatted timestamp also returned to the caller.
type Canonicalizer func(req Request, stamp string) string

// Stamper formats the request timestamp for a venue.
type Stamper func(time.Time) string

// HMAC is a keyed-digest scheme.
type HMAC struct {
	Hash      Hash
	Encoding  Encoding
	Canonical Canonicalizer
	Stamp     Stamper
}

// Signed carries everything an adapter needs to place in headers or query.
type Signed struct {
	APIKey     string
	Passphrase string
	Timestamp  string
	Nonce      string
	Signature  string
	Token      string
}

// CanonicalQuery signs the query string followed by the body.
func CanonicalQuery(req Request, _ string) string {
	return req.Query + req.Body
}

// CanonicalPrehash signs timestamp + METHOD + path[?query] + body.
func CanonicalPrehash(req Request, stamp string) string {
	path := req.Path
	if req.Query != "" {
		path += "?" + req.Query
	}
	return stamp + strings.ToUpper(req.Method) + path + req.Body
}

// CanonicalNullSeparated signs path NUL query NUL stamp.
func CanonicalNullSeparated(req Request, stamp string) string {
	return req.Path + "\x00" + req.Query + "\x00" + stamp
}

// UnixMillis formats t as milliseconds since the epoch.
func UnixMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// ISO8601Millis formats t as 2006-01-02T15:04:05.000Z in UTC.
func ISO8601Millis(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// UnixSeconds formats t as whole seconds since the epoch.
func UnixSeconds(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

func (s HMAC) sign(secret []byte, req Request) (string, string) {
	stamper := s.Stamp
	if stamper == nil {
		stamper = UnixMillis
	}
	canonical := s.Canonical
	if canonical == nil {
		canonical = CanonicalQuery
	}
	stamp := stamper(req.Timestamp)
	mac := hmac.New(s.Hash.new(), secret)
	mac.Write([]byte(canonical(req, stamp)))
	sum := mac.Sum(nil)

	switch s.Encoding {
	case Base64:
		return base64.StdEncoding.EncodeToString(sum), stamp
	case HexBase64:
		return base64.StdEncoding.EncodeToString([]byte(hex.EncodeToString(sum))), stamp
	default:
		return hex.EncodeToString(sum), stamp
	}
}
