// Package errs provides the structured error envelope shared by adapters, the
// connection manager and the strategy sandbox.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Code identifies the failure class of an error.
type Code string

const (
	// CodeNetwork indicates a transient transport failure or timeout.
	CodeNetwork Code = "network"
	// CodeRateLimited indicates that the venue throttled the request.
	CodeRateLimited Code = "rate_limited"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeRejected indicates the venue accepted the request but rejected the order.
	CodeRejected Code = "rejected"
	// CodeAuth indicates missing, malformed or refused credentials.
	CodeAuth Code = "auth"
	// CodeDesync indicates a sequence gap or crossed order book.
	CodeDesync Code = "desync"
	// CodeScriptFault indicates a strategy script failure.
	CodeScriptFault Code = "script_fault"
	// CodeExchange indicates an unclassified exchange-side failure.
	CodeExchange Code = "exchange_error"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the venue is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// CanonicalCode captures exchange-agnostic error categories.
type CanonicalCode string

const (
	CanonicalUnknown             CanonicalCode = "unknown"
	CanonicalCapabilityMissing   CanonicalCode = "capability_missing"
	CanonicalOrderNotFound       CanonicalCode = "order_not_found"
	CanonicalInsufficientBalance CanonicalCode = "insufficient_balance"
	CanonicalInvalidSymbol       CanonicalCode = "invalid_symbol"
	CanonicalSequenceGap         CanonicalCode = "sequence_gap"
	CanonicalCrossedBook         CanonicalCode = "crossed_book"
	CanonicalCallBudget          CanonicalCode = "call_budget_exceeded"
	CanonicalGrantDenied         CanonicalCode = "grant_denied"
)

// E captures structured error information.
type E struct {
	Exchange      string
	Code          Code
	HTTP          int
	RawCode       string
	RawMsg        string
	Message       string
	Canonical     CanonicalCode
	RetryAfter    time.Duration
	Script        string
	VenueMetadata map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the exchange and error code.
func New(exchange string, code Code, opts ...Option) *E {
	e := &E{
		Exchange:  strings.TrimSpace(exchange),
		Code:      code,
		Canonical: CanonicalUnknown,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw exchange error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw exchange error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithRetryAfter records the delay the venue asked callers to wait.
func WithRetryAfter(d time.Duration) Option {
	return func(e *E) {
		if d > 0 {
			e.RetryAfter = d
		}
	}
}

// WithScript tags the error with the strategy script that produced it.
func WithScript(name string) Option {
	trimmed := strings.TrimSpace(name)
	return func(e *E) {
		e.Script = trimmed
	}
}

// WithCanonicalCode sets the canonical error code describing the failure category.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithVenueField appends a single venue metadata key/value pair.
func WithVenueField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.VenueMetadata == nil {
			e.VenueMetadata = make(map[string]string, 1)
		}
		e.VenueMetadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	exchange := e.Exchange
	if exchange == "" {
		exchange = "unknown"
	}
	parts = append(parts, "exchange="+exchange)

	code := string(e.Code)
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Canonical != "" && e.Canonical != CanonicalUnknown {
		parts = append(parts, "canonical="+string(e.Canonical))
	}
	if e.Script != "" {
		parts = append(parts, "script="+strconv.Quote(e.Script))
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.RetryAfter > 0 {
		parts = append(parts, "retry_after="+e.RetryAfter.String())
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.VenueMetadata) > 0 {
		keys := make([]string, 0, len(e.VenueMetadata))
		for k := range e.VenueMetadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.VenueMetadata[k]))
		}
		parts = append(parts, "venue="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is matches another *E by code so errors.Is(err, errs.New("", CodeAuth)) works.
func (e *E) Is(target error) bool {
	var other *E
	if !errors.As(target, &other) || other == nil {
		return false
	}
	if other.Code != "" && other.Code != e.Code {
		return false
	}
	if other.Canonical != "" && other.Canonical != CanonicalUnknown && other.Canonical != e.Canonical {
		return false
	}
	return true
}

// NotSupported returns a standardized error for unsupported capabilities.
func NotSupported(exchange, msg string) *E {
	return New(exchange, CodeExchange, WithMessage(msg), WithCanonicalCode(CanonicalCapabilityMissing))
}

// CodeOf returns the code of the first *E in err's chain, or "" when none.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// RetryAfterOf returns the venue-signalled delay carried by err.
func RetryAfterOf(err error) time.Duration {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.RetryAfter
	}
	return 0
}

// Retryable reports whether callers may retry the failed operation.
// Only transient network failures, throttling and venue unavailability qualify.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeNetwork, CodeRateLimited, CodeUnavailable:
		return true
	default:
		return false
	}
}
