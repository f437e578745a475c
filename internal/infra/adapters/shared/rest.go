// Package shared holds plumbing common to every venue adapter.
package shared

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/coachpo/venuekit/errs"
	"github.com/coachpo/venuekit/internal/infra/telemetry"
)

const (
	defaultHTTPTimeout  = 10 * time.Second
	defaultMaxAttempts  = 3
	defaultMaxBodyBytes = 8 << 20
	errorBodyLimit      = 4 << 10
)

// Classifier maps a non-2xx venue response to an error. Returning nil falls
// back to status-based classification.
type Classifier func(status int, header http.Header, body []byte) error

// RESTOptions configures a RESTClient.
type RESTOptions struct {
	Exchange    string
	HTTP        *http.Client
	Timeout     time.Duration
	MaxAttempts int
	// Rate and Burst pace outgoing requests; zero disables pacing.
	Rate     float64
	Burst    int
	Classify Classifier
	// Backoff overrides the retry schedule, mainly for tests.
	Backoff func() backoff.BackOff
	// Sleep overrides the wait between attempts, mainly for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// RESTClient performs venue REST calls with pacing, per-attempt timeouts,
// error classification and bounded retry of transient failures.
type RESTClient struct {
	exchange    string
	http        *http.Client
	timeout     time.Duration
	maxAttempts int
	limiter     *rate.Limiter
	classify    Classifier
	newBackoff  func() backoff.BackOff
	sleep       func(ctx context.Context, d time.Duration) error

	tracer  trace.Tracer
	retries metric.Int64Counter
}

// NewRESTClient builds a client. A nil HTTP client uses http.DefaultClient.
func NewRESTClient(opts RESTOptions) *RESTClient {
	c := &RESTClient{
		exchange:    opts.Exchange,
		http:        opts.HTTP,
		timeout:     opts.Timeout,
		maxAttempts: opts.MaxAttempts,
		classify:    opts.Classify,
		newBackoff:  opts.Backoff,
		sleep:       opts.Sleep,
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	if c.timeout <= 0 {
		c.timeout = defaultHTTPTimeout
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	if opts.Rate > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.Rate), burst)
	}
	if c.newBackoff == nil {
		c.newBackoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		}
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	c.tracer = otel.Tracer("venuekit/rest")
	c.retries, _ = otel.Meter("rest").Int64Counter("rest.retries",
		metric.WithDescription("REST attempts retried after a transient failure"),
		metric.WithUnit("{retry}"))
	return c
}

// Builder produces a fresh request per attempt so signatures and timestamps
// are regenerated on retry.
type Builder func(ctx context.Context) (*http.Request, error)

// Do runs the request and hands the 2xx body to decode.
func (c *RESTClient) Do(ctx context.Context, op string, build Builder, decode func(body []byte) error) error {
	return c.do(ctx, op, build, decode, true)
}

// DoOnce runs a request that must not be repeated once it may have reached
// the venue, such as order placement. Only rate limiting and failed dials are
// retried. A transient failure after the send surfaces as a network error.
func (c *RESTClient) DoOnce(ctx context.Context, op string, build Builder, decode func(body []byte) error) error {
	return c.do(ctx, op, build, decode, false)
}

func (c *RESTClient) do(ctx context.Context, op string, build Builder, decode func(body []byte) error, idempotent bool) error {
	b := c.newBackoff()
	b.Reset()

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		body, sent, err := c.attempt(ctx, op, attempt, build)
		if err == nil {
			if decode == nil {
				return nil
			}
			if derr := decode(body); derr != nil {
				var e *errs.E
				if errors.As(derr, &e) {
					return derr
				}
				return errs.New(c.exchange, errs.CodeExchange, errs.WithMessage("decode "+op), errs.WithCause(derr))
			}
			return nil
		}
		lastErr = err
		if !idempotent && sent && !errs.Is(err, errs.CodeRateLimited) {
			if errs.Retryable(err) {
				lastErr = errs.New(c.exchange, errs.CodeNetwork,
					errs.WithMessage(op+": outcome unknown, not retried"), errs.WithCause(err))
			}
			break
		}
		if !errs.Retryable(err) || attempt == c.maxAttempts || ctx.Err() != nil {
			break
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		if ra := errs.RetryAfterOf(err); ra > wait {
			wait = ra
		}
		c.retries.Add(ctx, 1, metric.WithAttributes(telemetry.OperationAttributes(c.exchange, op, string(errs.CodeOf(err)))...))
		if serr := c.sleep(ctx, wait); serr != nil {
			return serr
		}
	}
	return lastErr
}

// attempt reports sent=false only when the request never left the process.
func (c *RESTClient) attempt(ctx context.Context, op string, attempt int, build Builder) (_ []byte, sent bool, _ error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, false, err
		}
	}
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	attemptCtx, span := c.tracer.Start(attemptCtx, c.exchange+" "+op,
		trace.WithAttributes(attribute.String("exchange", c.exchange), attribute.Int("attempt", attempt)))
	defer span.End()

	req, err := build(attemptCtx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		var e *errs.E
		if errors.As(err, &e) {
			return nil, false, err
		}
		return nil, false, errs.New(c.exchange, errs.CodeInvalid, errs.WithMessage("build "+op), errs.WithCause(err))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return nil, true, ctx.Err()
		}
		return nil, !dialFailure(err), errs.New(c.exchange, errs.CodeNetwork, errs.WithMessage(op), errs.WithCause(err))
	}
	defer func() { _ = resp.Body.Close() }()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxBodyBytes))
		if err != nil {
			return nil, true, errs.New(c.exchange, errs.CodeNetwork, errs.WithMessage("read "+op), errs.WithCause(err))
		}
		return body, true, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	cerr := c.classifyResponse(resp.StatusCode, resp.Header, body)
	span.SetStatus(codes.Error, cerr.Error())
	return nil, true, cerr
}

// dialFailure reports a connection that was never established, so no request
// bytes reached the venue.
func dialFailure(err error) bool {
	var op *net.OpError
	return errors.As(err, &op) && op.Op == "dial"
}

func (c *RESTClient) classifyResponse(status int, header http.Header, body []byte) error {
	retryAfter := ParseRetryAfter(header.Get("Retry-After"), time.Now())
	if c.classify != nil {
		if err := c.classify(status, header, body); err != nil {
			var e *errs.E
			if errors.As(err, &e) && e.Code == errs.CodeRateLimited && e.RetryAfter == 0 {
				e.RetryAfter = retryAfter
			}
			return err
		}
	}
	return StatusError(c.exchange, status, retryAfter, body)
}

// StatusError classifies purely by HTTP status.
func StatusError(exchange string, status int, retryAfter time.Duration, body []byte) error {
	msg := strings.TrimSpace(string(body))
	opts := []errs.Option{errs.WithHTTP(status), errs.WithRawMessage(msg)}
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return errs.New(exchange, errs.CodeRateLimited, append(opts, errs.WithRetryAfter(retryAfter))...)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.New(exchange, errs.CodeAuth, opts...)
	case status == http.StatusNotFound:
		return errs.New(exchange, errs.CodeNotFound, opts...)
	case status >= 500:
		return errs.New(exchange, errs.CodeUnavailable, opts...)
	default:
		return errs.New(exchange, errs.CodeInvalid, opts...)
	}
}

// ParseRetryAfter accepts delta-seconds or an HTTP date.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NewRequest is a convenience wrapper that sets the JSON accept header.
func NewRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}
