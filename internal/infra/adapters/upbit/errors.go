package upbit

import (
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/coachpo/venuekit/errs"
)

type apiError struct {
	Error struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error"`
}

func classifyError(status int, _ http.Header, body []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Error.Name == "" {
		return nil
	}
	opts := []errs.Option{
		errs.WithHTTP(status),
		errs.WithRawCode(apiErr.Error.Name),
		errs.WithRawMessage(apiErr.Error.Message),
	}
	switch apiErr.Error.Name {
	case "jwt_verification", "expired_access_key", "nonce_used", "no_authorization_i_p", "out_of_scope", "invalid_access_key":
		return errs.New(name, errs.CodeAuth, opts...)
	case "too_many_requests":
		return errs.New(name, errs.CodeRateLimited, opts...)
	case "order_not_found":
		return errs.New(name, errs.CodeNotFound, append(opts, errs.WithCanonicalCode(errs.CanonicalOrderNotFound))...)
	case "insufficient_funds_bid", "insufficient_funds_ask":
		return errs.New(name, errs.CodeRejected, append(opts, errs.WithCanonicalCode(errs.CanonicalInsufficientBalance))...)
	case "under_min_total_bid", "under_min_total_ask", "invalid_price_bid", "invalid_price_ask", "invalid_volume_bid", "invalid_volume_ask":
		return errs.New(name, errs.CodeRejected, opts...)
	case "market_does_not_exist":
		return errs.New(name, errs.CodeInvalid, append(opts, errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))...)
	}
	switch {
	case status == http.StatusUnauthorized:
		return errs.New(name, errs.CodeAuth, opts...)
	case status == http.StatusTooManyRequests:
		return errs.New(name, errs.CodeRateLimited, opts...)
	case status >= 500:
		return errs.New(name, errs.CodeUnavailable, opts...)
	}
	return errs.New(name, errs.CodeInvalid, opts...)
}
