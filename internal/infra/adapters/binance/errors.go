package binance

import (
	"net/http"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/coachpo/venuekit/errs"
)

type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// classifyError maps Binance error payloads onto the shared taxonomy.
func classifyError(status int, _ http.Header, body []byte) error {
	var apiErr binanceError
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Code == 0 {
		return nil
	}
	opts := []errs.Option{
		errs.WithHTTP(status),
		errs.WithRawCode(strconv.Itoa(apiErr.Code)),
		errs.WithRawMessage(apiErr.Msg),
	}
	switch apiErr.Code {
	case -1003, -1015:
		return errs.New(name, errs.CodeRateLimited, opts...)
	case -1001, -1006, -1007:
		return errs.New(name, errs.CodeNetwork, opts...)
	case -1002, -1022, -2014, -2015:
		return errs.New(name, errs.CodeAuth, opts...)
	case -1121:
		return errs.New(name, errs.CodeInvalid, append(opts, errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))...)
	case -2013:
		return errs.New(name, errs.CodeNotFound, append(opts, errs.WithCanonicalCode(errs.CanonicalOrderNotFound))...)
	case -2010, -2011, -2018, -2019:
		o := opts
		if apiErr.Code == -2018 || apiErr.Code == -2019 {
			o = append(o, errs.WithCanonicalCode(errs.CanonicalInsufficientBalance))
		}
		return errs.New(name, errs.CodeRejected, o...)
	}
	if status == http.StatusTooManyRequests || status == http.StatusTeapot {
		return errs.New(name, errs.CodeRateLimited, opts...)
	}
	if status >= 500 {
		return errs.New(name, errs.CodeUnavailable, opts...)
	}
	return errs.New(name, errs.CodeInvalid, opts...)
}
