package bithumb

import (
	"net/http"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/venuekit/errs"
)

const statusOK = "0000"

type statusEnvelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func classifyError(status int, _ http.Header, body []byte) error {
	var env statusEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Status == "" || env.Status == statusOK {
		return nil
	}
	return statusError(status, env.Status, env.Message)
}

// statusError maps Bithumb's four-digit status codes, which also arrive on HTTP 200.
func statusError(httpStatus int, code, msg string) *errs.E {
	opts := []errs.Option{errs.WithRawCode(code), errs.WithRawMessage(msg)}
	if httpStatus > 0 {
		opts = append(opts, errs.WithHTTP(httpStatus))
	}
	switch code {
	case "5200", "5300", "5302":
		return errs.New(name, errs.CodeAuth, opts...)
	case "5100":
		if strings.Contains(strings.ToLower(msg), "sign") || strings.Contains(strings.ToLower(msg), "nonce") {
			return errs.New(name, errs.CodeAuth, opts...)
		}
		return errs.New(name, errs.CodeInvalid, opts...)
	case "5500":
		return errs.New(name, errs.CodeInvalid, opts...)
	case "5600":
		return errs.New(name, errs.CodeRejected, opts...)
	case "5400", "5900":
		return errs.New(name, errs.CodeUnavailable, opts...)
	}
	if httpStatus == http.StatusTooManyRequests {
		return errs.New(name, errs.CodeRateLimited, opts...)
	}
	return errs.New(name, errs.CodeExchange, opts...)
}

// checkStatus rejects a 2xx body whose status is not 0000.
func checkStatus(body []byte) error {
	var env statusEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return err
	}
	if env.Status != "" && env.Status != statusOK {
		return statusError(0, env.Status, env.Message)
	}
	return nil
}
