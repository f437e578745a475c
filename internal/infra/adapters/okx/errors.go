package okx

import (
	"net/http"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/venuekit/errs"
)

type apiEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// classifyError maps non-2xx OKX responses.
func classifyError(status int, _ http.Header, body []byte) error {
	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Code == "" || env.Code == "0" {
		return nil
	}
	return codeError(status, env.Code, env.Msg)
}

// codeError classifies an OKX business code; OKX returns most failures with HTTP 200.
func codeError(status int, code, msg string) *errs.E {
	code = strings.TrimSpace(code)
	opts := []errs.Option{errs.WithRawCode(code), errs.WithRawMessage(msg)}
	if status > 0 {
		opts = append(opts, errs.WithHTTP(status))
	}
	switch {
	case code == "50011" || code == "50061" || code == "60014":
		return errs.New(name, errs.CodeRateLimited, opts...)
	case code == "50001" || code == "50013" || code == "50026":
		return errs.New(name, errs.CodeUnavailable, opts...)
	case code == "50004":
		return errs.New(name, errs.CodeNetwork, opts...)
	case strings.HasPrefix(code, "501") || code == "60009" || code == "60024":
		// 50100-50119 cover key, passphrase, timestamp and signature failures.
		return errs.New(name, errs.CodeAuth, opts...)
	case code == "51001":
		return errs.New(name, errs.CodeInvalid, append(opts, errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))...)
	case code == "51603":
		return errs.New(name, errs.CodeNotFound, append(opts, errs.WithCanonicalCode(errs.CanonicalOrderNotFound))...)
	case code == "51008" || code == "51131":
		return errs.New(name, errs.CodeRejected, append(opts, errs.WithCanonicalCode(errs.CanonicalInsufficientBalance))...)
	case code == "1" || code == "2" || strings.HasPrefix(code, "51"):
		return errs.New(name, errs.CodeRejected, opts...)
	default:
		return errs.New(name, errs.CodeInvalid, opts...)
	}
}

// unwrap checks the envelope code and returns the data payload.
func unwrap(body []byte) (json.RawMessage, error) {
	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	if env.Code != "" && env.Code != "0" {
		return nil, codeError(0, env.Code, env.Msg)
	}
	return env.Data, nil
}
