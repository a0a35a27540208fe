package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/everstacklabs/evalcore/internal/httpclient"
)

// ErrEmptyResponse is returned by clients when the provider answered with no content.
var ErrEmptyResponse = errors.New("empty response from provider")

// Classify maps a provider error onto an outcome. Typed errors are inspected
// first, then context, network and response decoding errors, then message
// patterns. Anything unrecognised is treated as transient.
func Classify(err error) Outcome {
	if err == nil {
		return Success{}
	}

	var se *httpclient.StatusError
	if errors.As(err, &se) {
		return classifyStatus(se, err)
	}

	switch {
	case errors.Is(err, context.Canceled):
		return Fatal{Cause: err}
	case errors.Is(err, context.DeadlineExceeded):
		return Transient{Cause: err}
	case errors.Is(err, ErrEmptyResponse):
		return Transient{Cause: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient{Cause: err}
	}

	// A garbled or truncated body on a 2xx is worth another attempt.
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Transient{Cause: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return RateLimited{Cause: err}
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return Transient{Cause: err}
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") || strings.Contains(msg, "invalid"):
		return Fatal{Cause: err}
	}
	return Transient{Cause: err}
}

func classifyStatus(se *httpclient.StatusError, err error) Outcome {
	switch {
	case se.StatusCode == http.StatusTooManyRequests:
		return RateLimited{RetryAfter: se.RetryAfter, Cause: err}
	case se.StatusCode == http.StatusRequestTimeout, se.StatusCode >= 500:
		return Transient{Cause: err}
	default:
		return Fatal{Cause: err}
	}
}
