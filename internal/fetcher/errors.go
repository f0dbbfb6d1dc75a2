package fetcher

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies the outcome of a single HTTP attempt.
type Kind string

// Outcome kinds. Only KindRateLimited and KindServerError are retried.
const (
	KindNone        Kind = ""
	KindRateLimited Kind = "rate_limited"
	KindServerError Kind = "server_error"
	KindClientError Kind = "client_error"
	KindTransport   Kind = "transport_error"
	KindMalformed   Kind = "malformed_response"
)

// Retryable reports whether the kind warrants another attempt.
func (k Kind) Retryable() bool {
	return k == KindRateLimited || k == KindServerError
}

// ErrRetriesExhausted marks a transient failure that outlived the retry budget.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Error is the classified failure returned by Fetch.
type Error struct {
	Kind       Kind
	URL        string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a retryable failure whose retries ran out.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRetriesExhausted)
}

// KindOf extracts the classification from err, or KindNone.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindNone
}

// Malformed reports a response body that could not be interpreted.
func Malformed(url string, err error) error {
	return &Error{Kind: KindMalformed, URL: url, StatusCode: http.StatusOK, Attempts: 1, Err: err}
}

// Classify maps an HTTP status code to an outcome kind.
func Classify(status int) Kind {
	switch {
	case status >= 200 && status < 300:
		return KindNone
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500 && status < 600:
		return KindServerError
	default:
		return KindClientError
	}
}
