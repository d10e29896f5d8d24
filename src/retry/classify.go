package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
)

// retryableError is implemented by errors that know their own retry semantics.
type retryableError interface {
	Retryable() bool
}

// statusError is implemented by errors carrying an HTTP status code.
type statusError interface {
	StatusCode() int
}

// retryableMarkers are substrings of an error message that indicate a
// transport failure or a server-side condition.
var retryableMarkers = []string{
	"network",
	"fetch",
	"timeout",
	"429",
	"500",
	"502",
	"503",
	"504",
}

// DefaultShouldRetry classifies transport failures, rate limiting and 5xx
// responses as retryable. Structured errors are consulted first; the message
// text is only inspected when no structured signal is present.
func DefaultShouldRetry(err error, _ int) bool {
	if err == nil {
		return false
	}

	var re retryableError
	if errors.As(err, &re) {
		return re.Retryable()
	}
	var se statusError
	if errors.As(err, &se) {
		return IsRetryableStatus(se.StatusCode())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	return MatchesRetryableText(err.Error())
}

// IsRetryableStatus reports whether an HTTP status warrants another attempt.
func IsRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || (code >= 500 && code <= 599)
}

// MatchesRetryableText applies the message-text fallback classification.
func MatchesRetryableText(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range retryableMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
