package httpclient

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/orchestra-mcp/realtime/src/retry"
)

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	Status     int
	Code       string         // backend error code, e.g. "CONTRACT_3001"
	Message    string         // backend error message
	Details    map[string]any // backend error details
	RetryAfter int            // seconds, from details.retry_after or the Retry-After header
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d: %s (%s)", e.Status, msg, e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, msg)
}

// StatusCode exposes the HTTP status for retry classification.
func (e *StatusError) StatusCode() int { return e.Status }

// Retryable reports whether the status is a rate limit or a server error.
func (e *StatusError) Retryable() bool { return retry.IsRetryableStatus(e.Status) }

// NetworkError is a request that never produced a response.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Retryable is always true; the request may succeed once the link recovers.
func (e *NetworkError) Retryable() bool { return true }

// errorEnvelope is the backend's error response body.
type errorEnvelope struct {
	Error *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
	Detail any `json:"detail"`
}

// parseStatusError builds a StatusError from a response body, tolerating
// bodies that are not the standard envelope.
func parseStatusError(status int, body []byte, retryAfterHeader string) *StatusError {
	se := &StatusError{Status: status}

	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil {
		switch {
		case env.Error != nil:
			se.Code = env.Error.Code
			se.Message = env.Error.Message
			se.Details = env.Error.Details
		case env.Detail != nil:
			if s, ok := env.Detail.(string); ok {
				se.Message = s
			}
		}
	}

	if v, ok := se.Details["retry_after"].(float64); ok {
		se.RetryAfter = int(v)
	} else if n, err := strconv.Atoi(retryAfterHeader); err == nil {
		se.RetryAfter = n
	}
	return se
}
