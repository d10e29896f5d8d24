package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type codedError struct{ code int }

func (e *codedError) Error() string   { return "request rejected" }
func (e *codedError) StatusCode() int { return e.code }

type flaggedError struct{ retry bool }

func (e *flaggedError) Error() string   { return "timeout while flagged" }
func (e *flaggedError) Retryable() bool { return e.retry }

type timeoutNetError struct{}

func (timeoutNetError) Error() string   { return "i/o deadline" }
func (timeoutNetError) Timeout() bool   { return true }
func (timeoutNetError) Temporary() bool { return true }

func TestDefaultShouldRetryText(t *testing.T) {
	cases := map[string]bool{
		"network unreachable":        true,
		"Failed to fetch":            true,
		"request timeout":            true,
		"HTTP 429: too many":         true,
		"HTTP 500: internal error":   true,
		"HTTP 502: bad gateway":      true,
		"HTTP 503: unavailable":      true,
		"HTTP 504: gateway timeout":  true,
		"invalid input":              false,
		"HTTP 404: contract missing": false,
	}
	for msg, want := range cases {
		assert.Equal(t, want, DefaultShouldRetry(errors.New(msg), 0), msg)
	}
}

func TestDefaultShouldRetryNil(t *testing.T) {
	assert.False(t, DefaultShouldRetry(nil, 0))
}

func TestDefaultShouldRetryStatusCode(t *testing.T) {
	assert.True(t, DefaultShouldRetry(&codedError{code: 429}, 0))
	assert.True(t, DefaultShouldRetry(&codedError{code: 501}, 0))
	assert.False(t, DefaultShouldRetry(&codedError{code: 400}, 0))
	assert.False(t, DefaultShouldRetry(fmt.Errorf("load contract: %w", &codedError{code: 403}), 0))
}

func TestDefaultShouldRetryStructuredWinsOverText(t *testing.T) {
	// Message says timeout, but the error knows better.
	assert.False(t, DefaultShouldRetry(&flaggedError{retry: false}, 0))
	assert.True(t, DefaultShouldRetry(&flaggedError{retry: true}, 0))
}

func TestDefaultShouldRetryDeadlines(t *testing.T) {
	assert.True(t, DefaultShouldRetry(context.DeadlineExceeded, 0))
	assert.True(t, DefaultShouldRetry(fmt.Errorf("dial: %w", timeoutNetError{}), 0))
	assert.False(t, DefaultShouldRetry(context.Canceled, 0))
}

func TestIsRetryableStatus(t *testing.T) {
	assert.True(t, IsRetryableStatus(429))
	assert.True(t, IsRetryableStatus(599))
	assert.False(t, IsRetryableStatus(200))
	assert.False(t, IsRetryableStatus(422))
	assert.False(t, IsRetryableStatus(600))
}
