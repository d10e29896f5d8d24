// Package retry runs a single operation with bounded retries, exponential
// backoff and jitter.
//
// The error returned after the final attempt is the operation's own error,
// never a wrapper, so callers can keep using errors.Is and errors.As on it.
// Backoff waits are not cancellable: once Execute starts it runs its policy
// to completion. Operations that need a deadline must carry it themselves.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Defaults applied when a caller does not override them.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 1000 * time.Millisecond
	DefaultMaxDelay   = 10000 * time.Millisecond

	// jitterFactor bounds jitter to [0, jitterFactor * exponential delay).
	jitterFactor = 0.3
)

// Policy configures one Execute call.
type Policy struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	ShouldRetry func(err error, attempt int) bool
	OnRetry     func(err error, attempt int, delay time.Duration)

	sleep func(time.Duration)
	rand  func() float64
}

// DefaultPolicy returns a Policy with the package defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:  DefaultMaxRetries,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		ShouldRetry: DefaultShouldRetry,
		OnRetry:     func(error, int, time.Duration) {},
		sleep:       time.Sleep,
		rand:        rand.Float64,
	}
}

// Option overrides one field of the default policy.
type Option func(*Policy)

// WithMaxRetries sets the number of retries after the first attempt.
func WithMaxRetries(n int) Option {
	return func(p *Policy) {
		if n >= 0 {
			p.MaxRetries = n
		}
	}
}

// WithBaseDelay sets the delay before the first retry, before jitter.
func WithBaseDelay(d time.Duration) Option {
	return func(p *Policy) {
		if d >= 0 {
			p.BaseDelay = d
		}
	}
}

// WithMaxDelay caps every computed delay.
func WithMaxDelay(d time.Duration) Option {
	return func(p *Policy) {
		if d >= 0 {
			p.MaxDelay = d
		}
	}
}

// WithShouldRetry replaces the retry-eligibility predicate.
func WithShouldRetry(fn func(err error, attempt int) bool) Option {
	return func(p *Policy) {
		if fn != nil {
			p.ShouldRetry = fn
		}
	}
}

// WithOnRetry registers a hook invoked before each backoff wait.
// attempt is the 1-based number of the retry about to happen.
func WithOnRetry(fn func(err error, attempt int, delay time.Duration)) Option {
	return func(p *Policy) {
		if fn != nil {
			p.OnRetry = fn
		}
	}
}

// WithPolicy merges the non-zero fields of base over the defaults.
// MaxRetries is always taken from base; negative values mean no retries.
func WithPolicy(base Policy) Option {
	return func(p *Policy) {
		p.MaxRetries = max(base.MaxRetries, 0)
		if base.BaseDelay > 0 {
			p.BaseDelay = base.BaseDelay
		}
		if base.MaxDelay > 0 {
			p.MaxDelay = base.MaxDelay
		}
		if base.ShouldRetry != nil {
			p.ShouldRetry = base.ShouldRetry
		}
		if base.OnRetry != nil {
			p.OnRetry = base.OnRetry
		}
	}
}

// WithSleep replaces time.Sleep for backoff waits.
func WithSleep(fn func(time.Duration)) Option {
	return func(p *Policy) {
		if fn != nil {
			p.sleep = fn
		}
	}
}

// WithRand replaces the uniform [0,1) source used for jitter.
func WithRand(fn func() float64) Option {
	return func(p *Policy) {
		if fn != nil {
			p.rand = fn
		}
	}
}

func buildPolicy(opts []Option) Policy {
	p := DefaultPolicy()
	for _, opt := range opts {
		opt(&p)
	}
	p.MaxRetries = max(p.MaxRetries, 0)
	return p
}

// Execute invokes op until it succeeds, the error is classified as permanent,
// or MaxRetries retries have been spent. The last error is returned unchanged.
func Execute[T any](op func() (T, error), opts ...Option) (T, error) {
	return execute(op, buildPolicy(opts))
}

func execute[T any](op func() (T, error), p Policy) (T, error) {
	var zero T
	// The first attempt always runs, whatever the budget.
	for attempt := 0; ; attempt++ {
		result, err := op()
		if err == nil {
			return result, nil
		}
		if attempt >= p.MaxRetries {
			return zero, err
		}
		if !p.ShouldRetry(err, attempt) {
			return zero, err
		}

		delay := CalculateDelay(attempt, p.BaseDelay, p.MaxDelay, p.rand())
		p.OnRetry(err, attempt+1, delay)
		p.sleep(delay)
	}
}

// WithRetry wraps fn so that every call runs its own Execute cycle with the
// policy bound here. Calls share no attempt state.
func WithRetry[A, T any](fn func(A) (T, error), opts ...Option) func(A) (T, error) {
	p := buildPolicy(opts)
	return func(arg A) (T, error) {
		return execute(func() (T, error) { return fn(arg) }, p)
	}
}

// CalculateDelay returns min(base*2^attempt + jitter, maxDelay) where jitter is
// r * 0.3 * base*2^attempt and r is a uniform sample in [0, 1).
func CalculateDelay(attempt int, base, maxDelay time.Duration, r float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	exp := float64(base) * math.Pow(2, float64(attempt))
	jitter := r * jitterFactor * exp
	total := exp + jitter
	if total >= float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(total)
}
