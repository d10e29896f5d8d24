// Package httpclient performs request/response calls against the backend
// API. Every call runs through the retry executor; failures surface as
// *StatusError or *NetworkError so retry classification never has to guess
// from message text.
package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/orchestra-mcp/realtime/src/metrics"
	"github.com/orchestra-mcp/realtime/src/retry"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// Config holds backend API client settings.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	Retry     retry.Policy
}

// DefaultConfig returns the default client configuration for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:   baseURL,
		Timeout:   30 * time.Second,
		UserAgent: "safecon-realtime/1.0",
		Retry:     retry.DefaultPolicy(),
	}
}

// Client is a retrying JSON client for the backend API.
type Client struct {
	http      *fasthttp.Client
	baseURL   string
	timeout   time.Duration
	userAgent string
	policy    retry.Policy
	extra     []retry.Option
	headers   map[string]string
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithFastHTTPClient replaces the underlying fasthttp client.
func WithFastHTTPClient(hc *fasthttp.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithHeader adds a header sent on every request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers[key] = value }
}

// WithRetryOptions appends retry options applied over the configured policy.
// A predicate or hook given here runs inside the client's cancellation guard,
// logging and metrics rather than replacing them.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(c *Client) { c.extra = append(c.extra, opts...) }
}

// WithMetrics records retries per endpoint.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a client for cfg.BaseURL.
func New(cfg Config, logger zerolog.Logger, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig("").Timeout
	}
	c := &Client{
		http:      &fasthttp.Client{Name: cfg.UserAgent},
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		policy:    cfg.Retry,
		headers:   make(map[string]string),
		logger:    logger.With().Str("component", "http-client").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get decodes the JSON response of GET path into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.Do(ctx, fasthttp.MethodGet, path, nil, out)
}

// Post sends body as JSON and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, fasthttp.MethodPost, path, body, out)
}

// Do performs one logical request with retries. out may be nil.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	endpoint := method + " " + path
	_, err := retry.Execute(func() (struct{}, error) {
		return struct{}{}, c.do(ctx, method, path, body, out)
	}, c.retryOptions(ctx, endpoint)...)
	if err != nil {
		c.logger.Debug().Err(err).Str("endpoint", endpoint).Msg("request failed")
	}
	return err
}

// retryOptions layers the caller's policy and extra options first, then
// wraps whatever predicate and hook they produced with the client's own
// cancellation guard, logging and metrics.
func (c *Client) retryOptions(ctx context.Context, endpoint string) []retry.Option {
	opts := make([]retry.Option, 0, len(c.extra)+2)
	opts = append(opts, retry.WithPolicy(c.policy))
	opts = append(opts, c.extra...)
	return append(opts, func(p *retry.Policy) {
		shouldRetry := p.ShouldRetry
		if shouldRetry == nil {
			shouldRetry = retry.DefaultShouldRetry
		}
		onRetry := p.OnRetry

		p.ShouldRetry = func(err error, attempt int) bool {
			// A cancelled or expired caller context makes further attempts pointless.
			if ctx.Err() != nil {
				return false
			}
			return shouldRetry(err, attempt)
		}
		p.OnRetry = func(err error, attempt int, delay time.Duration) {
			c.logger.Warn().
				Err(err).
				Str("endpoint", endpoint).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("retrying request")
			c.metrics.ObserveRetry(endpoint, delay)
			if onRetry != nil {
				onRetry(err, attempt, delay)
			}
		}
	})
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	url := c.baseURL + path
	req.SetRequestURI(url)
	req.Header.SetMethod(method)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")
	if c.userAgent != "" {
		req.Header.SetUserAgent(c.userAgent)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		req.Header.SetContentType("application/json")
		req.SetBodyRaw(data)
	}

	var err error
	if deadline, ok := ctx.Deadline(); ok {
		err = c.http.DoDeadline(req, resp, deadline)
	} else {
		err = c.http.DoTimeout(req, resp, c.timeout)
	}
	if err != nil {
		return &NetworkError{Method: method, URL: url, Err: err}
	}

	status := resp.StatusCode()
	if status < 200 || status > 299 {
		return parseStatusError(status, resp.Body(), string(resp.Header.Peek(fasthttp.HeaderRetryAfter)))
	}
	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
