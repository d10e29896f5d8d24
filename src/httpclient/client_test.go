package httpclient

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orchestra-mcp/realtime/src/metrics"
	"github.com/orchestra-mcp/realtime/src/retry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/valyala/fasthttp/fasthttputil"
)

// newTestClient serves handler on an in-memory listener and returns a
// client wired to it with instant backoff.
func newTestClient(t *testing.T, handler fasthttp.RequestHandler, opts ...Option) *Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: handler}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	hc := &fasthttp.Client{
		Dial: func(string) (net.Conn, error) { return ln.Dial() },
	}
	cfg := DefaultConfig("http://backend.test/api/v1/")
	cfg.Retry = retry.Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	opts = append([]Option{
		WithFastHTTPClient(hc),
		WithRetryOptions(retry.WithSleep(func(time.Duration) {})),
	}, opts...)
	return New(cfg, zerolog.Nop(), opts...)
}

type contract struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func TestGetDecodesResponse(t *testing.T) {
	var path atomic.Value
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		path.Store(string(ctx.Path()))
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"id":"C1","status":"signed"}`)
	})

	var got contract
	require.NoError(t, c.Get(context.Background(), "/contracts/C1", &got))
	assert.Equal(t, contract{ID: "C1", Status: "signed"}, got)
	assert.Equal(t, "/api/v1/contracts/C1", path.Load())
}

func TestPostSendsJSONAndHeaders(t *testing.T) {
	var body, auth, ctype atomic.Value
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		body.Store(string(ctx.PostBody()))
		auth.Store(string(ctx.Request.Header.Peek("Authorization")))
		ctype.Store(string(ctx.Request.Header.ContentType()))
		ctx.SetStatusCode(fasthttp.StatusCreated)
		ctx.SetBodyString(`{"id":"C9","status":"draft"}`)
	}, WithHeader("Authorization", "Bearer token"))

	var got contract
	require.NoError(t, c.Post(context.Background(), "/contracts", map[string]string{"title": "Lease"}, &got))
	assert.Equal(t, "C9", got.ID)
	assert.JSONEq(t, `{"title":"Lease"}`, body.Load().(string))
	assert.Equal(t, "Bearer token", auth.Load())
	assert.Equal(t, "application/json", ctype.Load())
}

func TestRetriesServerErrorsThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		if calls.Add(1) <= 2 {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			return
		}
		ctx.SetBodyString(`{"id":"C1","status":"active"}`)
	})

	var got contract
	require.NoError(t, c.Get(context.Background(), "/contracts/C1", &got))
	assert.Equal(t, "active", got.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		calls.Add(1)
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		ctx.SetBodyString(`{"success":false,"error":{"code":"CONTRACT_3001","message":"Contract not found","details":{}}}`)
	})

	err := c.Get(context.Background(), "/contracts/missing", nil)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 404, se.Status)
	assert.Equal(t, "CONTRACT_3001", se.Code)
	assert.Equal(t, "Contract not found", se.Message)
	assert.Equal(t, "HTTP 404: Contract not found (CONTRACT_3001)", se.Error())
	assert.Equal(t, int32(1), calls.Load())
}

func TestExhaustionReturnsLastStatusError(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		calls.Add(1)
		ctx.SetStatusCode(fasthttp.StatusTooManyRequests)
		ctx.SetBodyString(`{"success":false,"error":{"code":"GENERAL_9003","message":"Rate limit exceeded. Please try again later.","details":{"retry_after":30}}}`)
	})

	err := c.Get(context.Background(), "/contracts", nil)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 429, se.StatusCode())
	assert.Equal(t, 30, se.RetryAfter)
	assert.Equal(t, int32(4), calls.Load())
}

func TestOnRetryHookFromPolicy(t *testing.T) {
	var attempts []int
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusBadGateway)
	}, WithRetryOptions(retry.WithMaxRetries(2)))
	c.policy.OnRetry = func(_ error, attempt int, _ time.Duration) { attempts = append(attempts, attempt) }

	err := c.Get(context.Background(), "/health", nil)
	require.Error(t, err)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestNetworkErrorIsRetryable(t *testing.T) {
	var dials atomic.Int32
	hc := &fasthttp.Client{
		Dial: func(string) (net.Conn, error) {
			dials.Add(1)
			return nil, errors.New("connection refused")
		},
	}
	cfg := DefaultConfig("http://backend.test")
	cfg.Retry = retry.Policy{MaxRetries: 2}
	c := New(cfg, zerolog.Nop(), WithFastHTTPClient(hc), WithRetryOptions(retry.WithSleep(func(time.Duration) {})))

	err := c.Get(context.Background(), "/contracts", nil)

	var ne *NetworkError
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Retryable())
	assert.Contains(t, err.Error(), "network error")
	assert.GreaterOrEqual(t, dials.Load(), int32(3))
}

func TestCancelledContextStopsRetries(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	c := newTestClient(t, func(rc *fasthttp.RequestCtx) {
		calls.Add(1)
		cancel()
		rc.SetStatusCode(fasthttp.StatusInternalServerError)
	})

	err := c.Get(ctx, "/contracts", nil)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, int32(1), calls.Load())
}

func TestParseStatusErrorFallbacks(t *testing.T) {
	se := parseStatusError(422, []byte(`{"detail":"title is required"}`), "")
	assert.Equal(t, "title is required", se.Message)
	assert.False(t, se.Retryable())

	se = parseStatusError(503, []byte("<html>upstream down</html>"), "12")
	assert.Equal(t, "HTTP 503: Service Unavailable", se.Error())
	assert.Equal(t, 12, se.RetryAfter)
	assert.True(t, se.Retryable())
	assert.True(t, retry.DefaultShouldRetry(se, 0))
}

func TestExtraShouldRetryKeepsCancellationGuard(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	c := newTestClient(t, func(rc *fasthttp.RequestCtx) {
		calls.Add(1)
		cancel()
		rc.SetStatusCode(fasthttp.StatusInternalServerError)
	}, WithRetryOptions(retry.WithShouldRetry(func(error, int) bool { return true })))

	err := c.Get(ctx, "/contracts", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExtraOnRetryKeepsMetrics(t *testing.T) {
	m := metrics.New()
	var hooked []int
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusBadGateway)
	},
		WithMetrics(m),
		WithRetryOptions(
			retry.WithMaxRetries(2),
			retry.WithOnRetry(func(_ error, attempt int, _ time.Duration) { hooked = append(hooked, attempt) }),
		),
	)

	require.Error(t, c.Get(context.Background(), "/contracts", nil))
	assert.Equal(t, []int{1, 2}, hooked)

	expected := `
# HELP realtime_retries_total Retries scheduled by the retry executor.
# TYPE realtime_retries_total counter
realtime_retries_total{operation="GET /contracts"} 2
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "realtime_retries_total"))
}

func TestNegativeRetryBudgetStillSendsRequest(t *testing.T) {
	var calls atomic.Int32
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: func(ctx *fasthttp.RequestCtx) {
		calls.Add(1)
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	}}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	cfg := DefaultConfig("http://backend.test")
	cfg.Retry = retry.Policy{MaxRetries: -1}
	c := New(cfg, zerolog.Nop(), WithFastHTTPClient(&fasthttp.Client{
		Dial: func(string) (net.Conn, error) { return ln.Dial() },
	}))

	err := c.Get(context.Background(), "/contracts", nil)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 503, se.Status)
	assert.Equal(t, int32(1), calls.Load())
}
