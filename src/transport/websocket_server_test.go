package transport

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

var upgrader = websocket.FastHTTPUpgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// echoServer answers every message with a notification carrying the same payload.
// Requests without a client id are rejected before the upgrade.
func echoServer(t *testing.T) *fasthttputil.InmemoryListener {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: func(ctx *fasthttp.RequestCtx) {
		if !strings.EqualFold(string(ctx.Request.Header.Peek("Upgrade")), "websocket") {
			ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
			return
		}
		if string(ctx.Path()) == "/forbidden" || len(ctx.Request.Header.Peek("X-Client-ID")) == 0 {
			ctx.SetStatusCode(fasthttp.StatusForbidden)
			return
		}
		err := upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
			defer conn.Close()
			for {
				var msg types.Message
				if err := conn.ReadJSON(&msg); err != nil {
					return
				}
				if err := conn.WriteJSON(types.NewMessage(types.TypeNotification, msg.Payload)); err != nil {
					return
				}
			}
		})
		if err != nil {
			t.Logf("upgrade failed: %v", err)
		}
	}}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Shutdown() })
	return ln
}

func newServerWebSocket(t *testing.T, ln *fasthttputil.InmemoryListener, path string) *WebSocket {
	t.Helper()
	cfg := DefaultWebSocketConfig("ws://backend.test" + path)
	cfg.Reconnect = false
	cfg.HandshakeTimeout = time.Second
	cfg.NetDialContext = func(context.Context, string, string) (net.Conn, error) { return ln.Dial() }
	ws := NewWebSocket(cfg, zerolog.Nop())
	t.Cleanup(ws.Disconnect)
	return ws
}

func TestWebSocketRoundTripOverRealConnection(t *testing.T) {
	ln := echoServer(t)
	ws := newServerWebSocket(t, ln, "/ws")

	var mu sync.Mutex
	var got []types.Message
	ws.SetReceiver(func(msg types.Message) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg)
	})

	require.NoError(t, ws.Connect(context.Background()))
	require.NoError(t, ws.Send(types.NewMessage("ping", map[string]any{"contractId": "C1"})))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, types.TypeNotification, got[0].Type)
	assert.Equal(t, "C1", got[0].Payload["contractId"])
	assert.NotZero(t, got[0].Timestamp)
}

func TestWebSocketRejectedHandshakeIsNotRetryable(t *testing.T) {
	ln := echoServer(t)
	ws := newServerWebSocket(t, ln, "/forbidden")

	err := ws.Connect(context.Background())

	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	var he *handshakeError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, fasthttp.StatusForbidden, he.StatusCode())
	assert.True(t, errors.Is(err, websocket.ErrBadHandshake))
	assert.False(t, ws.IsConnected())
}
