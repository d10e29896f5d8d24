package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/orchestra-mcp/realtime/src/metrics"
	"github.com/orchestra-mcp/realtime/src/retry"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
)

// DialFunc opens a WebSocket connection.
type DialFunc func(ctx context.Context, url string, header http.Header) (types.Conn, error)

// WebSocketConfig holds client-side WebSocket settings.
type WebSocketConfig struct {
	URL              string
	Header           http.Header
	SendBufferSize   int
	HandshakeTimeout time.Duration

	// NetDialContext overrides the TCP dial, e.g. for unix sockets or tests.
	NetDialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	// Reconnect re-establishes the link after an unexpected drop.
	Reconnect       bool
	ReconnectPolicy retry.Policy
}

// DefaultWebSocketConfig returns the default client configuration for url.
func DefaultWebSocketConfig(url string) WebSocketConfig {
	return WebSocketConfig{
		URL:              url,
		SendBufferSize:   256,
		HandshakeTimeout: 10 * time.Second,
		Reconnect:        true,
		ReconnectPolicy: retry.Policy{
			MaxRetries: 5,
			BaseDelay:  retry.DefaultBaseDelay,
			MaxDelay:   retry.DefaultMaxDelay,
		},
	}
}

// wsSession is one established connection and its pumps.
type wsSession struct {
	conn types.Conn
	send chan types.Message
	done chan struct{}
	once sync.Once
}

func (s *wsSession) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// WebSocket is a Transport over a client WebSocket connection.
type WebSocket struct {
	ID     string
	cfg    WebSocketConfig
	dial    DialFunc
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu         sync.RWMutex
	sess       *wsSession
	receiver   func(types.Message)
	lifeCancel context.CancelFunc
}

// WebSocketOption customizes a WebSocket transport.
type WebSocketOption func(*WebSocket)

// WithDialer replaces the network dialer.
func WithDialer(dial DialFunc) WebSocketOption {
	return func(w *WebSocket) {
		if dial != nil {
			w.dial = dial
		}
	}
}

// WithMetrics records reconnect retries under the "ws.reconnect" operation.
func WithMetrics(m *metrics.Metrics) WebSocketOption {
	return func(w *WebSocket) { w.metrics = m }
}

// NewWebSocket creates a disconnected WebSocket transport.
func NewWebSocket(cfg WebSocketConfig, logger zerolog.Logger, opts ...WebSocketOption) *WebSocket {
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 256
	}
	w := &WebSocket{
		ID:       uuid.New().String(),
		cfg:      cfg,
		logger:   logger.With().Str("component", "ws-transport").Logger(),
		receiver: func(types.Message) {},
	}
	w.dial = w.defaultDial
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *WebSocket) defaultDial(ctx context.Context, url string, header http.Header) (types.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: w.cfg.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
		NetDialContext:   w.cfg.NetDialContext,
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil && !retry.IsRetryableStatus(resp.StatusCode) {
			return nil, &handshakeError{status: resp.StatusCode, err: err}
		}
		return nil, err
	}
	return conn, nil
}

// handshakeError is a rejected upgrade that retrying will not fix.
type handshakeError struct {
	status int
	err    error
}

func (e *handshakeError) Error() string   { return e.err.Error() }
func (e *handshakeError) Unwrap() error   { return e.err }
func (e *handshakeError) StatusCode() int { return e.status }

// SetReceiver installs the inbound delivery function.
func (w *WebSocket) SetReceiver(fn func(types.Message)) {
	if fn == nil {
		fn = func(types.Message) {}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.receiver = fn
}

// Connect dials the configured URL. It is a no-op when already connected.
func (w *WebSocket) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.sess != nil {
		w.mu.Unlock()
		return nil
	}
	if w.lifeCancel != nil {
		w.lifeCancel()
	}
	life, cancel := context.WithCancel(context.Background())
	w.lifeCancel = cancel
	w.mu.Unlock()

	return w.open(ctx, life)
}

func (w *WebSocket) open(ctx, life context.Context) error {
	header := w.cfg.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("X-Client-ID", w.ID)

	conn, err := w.dial(ctx, w.cfg.URL, header)
	if err != nil {
		return &ConnectionError{Addr: w.cfg.URL, Err: err}
	}

	w.mu.Lock()
	if life.Err() != nil || w.sess != nil {
		w.mu.Unlock()
		conn.Close()
		return life.Err()
	}
	sess := &wsSession{
		conn: conn,
		send: make(chan types.Message, w.cfg.SendBufferSize),
		done: make(chan struct{}),
	}
	w.sess = sess
	w.mu.Unlock()

	go w.writePump(sess, life)
	go w.readPump(sess, life)

	w.logger.Info().Str("url", w.cfg.URL).Str("client_id", w.ID).Msg("websocket connected")
	return nil
}

// Disconnect closes the current connection and stops any pending reconnect.
func (w *WebSocket) Disconnect() {
	w.mu.Lock()
	if w.lifeCancel != nil {
		w.lifeCancel()
		w.lifeCancel = nil
	}
	sess := w.sess
	w.sess = nil
	w.mu.Unlock()

	if sess != nil {
		sess.close()
		w.logger.Info().Str("url", w.cfg.URL).Msg("websocket disconnected")
	}
}

// IsConnected reports whether a connection is established.
func (w *WebSocket) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.sess != nil
}

// Send queues msg on the write pump. It fails with ErrNotConnected while
// disconnected and ErrSendBufferFull when the queue is saturated.
func (w *WebSocket) Send(msg types.Message) error {
	w.mu.RLock()
	sess := w.sess
	w.mu.RUnlock()
	if sess == nil {
		return ErrNotConnected
	}

	select {
	case <-sess.done:
		return ErrNotConnected
	default:
	}
	select {
	case sess.send <- msg:
		return nil
	default:
		w.logger.Warn().Str("type", msg.Type).Msg("send buffer full, dropping")
		return ErrSendBufferFull
	}
}

// readPump decodes inbound frames and hands them to the receiver in order.
func (w *WebSocket) readPump(sess *wsSession, life context.Context) {
	for {
		var msg types.Message
		if err := sess.conn.ReadJSON(&msg); err != nil {
			w.drop(sess, life, err)
			return
		}
		w.mu.RLock()
		receive := w.receiver
		w.mu.RUnlock()
		receive(msg)
	}
}

// writePump writes queued messages until the session ends.
func (w *WebSocket) writePump(sess *wsSession, life context.Context) {
	for {
		select {
		case msg := <-sess.send:
			if err := sess.conn.WriteJSON(msg); err != nil {
				w.drop(sess, life, err)
				return
			}
		case <-sess.done:
			return
		}
	}
}

// drop tears down sess after an I/O failure and schedules a reconnect when
// the drop was not requested.
func (w *WebSocket) drop(sess *wsSession, life context.Context, cause error) {
	w.mu.Lock()
	current := w.sess == sess
	if current {
		w.sess = nil
	}
	w.mu.Unlock()
	sess.close()

	if !current || life.Err() != nil {
		return
	}
	w.logger.Warn().Err(cause).Str("url", w.cfg.URL).Msg("websocket connection lost")
	if w.cfg.Reconnect {
		go w.reconnect(life)
	}
}

func (w *WebSocket) reconnect(life context.Context) {
	record := w.metrics.RetryHook("ws.reconnect")
	_, err := retry.Execute(func() (struct{}, error) {
		if err := life.Err(); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, w.open(life, life)
	},
		retry.WithPolicy(w.cfg.ReconnectPolicy),
		retry.WithShouldRetry(func(err error, attempt int) bool {
			if life.Err() != nil {
				return false
			}
			var ce *ConnectionError
			if errors.As(err, &ce) {
				var he *handshakeError
				return !errors.As(err, &he)
			}
			return retry.DefaultShouldRetry(err, attempt)
		}),
		retry.WithOnRetry(func(err error, attempt int, delay time.Duration) {
			w.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
			record(err, attempt, delay)
		}),
	)
	if err != nil && life.Err() == nil {
		w.logger.Error().Err(err).Str("url", w.cfg.URL).Msg("reconnect failed")
	}
}
