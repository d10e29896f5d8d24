// Package monitor polls a connection's liveness and keeps the latest
// snapshot for consumers that render connection health.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orchestra-mcp/realtime/src/metrics"
	"github.com/rs/zerolog"
)

// DefaultInterval is the polling cadence.
const DefaultInterval = 1000 * time.Millisecond

// Source is anything that can report its connection state.
type Source interface {
	IsConnected() bool
}

// Connector is a Source that can also establish its connection.
type Connector interface {
	Connect(ctx context.Context) error
}

// Monitor samples a Source on a fixed interval.
type Monitor struct {
	src      Source
	interval time.Duration
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	autoConnect    bool
	autoConnectCtx context.Context

	connected atomic.Bool
	mu        sync.Mutex
	onChange  []func(bool)

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithInterval overrides the polling cadence.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithAutoConnect makes the monitor trigger one Connect on creation.
func WithAutoConnect(ctx context.Context) Option {
	return func(m *Monitor) {
		m.autoConnect = true
		m.autoConnectCtx = ctx
	}
}

// WithMetrics publishes every sample to the connected gauge.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// New starts polling src immediately. Call Stop to release the ticker.
func New(src Source, logger zerolog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		src:      src,
		interval: DefaultInterval,
		logger:   logger.With().Str("component", "connection-monitor").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.connected.Store(m.sample())
	m.metrics.SetConnected(m.connected.Load())

	go m.run()
	if m.autoConnect {
		go m.connectOnce()
	}
	return m
}

func (m *Monitor) connectOnce() {
	conn, ok := m.src.(Connector)
	if !ok {
		m.logger.Warn().Msg("auto-connect requested but source cannot connect")
		return
	}
	ctx := m.autoConnectCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := conn.Connect(ctx); err != nil {
		m.logger.Error().Err(err).Msg("auto-connect failed")
	}
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.interval)
	defer func() {
		ticker.Stop()
		close(m.done)
	}()

	for {
		select {
		case <-ticker.C:
			m.tick()
		case <-m.stop:
			return
		}
	}
}

func (m *Monitor) tick() {
	now := m.sample()
	m.metrics.SetConnected(now)
	if prev := m.connected.Swap(now); prev == now {
		return
	}

	m.logger.Info().Bool("connected", now).Msg("connection state changed")

	m.mu.Lock()
	callbacks := make([]func(bool), len(m.onChange))
	copy(callbacks, m.onChange)
	m.mu.Unlock()

	for _, cb := range callbacks {
		m.notify(cb, now)
	}
}

// sample reads the source; a panicking source counts as disconnected.
func (m *Monitor) sample() (connected bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("connection sample failed")
			connected = false
		}
	}()
	return m.src.IsConnected()
}

func (m *Monitor) notify(cb func(bool), connected bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("connection change callback panicked")
		}
	}()
	cb(connected)
}

// IsConnected returns the most recent sample.
func (m *Monitor) IsConnected() bool {
	return m.connected.Load()
}

// OnChange registers a callback for connection transitions.
func (m *Monitor) OnChange(cb func(connected bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, cb)
}

// Stop halts polling and waits for the poll loop to exit. Safe to call repeatedly.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}
