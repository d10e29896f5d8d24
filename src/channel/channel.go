// Package channel routes messages from a transport to typed subscribers.
//
// A Channel owns exactly one transport. Inbound messages are dispatched to
// every live subscription of the message type; subscriber failures are
// logged and contained so they never reach the transport or other
// subscribers.
package channel

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/orchestra-mcp/realtime/src/metrics"
	"github.com/orchestra-mcp/realtime/src/transport"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
)

type subscription struct {
	id      uint64
	msgType string
	handler types.Handler
	active  atomic.Bool
}

// Channel is a typed publish/subscribe channel over a transport.
type Channel struct {
	transport transport.Transport
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	mu     sync.RWMutex
	subs   map[string]map[uint64]*subscription // type -> id -> subscription
	nextID uint64
	closed bool
}

// Option customizes a Channel.
type Option func(*Channel)

// WithMetrics records dispatch and subscriber failure counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// New creates a channel that owns t and receives everything t delivers.
func New(t transport.Transport, logger zerolog.Logger, opts ...Option) *Channel {
	c := &Channel{
		transport: t,
		logger:    logger.With().Str("component", "event-channel").Logger(),
		subs:      make(map[string]map[uint64]*subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	t.SetReceiver(c.Dispatch)
	return c
}

// Connect establishes the transport link.
func (c *Channel) Connect(ctx context.Context) error {
	return c.transport.Connect(ctx)
}

// Disconnect closes the transport link; subscriptions stay registered.
func (c *Channel) Disconnect() {
	c.transport.Disconnect()
}

// IsConnected returns the transport's connection snapshot.
func (c *Channel) IsConnected() bool {
	return c.transport.IsConnected()
}

// Send forwards msg to the transport without waiting for delivery.
func (c *Channel) Send(msg types.Message) error {
	if err := c.transport.Send(msg); err != nil {
		c.logger.Debug().Err(err).Str("type", msg.Type).Msg("send failed")
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

// Subscribe registers h for messages of msgType. The returned function
// cancels the subscription; calling it again does nothing.
func (c *Channel) Subscribe(msgType string, h types.Handler) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return func() {}
	}

	c.nextID++
	sub := &subscription{id: c.nextID, msgType: msgType, handler: h}
	sub.active.Store(true)
	if c.subs[msgType] == nil {
		c.subs[msgType] = make(map[uint64]*subscription)
	}
	c.subs[msgType][sub.id] = sub

	c.logger.Debug().Str("type", msgType).Uint64("subscription", sub.id).Msg("subscribed")

	var once sync.Once
	return func() {
		once.Do(func() { c.remove(sub) })
	}
}

func (c *Channel) remove(sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub.active.Store(false)
	subs, ok := c.subs[sub.msgType]
	if !ok {
		return
	}
	if subs[sub.id] == sub {
		delete(subs, sub.id)
	}
	if len(subs) == 0 {
		delete(c.subs, sub.msgType)
	}
	c.logger.Debug().Str("type", sub.msgType).Uint64("subscription", sub.id).Msg("unsubscribed")
}

// Dispatch delivers msg once to every live subscription of msg.Type.
// Transports call it from their read loop, in receive order.
func (c *Channel) Dispatch(msg types.Message) {
	c.mu.RLock()
	subs := c.subs[msg.Type]
	// Copy subscriptions to avoid holding the lock during callbacks.
	targets := make([]*subscription, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub)
	}
	c.mu.RUnlock()

	if len(targets) == 0 {
		c.logger.Debug().Str("type", msg.Type).Msg("no subscribers")
		return
	}
	c.metrics.ObserveDispatch(msg.Type)

	for _, sub := range targets {
		if !sub.active.Load() {
			continue
		}
		c.deliver(sub, msg)
	}
}

// deliver invokes one handler, containing errors and panics.
func (c *Channel) deliver(sub *subscription, msg types.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.ObserveSubscriberFailure(msg.Type)
			c.logger.Error().
				Interface("panic", r).
				Str("type", msg.Type).
				Uint64("subscription", sub.id).
				Msg("subscriber panicked")
		}
	}()

	if err := sub.handler(msg); err != nil {
		c.metrics.ObserveSubscriberFailure(msg.Type)
		c.logger.Error().
			Err(err).
			Str("type", msg.Type).
			Uint64("subscription", sub.id).
			Msg("subscriber error")
	}
}

// Subscriptions returns message types with their live subscription counts.
func (c *Channel) Subscriptions() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make(map[string]int, len(c.subs))
	for msgType, subs := range c.subs {
		result[msgType] = len(subs)
	}
	return result
}

// Close releases every subscription and tears down the transport.
// Transports that implement io.Closer are closed as well.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, subs := range c.subs {
		for _, sub := range subs {
			sub.active.Store(false)
		}
	}
	c.subs = make(map[string]map[uint64]*subscription)
	c.mu.Unlock()

	c.transport.Disconnect()
	if closer, ok := c.transport.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("close transport: %w", err)
		}
	}
	c.logger.Info().Msg("event channel closed")
	return nil
}
