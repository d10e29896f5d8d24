package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var errConnectInProgress = errors.New("connect already in progress")

// redisEnvelope wraps a message with the originating instance ID
// so that a node can skip its own published messages.
type redisEnvelope struct {
	InstanceID string        `json:"instance_id"`
	Message    types.Message `json:"message"`
}

// Redis is a Transport over Redis pub/sub. Backend workers publish events
// on the configured channel; every connected Redis transport receives them.
//
// The mutex guards state only and is never held across network I/O, so
// IsConnected and Send stay non-blocking while a Connect is in flight.
type Redis struct {
	client     *redis.Client
	channel    string
	addr       string
	instanceID string
	logger     zerolog.Logger

	mu         sync.RWMutex
	active     bool
	connecting bool
	cancel     context.CancelFunc
	receiver   func(types.Message)

	wg          sync.WaitGroup
	dispatching atomic.Bool
}

// NewRedis creates a disconnected Redis pub/sub transport.
func NewRedis(cfg *RedisConfig, logger zerolog.Logger) (*Redis, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	channel := cfg.Channel
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &Redis{
		client:     redis.NewClient(opts),
		channel:    channel,
		addr:       opts.Addr,
		instanceID: uuid.New().String(),
		logger:     logger.With().Str("component", "redis-transport").Logger(),
		receiver:   func(types.Message) {},
	}, nil
}

// SetReceiver installs the inbound delivery function.
func (r *Redis) SetReceiver(fn func(types.Message)) {
	if fn == nil {
		fn = func(types.Message) {}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receiver = fn
}

// Connect subscribes to the event channel and begins relaying messages.
// A Disconnect issued while the handshake is running aborts it.
func (r *Redis) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		return nil
	}
	if r.connecting {
		r.mu.Unlock()
		return &ConnectionError{Addr: r.addr, Err: errConnectInProgress}
	}
	if r.cancel != nil {
		// Left over from a subscription the server closed.
		r.cancel()
	}
	listenCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.connecting = true
	r.mu.Unlock()

	sub, err := r.handshake(ctx, listenCtx)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.connecting = false
	if err == nil && listenCtx.Err() != nil {
		sub.Close()
		err = listenCtx.Err()
	}
	if err != nil {
		cancel()
		r.cancel = nil
		return &ConnectionError{Addr: r.addr, Err: err}
	}

	r.active = true
	r.wg.Add(1)
	go r.listen(listenCtx, sub)

	r.logger.Info().
		Str("instance_id", r.instanceID).
		Str("channel", r.channel).
		Msg("redis transport connected")
	return nil
}

// handshake pings the server and waits for the subscription confirmation.
func (r *Redis) handshake(ctx, listenCtx context.Context) (*redis.PubSub, error) {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	sub := r.client.Subscribe(listenCtx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}
	return sub, nil
}

// Disconnect stops relaying and drops the subscription. The client stays
// usable for a later Connect until Close is called. Called from a receiver
// callback it returns without waiting for the listener, which exits once
// the callback returns.
func (r *Redis) Disconnect() {
	r.mu.Lock()
	wasActive := r.active
	r.active = false
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !r.dispatching.Load() {
		r.wg.Wait()
	}
	if wasActive {
		r.logger.Info().Str("channel", r.channel).Msg("redis transport disconnected")
	}
}

// Close disconnects and releases the Redis client.
func (r *Redis) Close() error {
	r.Disconnect()
	return r.client.Close()
}

// IsConnected reports whether the subscription is live.
func (r *Redis) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Send publishes msg to every other subscriber of the channel.
func (r *Redis) Send(msg types.Message) error {
	if !r.IsConnected() {
		return ErrNotConnected
	}
	data, err := json.Marshal(redisEnvelope{InstanceID: r.instanceID, Message: msg})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return r.client.Publish(context.Background(), r.channel, data).Err()
}

// listen reads messages from the Redis subscription and forwards them to the receiver.
func (r *Redis) listen(ctx context.Context, sub *redis.PubSub) {
	defer r.wg.Done()
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				r.markLost()
				return
			}
			r.handleRedisMessage(msg.Payload)
		case <-ctx.Done():
			return
		}
	}
}

// markLost flags a subscription the server closed. The listen context is
// released by the next Connect or Disconnect.
func (r *Redis) markLost() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		r.active = false
		r.logger.Warn().Str("channel", r.channel).Msg("redis subscription closed")
	}
}

// handleRedisMessage decodes an envelope and forwards non-self messages.
func (r *Redis) handleRedisMessage(payload string) {
	var env redisEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Error().Err(err).Msg("failed to decode redis message")
		return
	}

	// Skip messages that originated from this instance.
	if env.InstanceID == r.instanceID {
		return
	}

	r.logger.Debug().
		Str("from_instance", env.InstanceID).
		Str("type", env.Message.Type).
		Msg("relaying message from redis")

	r.mu.RLock()
	receive := r.receiver
	r.mu.RUnlock()

	r.dispatching.Store(true)
	defer r.dispatching.Store(false)
	receive(env.Message)
}
