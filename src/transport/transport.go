// Package transport provides the duplex connections an event channel runs on.
//
// Every transport follows the same send policy: Send on a transport that is
// not connected fails immediately with ErrNotConnected. Nothing is queued for
// later delivery, so callers that need at-least-once semantics must resend
// after reconnecting.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/orchestra-mcp/realtime/src/types"
)

// Send failures.
var (
	ErrNotConnected   = errors.New("transport not connected")
	ErrSendBufferFull = errors.New("transport send buffer full")
)

// Transport is a long-lived duplex connection that delivers inbound messages
// to a single receiver.
type Transport interface {
	// Connect establishes the link. Failures are returned as *ConnectionError.
	Connect(ctx context.Context) error

	// Disconnect closes the link. Safe to call repeatedly.
	Disconnect()

	// Send queues a message without waiting for delivery.
	Send(msg types.Message) error

	// IsConnected returns a non-blocking snapshot of the link state.
	IsConnected() bool

	// SetReceiver installs the function inbound messages are delivered to,
	// in receive order, from a single goroutine.
	SetReceiver(fn func(types.Message))
}

// ConnectionError reports a failed attempt to establish a link.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
