package types

import "time"

// Known message types. The set is open; any other type string is routed the same way.
const (
	TypeContractUpdate   = "contract_update"
	TypeNotification     = "notification"
	TypeAnalysisComplete = "analysis_complete"
)

// Message is the wire envelope exchanged over the socket.
type Message struct {
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp int64          `json:"timestamp"`
}

// NewMessage builds a message stamped with the current time in milliseconds.
func NewMessage(msgType string, payload map[string]any) Message {
	if payload == nil {
		payload = map[string]any{}
	}
	return Message{
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Handler handles a dispatched message. A returned error is logged, never propagated.
type Handler func(msg Message) error

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	Close() error
}
