package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Acknowledger is the broker-side handle of a consumed message.
// Reject hands the message to the adapter's dead-letter policy and acknowledges the original.
type Acknowledger interface {
	Ack(ctx context.Context) error
	Reject(ctx context.Context, reason error) error
}

// MessageContext is one decoded unit of work. It is handled exactly once by exactly one handler.
type MessageContext struct {
	ID         string
	Queue      string
	Action     string
	UserID     string
	Payload    json.RawMessage
	Metadata   map[string]string
	ReceivedAt time.Time
	Ack        Acknowledger
}

// Decode unmarshals the payload into v.
func (m *MessageContext) Decode(v any) error {
	if len(m.Payload) == 0 {
		return ErrDecode
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return errors.Join(ErrDecode, err)
	}
	return nil
}

// Relay describes a payload the worker pushes to live connections after a successful handle.
// Broadcast sends to every user except ExcludeUserIDs; otherwise UserID is targeted, optionally
// narrowed to a single connection.
type Relay struct {
	UserID         string
	ConnectionID   string
	Broadcast      bool
	ExcludeUserIDs []string
	Payload        any
}

// ProcessingResult is the outcome of a handler invocation.
type ProcessingResult struct {
	Success bool
	Error   error
	Relay   *Relay
}

// Succeeded returns a successful result with an optional relay.
func Succeeded(relay *Relay) ProcessingResult {
	return ProcessingResult{Success: true, Relay: relay}
}

// Failed returns a failed result carrying err.
func Failed(err error) ProcessingResult {
	return ProcessingResult{Success: false, Error: err}
}
