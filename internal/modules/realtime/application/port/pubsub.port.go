package port

import (
	"context"

	"relayWs/internal/modules/realtime/domain"
)

// Connection is one live duplex channel to a client.
// Accept completes the transport handshake; SendJSON and Close may fail at any time.
type Connection interface {
	ID() string
	Accept(ctx context.Context) error
	SendJSON(ctx context.Context, payload any) error
	Close(code int, reason string) error
}

// Relayer pushes payloads out to the live connections of a user.
type Relayer interface {
	SendToUser(ctx context.Context, userID string, payload any, target Connection) int
	Broadcast(ctx context.Context, payload any, excludeUserIDs ...string) int
	Lookup(userID, connectionID string) (Connection, bool)
}

// MessageHandler processes the queue actions it claims.
type MessageHandler interface {
	Name() string
	CanHandle(action string) bool
	Handle(ctx context.Context, msg *domain.MessageContext) domain.ProcessingResult
}

// ActionClaimer is implemented by handlers that can enumerate the actions they claim,
// which lets overlapping claims be rejected when the worker initializes.
type ActionClaimer interface {
	Actions() []string
}

// EmailSender delivers a single plain-text email.
type EmailSender interface {
	Send(ctx context.Context, to []string, subject, body string) error
}
