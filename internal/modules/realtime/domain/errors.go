package domain

import "errors"

var (
	// ErrCapacityReached is returned when a registry refuses a connection because it is full.
	ErrCapacityReached = errors.New("connection limit reached")
	// ErrNotAccepted is returned by transports asked to write before the handshake completed.
	ErrNotAccepted = errors.New("connection not accepted")

	// ErrNoHandler marks a routing failure: no registered handler claims the action.
	ErrNoHandler = errors.New("no handler for action")
	// ErrHandlerConflict marks a handler set where two handlers claim the same action.
	ErrHandlerConflict = errors.New("conflicting handler claims")
	// ErrRegistrySealed is returned when handlers are registered after initialization.
	ErrRegistrySealed = errors.New("handler registry sealed")
	// ErrDecode marks a broker message that could not be turned into a MessageContext.
	ErrDecode = errors.New("undecodable message")

	// ErrWorkerState is returned when a worker operation is called in the wrong lifecycle state.
	ErrWorkerState = errors.New("invalid worker state")
)
