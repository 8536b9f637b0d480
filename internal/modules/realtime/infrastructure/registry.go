package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"relayWs/internal/modules/realtime/application/port"
	"relayWs/internal/modules/realtime/domain"
)

// HandlerRegistry routes queue actions to message handlers.
//
// Routing policy: handlers are consulted in registration order and the first one whose
// CanHandle returns true processes the message. Overlapping claims are rejected by Seal
// for handlers that enumerate their actions; for the others order decides.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers []port.MessageHandler
	sealed   bool
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{}
}

// Register appends h to the routing order. It fails once the registry is sealed.
func (r *HandlerRegistry) Register(h port.MessageHandler) error {
	if h == nil {
		return errors.New("register handler: nil handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("register handler %s: %w", h.Name(), domain.ErrRegistrySealed)
	}
	r.handlers = append(r.handlers, h)
	return nil
}

// Seal validates the handler set and freezes it. Sealing twice is a no-op.
func (r *HandlerRegistry) Seal() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return nil
	}
	if err := ValidateHandlers(r.handlers); err != nil {
		return err
	}
	r.sealed = true
	return nil
}

// Resolve returns the first handler claiming action.
func (r *HandlerRegistry) Resolve(action string) (port.MessageHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handlers {
		if h.CanHandle(action) {
			return h, true
		}
	}
	return nil, false
}

// Dispatch hands msg to the handler resolved for its action. It returns domain.ErrNoHandler
// when nothing claims the action; a panicking handler yields a failed result.
func (r *HandlerRegistry) Dispatch(ctx context.Context, msg *domain.MessageContext) (port.MessageHandler, domain.ProcessingResult, error) {
	h, ok := r.Resolve(msg.Action)
	if !ok {
		return nil, domain.ProcessingResult{}, fmt.Errorf("%w: %q", domain.ErrNoHandler, msg.Action)
	}
	return h, invoke(ctx, h, msg), nil
}

func invoke(ctx context.Context, h port.MessageHandler, msg *domain.MessageContext) (result domain.ProcessingResult) {
	defer func() {
		if rec := recover(); rec != nil {
			result = domain.Failed(fmt.Errorf("handler %s panic: %v", h.Name(), rec))
		}
	}()
	return h.Handle(ctx, msg)
}

// ValidateHandlers rejects nil handlers and actions claimed by more than one handler.
func ValidateHandlers(handlers []port.MessageHandler) error {
	owners := make(map[string]string)
	for i, h := range handlers {
		if h == nil {
			return fmt.Errorf("handler %d is nil", i)
		}
		claimer, ok := h.(port.ActionClaimer)
		if !ok {
			continue
		}
		for _, action := range claimer.Actions() {
			key := domain.NormalizeAction(action)
			if owner, taken := owners[key]; taken {
				return fmt.Errorf("%w: action %q claimed by %s and %s", domain.ErrHandlerConflict, key, owner, h.Name())
			}
			owners[key] = h.Name()
		}
	}
	return nil
}
