package handler

import (
	"context"
	"fmt"
	"log/slog"

	"relayWs/internal/modules/realtime/application/port"
	"relayWs/internal/modules/realtime/domain"
)

type notifyUserPayload struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
	Topic        string `json:"topic"`
	Data         any    `json:"data"`
}

// NotifyUserHandler relays a queued notification to the live connections of one user.
type NotifyUserHandler struct {
	actions claims
	deps    Deps
	logger  *slog.Logger
}

// NewNotifyUserHandler claims the given actions, or domain.ActionNotifyUser when none are given.
func NewNotifyUserHandler(deps Deps, actions ...string) *NotifyUserHandler {
	if len(actions) == 0 {
		actions = []string{domain.ActionNotifyUser}
	}
	return &NotifyUserHandler{actions: newClaims(actions...), deps: deps, logger: deps.logger("notify-user")}
}

func (h *NotifyUserHandler) Name() string { return "notify-user" }

func (h *NotifyUserHandler) CanHandle(action string) bool { return h.actions.has(action) }

func (h *NotifyUserHandler) Actions() []string { return h.actions.list() }

func (h *NotifyUserHandler) Handle(_ context.Context, msg *domain.MessageContext) domain.ProcessingResult {
	var payload notifyUserPayload
	if err := msg.Decode(&payload); err != nil {
		return domain.Failed(fmt.Errorf("notify user: %w", err))
	}
	userID := firstNonEmpty(payload.UserID, msg.UserID)
	if userID == "" {
		return domain.Failed(fmt.Errorf("notify user: %w: missing userId", domain.ErrDecode))
	}

	out := &domain.Message{
		Topic:      firstNonEmpty(payload.Topic, domain.CustomTopic(domain.NotificationEntity, "user")),
		Entity:     domain.NotificationEntity,
		Action:     msg.Action,
		ResourceID: msg.ID,
		Metadata:   msg.Metadata,
		Data:       payload.Data,
		Timestamp:  h.deps.clock()().UTC(),
	}
	h.logger.Debug("notify user prepared", slog.String("userId", userID), slog.String("messageId", msg.ID), slog.String("topic", out.Topic))
	return domain.Succeeded(&domain.Relay{UserID: userID, ConnectionID: payload.ConnectionID, Payload: out})
}

var (
	_ port.MessageHandler = (*NotifyUserHandler)(nil)
	_ port.ActionClaimer  = (*NotifyUserHandler)(nil)
)
