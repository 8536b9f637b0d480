package handler

import (
	"context"
	"fmt"
	"log/slog"

	"relayWs/internal/modules/realtime/application/port"
	"relayWs/internal/modules/realtime/domain"
)

type broadcastPayload struct {
	Topic          string   `json:"topic"`
	ExcludeUserIDs []string `json:"excludeUserIds"`
	Data           any      `json:"data"`
}

// BroadcastHandler relays a queued notification to every connected user.
type BroadcastHandler struct {
	actions claims
	deps    Deps
	logger  *slog.Logger
}

func NewBroadcastHandler(deps Deps, actions ...string) *BroadcastHandler {
	if len(actions) == 0 {
		actions = []string{domain.ActionNotifyBroadcast}
	}
	return &BroadcastHandler{actions: newClaims(actions...), deps: deps, logger: deps.logger("broadcast")}
}

func (h *BroadcastHandler) Name() string { return "broadcast" }

func (h *BroadcastHandler) CanHandle(action string) bool { return h.actions.has(action) }

func (h *BroadcastHandler) Actions() []string { return h.actions.list() }

func (h *BroadcastHandler) Handle(_ context.Context, msg *domain.MessageContext) domain.ProcessingResult {
	var payload broadcastPayload
	if err := msg.Decode(&payload); err != nil {
		return domain.Failed(fmt.Errorf("broadcast: %w", err))
	}
	out := &domain.Message{
		Topic:      firstNonEmpty(payload.Topic, domain.CustomTopic(domain.NotificationEntity, "broadcast")),
		Entity:     domain.NotificationEntity,
		Action:     msg.Action,
		ResourceID: msg.ID,
		Metadata:   msg.Metadata,
		Data:       payload.Data,
		Timestamp:  h.deps.clock()().UTC(),
	}
	h.logger.Debug("broadcast prepared", slog.String("messageId", msg.ID), slog.Any("exclude", payload.ExcludeUserIDs))
	return domain.Succeeded(&domain.Relay{Broadcast: true, ExcludeUserIDs: payload.ExcludeUserIDs, Payload: out})
}

var (
	_ port.MessageHandler = (*BroadcastHandler)(nil)
	_ port.ActionClaimer  = (*BroadcastHandler)(nil)
)
