package infrastructure

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"relayWs/internal/modules/realtime/application/port"
	"relayWs/internal/modules/realtime/domain"
	"relayWs/internal/shared/logging"
)

// Command is the wire shape of a frame sent by a websocket client.
type Command struct {
	Action string         `json:"action"`
	Data   map[string]any `json:"data,omitempty"`
}

// CommandHandler reacts to one inbound client message. Replies go through the relayer
// so they share the connection's write lock with queue-driven sends.
type CommandHandler func(ctx context.Context, conn port.Connection, msg domain.IncomeMessage)

type CommandProcessor struct {
	relayer  port.Relayer
	handlers map[string]CommandHandler
	fallback CommandHandler
	logger   *slog.Logger
	now      func() time.Time
}

func NewCommandProcessor(relayer port.Relayer, fallback CommandHandler, logger *slog.Logger) *CommandProcessor {
	processor := &CommandProcessor{
		relayer:  relayer,
		handlers: make(map[string]CommandHandler),
		fallback: fallback,
		logger:   logging.Component(logger, "ws-commands"),
		now:      time.Now,
	}
	processor.Register(domain.ActionPing, processor.handlePing)
	return processor
}

func (p *CommandProcessor) Register(action string, handler CommandHandler) {
	if handler == nil {
		return
	}
	key := domain.NormalizeAction(action)
	if key == "" {
		return
	}
	p.handlers[key] = handler
}

// Process decodes a raw frame received on conn and runs the matching command handler.
func (p *CommandProcessor) Process(ctx context.Context, userID string, conn port.Connection, frame []byte) {
	var cmd Command
	if err := json.Unmarshal(frame, &cmd); err != nil {
		p.logger.Debug("ws command undecodable", slog.String("userId", userID), slog.String("connectionId", conn.ID()), slog.Any("error", err))
		p.replyError(ctx, userID, conn, "invalid frame")
		return
	}

	msg := domain.NewIncomeMessage(userID, conn.ID(), cmd.Action, cmd.Data, p.now())
	if msg.Action == "" {
		p.replyError(ctx, userID, conn, "missing action")
		return
	}

	if handler, ok := p.handlers[msg.Action]; ok {
		handler(ctx, conn, msg)
		return
	}
	if p.fallback == nil {
		p.logger.Debug("ws command ignored", slog.String("userId", userID), slog.String("connectionId", conn.ID()), slog.String("action", msg.Action))
		return
	}
	p.fallback(ctx, conn, msg)
}

func (p *CommandProcessor) handlePing(ctx context.Context, conn port.Connection, msg domain.IncomeMessage) {
	pong := domain.NewMessage(domain.SystemEntity, domain.ActionPong, map[string]string{"uid": msg.UID}, p.now())
	p.relayer.SendToUser(ctx, msg.UserID, pong, conn)
}

func (p *CommandProcessor) replyError(ctx context.Context, userID string, conn port.Connection, reason string) {
	reply := domain.NewMessage(domain.SystemEntity, domain.ActionError, map[string]string{"reason": reason}, p.now())
	p.relayer.SendToUser(ctx, userID, reply, conn)
}
