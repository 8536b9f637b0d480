package usecase

import (
	"context"
	"log/slog"

	"relayWs/internal/modules/realtime/application/port"
	"relayWs/internal/modules/realtime/domain"
	"relayWs/internal/shared/logging"
)

// RelayUseCase pushes the relay of a handled queue message to live connections.
type RelayUseCase struct {
	relayer port.Relayer
	logger  *slog.Logger
}

func NewRelayUseCase(relayer port.Relayer, logger *slog.Logger) *RelayUseCase {
	return &RelayUseCase{relayer: relayer, logger: logging.Component(logger, "relay")}
}

// Execute delivers relay and returns the number of successful writes. A relay naming a
// connection that is no longer registered is dropped.
func (uc *RelayUseCase) Execute(ctx context.Context, messageID string, relay *domain.Relay) int {
	if uc == nil || uc.relayer == nil || relay == nil {
		return 0
	}
	if relay.Broadcast {
		delivered := uc.relayer.Broadcast(ctx, relay.Payload, relay.ExcludeUserIDs...)
		uc.logger.Info("relay broadcast", slog.String("messageId", messageID), slog.Int("delivered", delivered))
		return delivered
	}
	if relay.UserID == "" {
		uc.logger.Warn("relay without recipient", slog.String("messageId", messageID))
		return 0
	}

	var target port.Connection
	if relay.ConnectionID != "" {
		conn, ok := uc.relayer.Lookup(relay.UserID, relay.ConnectionID)
		if !ok {
			uc.logger.Info("relay target gone",
				slog.String("messageId", messageID),
				slog.String("userId", relay.UserID),
				slog.String("connectionId", relay.ConnectionID),
			)
			return 0
		}
		target = conn
	}
	delivered := uc.relayer.SendToUser(ctx, relay.UserID, relay.Payload, target)
	uc.logger.Info("relay sent", slog.String("messageId", messageID), slog.String("userId", relay.UserID), slog.Int("delivered", delivered))
	return delivered
}
