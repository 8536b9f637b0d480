package transport

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	domain "relayWs/internal/modules/realtime/domain"
	"relayWs/internal/modules/realtime/infrastructure"
	"relayWs/internal/shared/auth"
	"relayWs/internal/shared/httputil"
	"relayWs/internal/shared/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

var handshakeErrors = httputil.NewErrorMapper().
	WithMapping(auth.ErrMissingToken, http.StatusUnauthorized, "missing token").
	WithMapping(auth.ErrInvalidToken, http.StatusUnauthorized, "invalid token").
	WithMapping(domain.ErrCapacityReached, http.StatusServiceUnavailable, "connection limit reached")

// WebsocketOptions tunes the websocket entry point.
type WebsocketOptions struct {
	WriteTimeout time.Duration
	Logger       *slog.Logger
	now          func() time.Time
}

// NewWebsocketHandler exposes /ws and /ws/:token. The JWT subject becomes the user id; the
// connection is registered, greeted with system.connected and read until the peer leaves.
func NewWebsocketHandler(
	registry *infrastructure.ConnectionRegistry,
	validator auth.TokenValidator,
	commands *infrastructure.CommandProcessor,
	opts WebsocketOptions,
) echo.HandlerFunc {
	logger := logging.Component(opts.Logger, "ws-handler")
	now := opts.now
	if now == nil {
		now = time.Now
	}

	return func(c echo.Context) error {
		req := c.Request()
		requestID := c.Response().Header().Get(echo.HeaderXRequestID)
		peerIP := c.RealIP()

		token := strings.TrimSpace(c.Param("token"))
		if token == "" {
			token = auth.ExtractToken(req, "token")
		}
		claims, err := validator.Validate(token)
		if err != nil {
			info := handshakeErrors.Map(err)
			logger.Warn("ws handshake rejected", slog.String("ip", peerIP), slog.String("reqID", requestID), slog.Int("status", info.Status), slog.Any("error", err))
			return echo.NewHTTPError(info.Status, info.Message)
		}
		userID := claims.UserID()

		ctx := req.Context()
		conn := infrastructure.NewWebsocketConn(&upgrader, c.Response(), req, opts.WriteTimeout).WithLogger(opts.Logger)
		if err := registry.Connect(ctx, userID, conn); err != nil {
			// Capacity rejections are already answered. Otherwise answer with 503 unless the
			// failed upgrade did.
			if !errors.Is(err, domain.ErrCapacityReached) {
				logger.Error("ws connect failed", slog.String("userId", userID), slog.String("ip", peerIP), slog.Any("error", err))
				if cerr := conn.Close(websocket.CloseInternalServerErr, ""); cerr != nil {
					logger.Warn("ws connect failure close", slog.String("userId", userID), slog.Any("error", cerr))
				}
			}
			return nil
		}

		connected := domain.NewMessage(domain.SystemEntity, domain.ActionConnected, map[string]any{
			"connectionId": conn.ID(),
			"roles":        claims.Roles,
		}, now())
		connected.Metadata = map[string]string{"userId": userID}
		registry.SendToUser(ctx, userID, connected, conn)
		logger.Info("ws session started", slog.String("userId", userID), slog.String("connectionId", conn.ID()), slog.String("ip", peerIP), slog.String("reqID", requestID))

		readErr := conn.ReadLoop(ctx, func(frame []byte) {
			commands.Process(ctx, userID, conn, frame)
		})
		registry.Disconnect(userID, conn)
		if readErr != nil {
			logger.Debug("ws read loop ended", slog.String("userId", userID), slog.String("connectionId", conn.ID()), slog.Any("error", readErr))
		}
		logger.Info("ws session ended", slog.String("userId", userID), slog.String("connectionId", conn.ID()))
		return nil
	}
}
