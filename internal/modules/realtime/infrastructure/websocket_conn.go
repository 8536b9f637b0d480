package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"relayWs/internal/modules/realtime/application/port"
	"relayWs/internal/modules/realtime/domain"
	"relayWs/internal/shared/logging"
)

const (
	defaultWriteTimeout = 10 * time.Second
	closeGracePeriod    = time.Second
	pongWait            = 60 * time.Second
	pingPeriod          = 30 * time.Second
	maxFrameBytes       = 1 << 16
)

// WebsocketConn is a gorilla websocket bound to the HTTP request that will carry it.
// Accept performs the upgrade; until then Close answers the request with a plain HTTP error.
type WebsocketConn struct {
	id           string
	upgrader     *websocket.Upgrader
	w            http.ResponseWriter
	r            *http.Request
	writeTimeout time.Duration
	pingEvery    time.Duration
	logger       *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	// responded is set once a failed upgrade has answered the request.
	responded bool

	closeOnce sync.Once
	closeErr  error
}

// NewWebsocketConn prepares a connection for the pending upgrade request.
func NewWebsocketConn(upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request, writeTimeout time.Duration) *WebsocketConn {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &WebsocketConn{
		id:           uuid.NewString(),
		upgrader:     upgrader,
		w:            w,
		r:            r,
		writeTimeout: writeTimeout,
		pingEvery:    pingPeriod,
		logger:       logging.Component(nil, "ws-conn"),
	}
}

// WithLogger sets the logger used for keep-alive diagnostics.
func (c *WebsocketConn) WithLogger(logger *slog.Logger) *WebsocketConn {
	c.logger = logging.Component(logger, "ws-conn")
	return c
}

func (c *WebsocketConn) ID() string { return c.id }

func (c *WebsocketConn) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Accept upgrades the HTTP request. On failure gorilla has already answered the request.
func (c *WebsocketConn) Accept(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := c.upgrader.Upgrade(c.w, c.r, nil)
	if err != nil {
		c.mu.Lock()
		c.responded = true
		c.mu.Unlock()
		return fmt.Errorf("websocket upgrade: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// SendJSON writes payload as a single text frame. The write deadline is the earlier of the
// context deadline and the configured write timeout. Callers serialize writes.
func (c *WebsocketConn) SendJSON(ctx context.Context, payload any) error {
	conn := c.current()
	if conn == nil {
		return domain.ErrNotAccepted
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}

// Close sends a close frame with code and reason and releases the socket. Only the first call
// has an effect. A connection that was never accepted answers its request with 503 instead,
// unless the failed upgrade already did.
func (c *WebsocketConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn, responded := c.conn, c.responded
		c.mu.Unlock()
		if conn == nil {
			if responded {
				return
			}
			if reason == "" {
				reason = http.StatusText(http.StatusServiceUnavailable)
			}
			http.Error(c.w, reason, http.StatusServiceUnavailable)
			return
		}
		msg := websocket.FormatCloseMessage(code, reason)
		werr := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		if errors.Is(werr, websocket.ErrCloseSent) {
			werr = nil
		}
		c.closeErr = errors.Join(werr, conn.Close())
	})
	return c.closeErr
}

// ReadLoop reads client frames and hands them to onFrame until the peer goes away, the
// connection fails or ctx ends. Pings keep the read deadline alive; a clean close returns nil.
func (c *WebsocketConn) ReadLoop(ctx context.Context, onFrame func([]byte)) error {
	conn := c.current()
	if conn == nil {
		return domain.ErrNotAccepted
	}

	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.keepAlive(loopCtx, conn)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		onFrame(data)
	}
}

func (c *WebsocketConn) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ping := time.NewTicker(c.pingEvery)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(closeGracePeriod)); err != nil {
				c.logger.Debug("ws ping failed", slog.String("connectionId", c.id), slog.Any("error", err))
				return
			}
		}
	}
}

var _ port.Connection = (*WebsocketConn)(nil)
