package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"relayWs/internal/modules/realtime/application/port"
	"relayWs/internal/modules/realtime/domain"
	"relayWs/internal/shared/logging"
	"relayWs/internal/shared/metrics"
)

// DefaultMaxConnections caps a registry built without an explicit limit.
const DefaultMaxConnections = 1000

// connEntry pairs a connection with the lock that serializes writes to it.
type connEntry struct {
	conn port.Connection
	mu   sync.Mutex
}

// sendResult is the outcome of a single low-level write. An aborted send was cut short by the
// caller's context and says nothing about the health of the connection.
type sendResult struct {
	delivered bool
	aborted   bool
	err       error
}

func (e *connEntry) send(ctx context.Context, payload any) (res sendResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			res = sendResult{err: fmt.Errorf("send panic: %v", r)}
		}
	}()
	if err := ctx.Err(); err != nil {
		return sendResult{aborted: true, err: err}
	}
	if err := e.conn.SendJSON(ctx, payload); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return sendResult{aborted: true, err: err}
		}
		return sendResult{err: err}
	}
	return sendResult{delivered: true}
}

// RegistryStats is a point-in-time view of the registry occupancy.
type RegistryStats struct {
	Users       int `json:"users"`
	Connections int `json:"connections"`
	Max         int `json:"max"`
}

// ConnectionRegistry tracks the live connections of every user in this process.
//
// mu guards the map and the total count only. Writes go through the per-connection
// lock of each entry, so a slow socket never blocks structural changes or sends
// to other connections. Connections must be comparable (pointer) values: removal
// matches by identity.
type ConnectionRegistry struct {
	mu          sync.Mutex
	connections map[string][]*connEntry
	total       int
	max         int

	logger  *slog.Logger
	metrics *metrics.Realtime
}

// RegistryOption customizes a ConnectionRegistry.
type RegistryOption func(*ConnectionRegistry)

// WithRegistryLogger sets the logger used by the registry.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *ConnectionRegistry) {
		r.logger = logging.Component(logger, "connection-registry")
	}
}

// WithRegistryMetrics attaches Prometheus instruments to the registry.
func WithRegistryMetrics(m *metrics.Realtime) RegistryOption {
	return func(r *ConnectionRegistry) {
		r.metrics = m
	}
}

// NewConnectionRegistry creates a registry accepting at most maxConnections connections in total.
// A non-positive limit falls back to DefaultMaxConnections.
func NewConnectionRegistry(maxConnections int, opts ...RegistryOption) *ConnectionRegistry {
	if maxConnections <= 0 {
		maxConnections = DefaultMaxConnections
	}
	r := &ConnectionRegistry{
		connections: make(map[string][]*connEntry),
		max:         maxConnections,
		logger:      logging.Component(nil, "connection-registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect accepts conn and records it under userID.
//
// Capacity is checked before the handshake so a full registry never accepts. The check
// is repeated under the lock once accepted; losing that race closes the freshly accepted
// connection with a policy violation. Both cases return domain.ErrCapacityReached and
// leave the registry untouched.
func (r *ConnectionRegistry) Connect(ctx context.Context, userID string, conn port.Connection) error {
	if r.atCapacity() {
		r.reject(userID, conn, false)
		return domain.ErrCapacityReached
	}

	if err := conn.Accept(ctx); err != nil {
		r.logger.Warn("ws accept failed", slog.String("userId", userID), slog.String("connectionId", conn.ID()), slog.Any("error", err))
		return fmt.Errorf("accept connection: %w", err)
	}

	r.mu.Lock()
	if r.total >= r.max {
		r.mu.Unlock()
		r.reject(userID, conn, true)
		return domain.ErrCapacityReached
	}
	r.connections[userID] = append(r.connections[userID], &connEntry{conn: conn})
	r.total++
	userCount, total := len(r.connections[userID]), r.total
	r.metrics.SetActiveConnections(total)
	r.mu.Unlock()

	r.logger.Info("ws connected",
		slog.String("userId", userID),
		slog.String("connectionId", conn.ID()),
		slog.Int("userConnections", userCount),
		slog.Int("totalConnections", total),
	)
	return nil
}

func (r *ConnectionRegistry) atCapacity() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total >= r.max
}

func (r *ConnectionRegistry) reject(userID string, conn port.Connection, accepted bool) {
	r.metrics.ConnectionRejected()
	if err := conn.Close(websocket.ClosePolicyViolation, domain.ErrCapacityReached.Error()); err != nil {
		r.logger.Warn("ws reject close failed", slog.String("userId", userID), slog.Any("error", err))
	}
	r.logger.Error("ws connect rejected: connection limit reached",
		slog.String("userId", userID),
		slog.String("connectionId", conn.ID()),
		slog.Int("max", r.max),
		slog.Bool("accepted", accepted),
	)
}

// Disconnect removes conn from userID's set and closes it with a normal closure.
// The close is attempted even when the connection was not registered; failures are
// logged and swallowed, so calling Disconnect twice is harmless.
func (r *ConnectionRegistry) Disconnect(userID string, conn port.Connection) {
	if conn == nil {
		return
	}
	found := r.remove(userID, conn)
	if err := conn.Close(websocket.CloseNormalClosure, ""); err != nil {
		r.logger.Warn("ws close failed", slog.String("userId", userID), slog.String("connectionId", conn.ID()), slog.Any("error", err))
	}
	r.logger.Info("ws disconnected", slog.String("userId", userID), slog.String("connectionId", conn.ID()), slog.Bool("registered", found))
}

func (r *ConnectionRegistry) remove(userID string, conn port.Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.connections[userID]
	for i, e := range entries {
		if e.conn != conn {
			continue
		}
		// Copy instead of splicing in place: senders may hold the old slice.
		kept := make([]*connEntry, 0, len(entries)-1)
		kept = append(kept, entries[:i]...)
		kept = append(kept, entries[i+1:]...)
		if len(kept) == 0 {
			delete(r.connections, userID)
		} else {
			r.connections[userID] = kept
		}
		r.total--
		r.metrics.SetActiveConnections(r.total)
		return true
	}
	return false
}

// SendToUser delivers payload to the connections of userID and returns how many writes succeeded.
// With a non-nil target only that connection is used, provided it is registered for the user.
// Otherwise every connection is written concurrently; one failing socket does not affect its
// siblings. Connections whose write fails are disconnected; a send abandoned because ctx ended
// leaves the connection registered.
func (r *ConnectionRegistry) SendToUser(ctx context.Context, userID string, payload any, target port.Connection) int {
	entries := r.snapshot(userID)
	if len(entries) == 0 {
		r.logger.Debug("ws no active connections", slog.String("userId", userID))
		return 0
	}

	if target != nil {
		entry := findEntry(entries, target)
		if entry == nil {
			r.logger.Debug("ws target connection not registered", slog.String("userId", userID), slog.String("connectionId", target.ID()))
			return 0
		}
		success := 0
		if r.deliver(ctx, userID, entry, payload) {
			success = 1
		}
		r.logger.Info("ws sent message", slog.String("userId", userID), slog.Int("delivered", success), slog.Int("targets", 1))
		return success
	}

	var delivered atomic.Int64
	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *connEntry) {
			defer wg.Done()
			if r.deliver(ctx, userID, e, payload) {
				delivered.Add(1)
			}
		}(e)
	}
	wg.Wait()

	success := int(delivered.Load())
	r.logger.Info("ws sent message", slog.String("userId", userID), slog.Int("delivered", success), slog.Int("targets", len(entries)))
	return success
}

func (r *ConnectionRegistry) deliver(ctx context.Context, userID string, e *connEntry, payload any) bool {
	res := e.send(ctx, payload)
	if res.aborted {
		r.logger.Debug("ws send aborted", slog.String("userId", userID), slog.String("connectionId", e.conn.ID()), slog.Any("error", res.err))
		return false
	}
	r.metrics.SendResult(res.delivered)
	if res.delivered {
		return true
	}
	r.logger.Warn("ws send failed", slog.String("userId", userID), slog.String("connectionId", e.conn.ID()), slog.Any("error", res.err))
	r.Disconnect(userID, e.conn)
	return false
}

// Broadcast sends payload to every registered user not listed in excludeUserIDs and returns
// the total number of successful deliveries. The user set is a snapshot taken on entry.
func (r *ConnectionRegistry) Broadcast(ctx context.Context, payload any, excludeUserIDs ...string) int {
	excluded := make(map[string]struct{}, len(excludeUserIDs))
	for _, id := range excludeUserIDs {
		excluded[id] = struct{}{}
	}

	var delivered atomic.Int64
	var wg sync.WaitGroup
	targets := make([]string, 0)
	for _, userID := range r.userIDs() {
		if _, skip := excluded[userID]; skip {
			continue
		}
		targets = append(targets, userID)
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			delivered.Add(int64(r.SendToUser(ctx, userID, payload, nil)))
		}(userID)
	}
	wg.Wait()

	success := int(delivered.Load())
	r.logger.Info("ws broadcast sent", slog.Int("delivered", success), slog.Any("users", targets))
	return success
}

// CloseAll empties the registry and closes every connection it held, concurrently and best effort.
func (r *ConnectionRegistry) CloseAll() {
	r.mu.Lock()
	held := r.connections
	r.connections = make(map[string][]*connEntry)
	r.total = 0
	r.metrics.SetActiveConnections(0)
	r.mu.Unlock()

	var wg sync.WaitGroup
	closed := 0
	for userID, entries := range held {
		for _, e := range entries {
			closed++
			wg.Add(1)
			go func(userID string, conn port.Connection) {
				defer wg.Done()
				if err := conn.Close(websocket.CloseGoingAway, "server shutdown"); err != nil {
					r.logger.Warn("ws close failed", slog.String("userId", userID), slog.String("connectionId", conn.ID()), slog.Any("error", err))
				}
			}(userID, e.conn)
		}
	}
	wg.Wait()
	r.logger.Info("ws closed all connections", slog.Int("connections", closed))
}

// Lookup returns the registered connection of userID with the given id.
func (r *ConnectionRegistry) Lookup(userID, connectionID string) (port.Connection, bool) {
	for _, e := range r.snapshot(userID) {
		if e.conn.ID() == connectionID {
			return e.conn, true
		}
	}
	return nil, false
}

// ConnectionCount returns the number of live connections of userID.
func (r *ConnectionRegistry) ConnectionCount(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connections[userID])
}

// Stats reports the current occupancy.
func (r *ConnectionRegistry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RegistryStats{Users: len(r.connections), Connections: r.total, Max: r.max}
}

func (r *ConnectionRegistry) snapshot(userID string) []*connEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connections[userID]
}

func (r *ConnectionRegistry) userIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.connections))
	for id := range r.connections {
		ids = append(ids, id)
	}
	return ids
}

func findEntry(entries []*connEntry, conn port.Connection) *connEntry {
	for _, e := range entries {
		if e.conn == conn {
			return e
		}
	}
	return nil
}

var _ port.Relayer = (*ConnectionRegistry)(nil)
