package broker

import (
	"bytes"
	"context"
	"log/slog"
	"sync"

	"relayWs/internal/modules/realtime/application/port"
	"relayWs/internal/modules/realtime/domain"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

type recordingHandler struct {
	name    string
	actions []string
	result  domain.ProcessingResult

	mu    sync.Mutex
	calls []*domain.MessageContext
}

func newRecordingHandler(name string, actions ...string) *recordingHandler {
	return &recordingHandler{name: name, actions: actions, result: domain.Succeeded(nil)}
}

func (h *recordingHandler) Name() string { return h.name }

func (h *recordingHandler) CanHandle(action string) bool {
	for _, a := range h.actions {
		if domain.NormalizeAction(a) == domain.NormalizeAction(action) {
			return true
		}
	}
	return false
}

func (h *recordingHandler) Actions() []string { return h.actions }

func (h *recordingHandler) Handle(_ context.Context, msg *domain.MessageContext) domain.ProcessingResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, msg)
	return h.result
}

func (h *recordingHandler) Calls() []*domain.MessageContext {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*domain.MessageContext(nil), h.calls...)
}

// fakeAck records how a delivery was settled and closes settled once.
type fakeAck struct {
	mu       sync.Mutex
	acked    bool
	rejected error
	ackErr   error
	// rejectErrs fail the next Reject calls one by one.
	rejectErrs []error
	rejects    int
	settled    chan struct{}
	once       sync.Once
}

func newFakeAck() *fakeAck {
	return &fakeAck{settled: make(chan struct{})}
}

func (a *fakeAck) Ack(context.Context) error {
	a.mu.Lock()
	a.acked = true
	a.mu.Unlock()
	a.once.Do(func() { close(a.settled) })
	return a.ackErr
}

func (a *fakeAck) Reject(_ context.Context, reason error) error {
	a.mu.Lock()
	a.rejects++
	if len(a.rejectErrs) > 0 {
		err := a.rejectErrs[0]
		a.rejectErrs = a.rejectErrs[1:]
		a.mu.Unlock()
		return err
	}
	a.rejected = reason
	a.mu.Unlock()
	a.once.Do(func() { close(a.settled) })
	return nil
}

func (a *fakeAck) state() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acked, a.rejected
}

type relayCall struct {
	userID    string
	payload   any
	target    port.Connection
	broadcast bool
	exclude   []string
	ctxErr    error
}

type fakeRelayer struct {
	mu    sync.Mutex
	calls []relayCall
	conns map[string]port.Connection
}

func (r *fakeRelayer) SendToUser(ctx context.Context, userID string, payload any, target port.Connection) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, relayCall{userID: userID, payload: payload, target: target, ctxErr: ctx.Err()})
	return 1
}

func (r *fakeRelayer) Broadcast(ctx context.Context, payload any, exclude ...string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, relayCall{payload: payload, broadcast: true, exclude: exclude, ctxErr: ctx.Err()})
	return 2
}

func (r *fakeRelayer) Lookup(userID, connectionID string) (port.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[userID+"/"+connectionID]
	return conn, ok
}

func (r *fakeRelayer) Calls() []relayCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]relayCall(nil), r.calls...)
}

type stubConn struct{ id string }

func (c *stubConn) ID() string                          { return c.id }
func (c *stubConn) Accept(context.Context) error        { return nil }
func (c *stubConn) SendJSON(context.Context, any) error { return nil }
func (c *stubConn) Close(int, string) error             { return nil }
