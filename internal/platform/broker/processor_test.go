package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayWs/internal/modules/realtime/application/port"
	"relayWs/internal/modules/realtime/domain"
	"relayWs/internal/shared/metrics"
)

func newTestProcessor(t *testing.T, relayer *fakeRelayer, handlers ...port.MessageHandler) (*messageProcessor, *metrics.Realtime) {
	t.Helper()
	m := metrics.NewRealtime(prometheus.NewRegistry())
	p := newMessageProcessor(Options{Relayer: relayer, Metrics: m}.withDefaults(), "test")
	p.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	for _, h := range handlers {
		require.NoError(t, p.register(h))
	}
	require.NoError(t, p.seal())
	return p, m
}

func TestProcessor_AcksAndRelaysToUser(t *testing.T) {
	t.Parallel()

	relayer := &fakeRelayer{}
	h := newRecordingHandler("notify", "notify.user")
	h.result = domain.Succeeded(&domain.Relay{UserID: "u1", Payload: "hello"})
	p, m := newTestProcessor(t, relayer, h)

	ack := newFakeAck()
	p.process(context.Background(), delivery{
		queue: "events",
		body:  []byte(`{"id":"m1","action":"Notify.User","userId":"u1","metadata":{"tenant":"t1"},"payload":{"a":1}}`),
		ack:   ack,
	})

	acked, rejected := ack.state()
	assert.True(t, acked)
	assert.NoError(t, rejected)

	require.Len(t, h.Calls(), 1)
	msg := h.Calls()[0]
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "notify.user", msg.Action)
	assert.Equal(t, "events", msg.Queue)
	assert.Equal(t, "t1", msg.Metadata["tenant"])
	assert.JSONEq(t, `{"a":1}`, string(msg.Payload))
	assert.Same(t, ack, msg.Ack)

	calls := relayer.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "u1", calls[0].userID)
	assert.Nil(t, calls[0].target)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.QueueMessages.WithLabelValues("events", metrics.OutcomeAcked)))
}

func TestProcessor_RelayTargetsRegisteredConnection(t *testing.T) {
	t.Parallel()

	conn := &stubConn{id: "c1"}
	relayer := &fakeRelayer{conns: map[string]port.Connection{"u1/c1": conn}}
	h := newRecordingHandler("notify", "notify.user")
	h.result = domain.Succeeded(&domain.Relay{UserID: "u1", ConnectionID: "c1", Payload: "hi"})
	p, _ := newTestProcessor(t, relayer, h)

	p.process(context.Background(), delivery{queue: "q", body: []byte(`{"action":"notify.user"}`), ack: newFakeAck()})

	calls := relayer.Calls()
	require.Len(t, calls, 1)
	assert.Same(t, conn, calls[0].target)
}

func TestProcessor_RelayToVanishedConnectionIsDropped(t *testing.T) {
	t.Parallel()

	relayer := &fakeRelayer{}
	h := newRecordingHandler("notify", "notify.user")
	h.result = domain.Succeeded(&domain.Relay{UserID: "u1", ConnectionID: "gone", Payload: "hi"})
	p, _ := newTestProcessor(t, relayer, h)

	ack := newFakeAck()
	p.process(context.Background(), delivery{queue: "q", body: []byte(`{"action":"notify.user"}`), ack: ack})

	acked, _ := ack.state()
	assert.True(t, acked)
	assert.Empty(t, relayer.Calls())
}

func TestProcessor_BroadcastRelay(t *testing.T) {
	t.Parallel()

	relayer := &fakeRelayer{}
	h := newRecordingHandler("broadcast", "notify.broadcast")
	h.result = domain.Succeeded(&domain.Relay{Broadcast: true, ExcludeUserIDs: []string{"u2"}, Payload: "all"})
	p, _ := newTestProcessor(t, relayer, h)

	p.process(context.Background(), delivery{queue: "q", body: []byte(`{"action":"notify.broadcast"}`), ack: newFakeAck()})

	calls := relayer.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].broadcast)
	assert.Equal(t, []string{"u2"}, calls[0].exclude)
}

func TestProcessor_DeadLetters(t *testing.T) {
	t.Parallel()

	handlerErr := errors.New("downstream rejected")
	cases := map[string]struct {
		body    string
		result  domain.ProcessingResult
		wantErr error
		outcome string
	}{
		"undecodable":     {body: `not json`, wantErr: domain.ErrDecode, outcome: metrics.OutcomeDeadLetter},
		"missing action":  {body: `{"payload":{}}`, wantErr: domain.ErrDecode, outcome: metrics.OutcomeDeadLetter},
		"unrouted":        {body: `{"action":"other"}`, wantErr: domain.ErrNoHandler, outcome: metrics.OutcomeUnrouted},
		"handler failed":  {body: `{"action":"work"}`, result: domain.Failed(handlerErr), wantErr: handlerErr, outcome: metrics.OutcomeDeadLetter},
		"failed no error": {body: `{"action":"work"}`, result: domain.ProcessingResult{}, wantErr: errHandlerFailed, outcome: metrics.OutcomeDeadLetter},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			relayer := &fakeRelayer{}
			h := newRecordingHandler("worker", "work")
			h.result = tc.result
			p, m := newTestProcessor(t, relayer, h)

			ack := newFakeAck()
			require.NoError(t, p.process(context.Background(), delivery{queue: "jobs", body: []byte(tc.body), ack: ack}))

			acked, rejected := ack.state()
			assert.False(t, acked)
			assert.ErrorIs(t, rejected, tc.wantErr)
			assert.Empty(t, relayer.Calls())
			assert.Equal(t, float64(1), testutil.ToFloat64(m.QueueMessages.WithLabelValues("jobs", tc.outcome)))
		})
	}
}

func TestProcessor_RelaySurvivesTaskCancellation(t *testing.T) {
	t.Parallel()

	relayer := &fakeRelayer{}
	h := newRecordingHandler("broadcast", "notify.broadcast")
	h.result = domain.Succeeded(&domain.Relay{Broadcast: true, Payload: "all"})
	p, _ := newTestProcessor(t, relayer, h)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ack := newFakeAck()
	require.NoError(t, p.process(ctx, delivery{queue: "q", body: []byte(`{"action":"notify.broadcast"}`), ack: ack}))

	acked, _ := ack.state()
	assert.True(t, acked)
	calls := relayer.Calls()
	require.Len(t, calls, 1)
	assert.NoError(t, calls[0].ctxErr)
}

func TestProcessor_RetriesDeadLetter(t *testing.T) {
	t.Parallel()

	p, m := newTestProcessor(t, &fakeRelayer{})
	p.backoff = time.Millisecond

	ack := newFakeAck()
	ack.rejectErrs = []error{errors.New("leader not available")}
	require.NoError(t, p.process(context.Background(), delivery{queue: "q", body: []byte(`{"action":"other"}`), ack: ack}))

	_, rejected := ack.state()
	assert.ErrorIs(t, rejected, domain.ErrNoHandler)
	assert.Equal(t, 2, ack.rejects)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.QueueMessages.WithLabelValues("q", metrics.OutcomeUnrouted)))
}

func TestProcessor_AbandonedDeadLetterIsReported(t *testing.T) {
	t.Parallel()

	p, m := newTestProcessor(t, &fakeRelayer{})
	p.backoff = time.Millisecond

	writeErr := errors.New("leader not available")
	ack := newFakeAck()
	ack.rejectErrs = []error{writeErr, writeErr, writeErr}
	err := p.process(context.Background(), delivery{queue: "q", brokerID: "q/0/41", body: []byte(`{"action":"other"}`), ack: ack})

	require.ErrorIs(t, err, writeErr)
	assert.Contains(t, err.Error(), "q/0/41")
	assert.Equal(t, deadLetterAttempts, ack.rejects)
	acked, rejected := ack.state()
	assert.False(t, acked)
	assert.NoError(t, rejected)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.QueueMessages.WithLabelValues("q", metrics.OutcomeUnrouted)))
}

func TestProcessor_HandlerPanicIsDeadLettered(t *testing.T) {
	t.Parallel()

	p, _ := newTestProcessor(t, &fakeRelayer{}, panicHandler{})

	ack := newFakeAck()
	p.process(context.Background(), delivery{queue: "q", body: []byte(`{"action":"explode"}`), ack: ack})

	_, rejected := ack.state()
	require.Error(t, rejected)
	assert.Contains(t, rejected.Error(), "panic")
}

type panicHandler struct{}

func (panicHandler) Name() string { return "panic" }

func (panicHandler) CanHandle(string) bool { return true }

func (panicHandler) Handle(context.Context, *domain.MessageContext) domain.ProcessingResult {
	panic("boom")
}
