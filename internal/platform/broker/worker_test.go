package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayWs/internal/modules/realtime/application/port"
	"relayWs/internal/modules/realtime/domain"
)

// chanConsumer feeds deliveries pushed on per-queue channels through the real processor.
type chanConsumer struct {
	processor *messageProcessor
	queues    map[string]chan delivery
	initErr   error
}

func newChanConsumer(opts Options, queues ...string) *chanConsumer {
	c := &chanConsumer{processor: newMessageProcessor(opts.withDefaults(), "test-consumer"), queues: map[string]chan delivery{}}
	for _, q := range queues {
		c.queues[q] = make(chan delivery, 4)
	}
	return c
}

func (c *chanConsumer) Initialize(context.Context) error { return c.initErr }

func (c *chanConsumer) RegisterHandler(h port.MessageHandler) error { return c.processor.register(h) }

func (c *chanConsumer) Consume(ctx context.Context, queue string) error {
	if err := c.processor.seal(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-c.queues[queue]:
			if err := c.processor.process(ctx, d); err != nil {
				return err
			}
		}
	}
}

func (c *chanConsumer) Close() error { return nil }

// funcConsumer delegates Consume to a test function.
type funcConsumer struct {
	consume    func(ctx context.Context, queue string) error
	mu         sync.Mutex
	registered []port.MessageHandler
}

func (c *funcConsumer) Initialize(context.Context) error { return nil }

func (c *funcConsumer) RegisterHandler(h port.MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registered = append(c.registered, h)
	return nil
}

func (c *funcConsumer) Consume(ctx context.Context, queue string) error { return c.consume(ctx, queue) }

func (c *funcConsumer) Close() error { return nil }

func startWorker(t *testing.T, w *Worker) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- w.Start(context.Background()) }()
	require.Eventually(t, func() bool { return w.State() == StateRunning }, time.Second, 5*time.Millisecond)
	return errCh
}

func waitSettled(t *testing.T, ack *fakeAck) {
	t.Helper()
	select {
	case <-ack.settled:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery was never settled")
	}
}

func TestWorker_RoutesFirstMatchAndLogsUnrouted(t *testing.T) {
	t.Parallel()

	logger, logs := newTestLogger()
	consumer := newChanConsumer(Options{Logger: logger}, "a", "b")
	h1 := newRecordingHandler("h1", "x")
	h2 := newRecordingHandler("h2", "y")

	w := NewWorker(consumer, []string{"a", "b"}, logger)
	require.NoError(t, w.Initialize(context.Background(), h1, h2))
	errCh := startWorker(t, w)

	routed := newFakeAck()
	consumer.queues["a"] <- delivery{queue: "a", body: []byte(`{"id":"m1","action":"x"}`), ack: routed}
	unrouted := newFakeAck()
	consumer.queues["b"] <- delivery{queue: "b", body: []byte(`{"id":"m2","action":"z"}`), ack: unrouted}
	waitSettled(t, routed)
	waitSettled(t, unrouted)

	require.Len(t, h1.Calls(), 1)
	assert.Equal(t, "a", h1.Calls()[0].Queue)
	assert.Empty(t, h2.Calls())

	acked, rejected := routed.state()
	assert.True(t, acked)
	assert.NoError(t, rejected)
	acked, rejected = unrouted.state()
	assert.False(t, acked)
	assert.ErrorIs(t, rejected, domain.ErrNoHandler)
	assert.Contains(t, logs.String(), "queue message unrouted")

	require.NoError(t, w.Stop(context.Background()))
	require.NoError(t, <-errCh)
	assert.Equal(t, StateStopped, w.State())
}

func TestWorker_StopTerminatesEveryTask(t *testing.T) {
	t.Parallel()

	var running sync.WaitGroup
	running.Add(3)
	var terminated atomic.Int32
	consumer := &funcConsumer{consume: func(ctx context.Context, queue string) error {
		defer terminated.Add(1)
		running.Done()
		<-ctx.Done()
		if queue == "c" {
			panic("cancellation blew up")
		}
		return ctx.Err()
	}}

	w := NewWorker(consumer, []string{"a", "b", "c"}, nil)
	require.NoError(t, w.Initialize(context.Background()))
	errCh := startWorker(t, w)
	running.Wait()

	require.NoError(t, w.Stop(context.Background()))
	assert.Equal(t, int32(3), terminated.Load())
	assert.Equal(t, StateStopped, w.State())
	require.NoError(t, <-errCh)

	// Stopping again is a no-op.
	require.NoError(t, w.Stop(context.Background()))
}

func TestWorker_TaskFailureCancelsSiblings(t *testing.T) {
	t.Parallel()

	boom := errors.New("broker gone")
	var cancelled atomic.Int32
	consumer := &funcConsumer{consume: func(ctx context.Context, queue string) error {
		if queue == "bad" {
			return boom
		}
		<-ctx.Done()
		cancelled.Add(1)
		return ctx.Err()
	}}

	w := NewWorker(consumer, []string{"good-1", "bad", "good-2"}, nil)
	require.NoError(t, w.Initialize(context.Background()))

	err := w.Start(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(2), cancelled.Load())
	assert.Equal(t, StateFailed, w.State())
	assert.NoError(t, w.Stop(context.Background()))
}

func TestWorker_FailureWinsOverConcurrentStop(t *testing.T) {
	t.Parallel()

	boom := errors.New("dead-letter topic unavailable")
	failed := make(chan struct{})
	release := make(chan struct{})
	consumer := &funcConsumer{consume: func(ctx context.Context, queue string) error {
		if queue == "bad" {
			close(failed)
			return boom
		}
		<-ctx.Done()
		<-release
		return ctx.Err()
	}}

	w := NewWorker(consumer, []string{"bad", "slow"}, nil)
	require.NoError(t, w.Initialize(context.Background()))
	errCh := make(chan error, 1)
	go func() { errCh <- w.Start(context.Background()) }()

	<-failed
	require.Equal(t, StateRunning, w.State())
	stopped := make(chan error, 1)
	go func() { stopped <- w.Stop(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.ErrorIs(t, <-errCh, boom)
	require.NoError(t, <-stopped)
	assert.Equal(t, StateFailed, w.State())
}

func TestWorker_PanicIsTaskFailure(t *testing.T) {
	t.Parallel()

	consumer := &funcConsumer{consume: func(ctx context.Context, queue string) error {
		panic("nil map")
	}}
	w := NewWorker(consumer, []string{"a"}, nil)
	require.NoError(t, w.Initialize(context.Background()))

	err := w.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task panic")
	assert.Equal(t, StateFailed, w.State())
}

func TestWorker_ParentCancellationStopsCleanly(t *testing.T) {
	t.Parallel()

	consumer := &funcConsumer{consume: func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	w := NewWorker(consumer, []string{"a"}, nil)
	require.NoError(t, w.Initialize(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Start(ctx))
	assert.Equal(t, StateStopped, w.State())
}

func TestWorker_LifecycleGuards(t *testing.T) {
	t.Parallel()

	consumer := &funcConsumer{consume: func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	w := NewWorker(consumer, []string{"a"}, nil)

	require.ErrorIs(t, w.Start(context.Background()), domain.ErrWorkerState)
	require.NoError(t, w.Initialize(context.Background()))
	require.ErrorIs(t, w.Initialize(context.Background()), domain.ErrWorkerState)

	errCh := startWorker(t, w)
	require.ErrorIs(t, w.Start(context.Background()), domain.ErrWorkerState)

	require.NoError(t, w.Stop(context.Background()))
	require.NoError(t, <-errCh)
	require.ErrorIs(t, w.Start(context.Background()), domain.ErrWorkerState)
}

func TestWorker_InitializeValidatesHandlers(t *testing.T) {
	t.Parallel()

	consumer := &funcConsumer{}
	w := NewWorker(consumer, []string{"a"}, nil)

	err := w.Initialize(context.Background(), newRecordingHandler("one", "x", "y"), newRecordingHandler("two", "Y"))
	require.ErrorIs(t, err, domain.ErrHandlerConflict)
	assert.Empty(t, consumer.registered)
	assert.Equal(t, StateUninitialized, w.State())
}

func TestWorker_InitializeRegistersInOrder(t *testing.T) {
	t.Parallel()

	consumer := &funcConsumer{}
	first, second := newRecordingHandler("first", "x"), newRecordingHandler("second", "y")
	w := NewWorker(consumer, []string{"a"}, nil)

	require.NoError(t, w.Initialize(context.Background(), first, second))
	require.Len(t, consumer.registered, 2)
	assert.Same(t, first, consumer.registered[0])
	assert.Same(t, second, consumer.registered[1])
	assert.Equal(t, StateInitialized, w.State())
}

func TestWorker_InitializeConsumerFailure(t *testing.T) {
	t.Parallel()

	consumer := newChanConsumer(Options{}, "a")
	consumer.initErr = errors.New("connection refused")
	w := NewWorker(consumer, []string{"a"}, nil)

	require.ErrorIs(t, w.Initialize(context.Background()), consumer.initErr)
	assert.Equal(t, StateUninitialized, w.State())
}

func TestWorker_StopBeforeStart(t *testing.T) {
	t.Parallel()

	w := NewWorker(&funcConsumer{}, []string{"a"}, nil)
	require.NoError(t, w.Initialize(context.Background()))
	require.NoError(t, w.Stop(context.Background()))
	assert.Equal(t, StateStopped, w.State())
	assert.ErrorIs(t, w.Start(context.Background()), domain.ErrWorkerState)
}

func TestWorkerStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "WorkerState(42)", WorkerState(42).String())
}
