package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"relayWs/internal/modules/realtime/application/port"
	"relayWs/internal/modules/realtime/domain"
	"relayWs/internal/modules/realtime/infrastructure"
	"relayWs/internal/shared/logging"
)

// WorkerState is the lifecycle position of a Worker.
type WorkerState int

const (
	StateUninitialized WorkerState = iota
	StateInitialized
	StateRunning
	StateStopped
	StateFailed
)

func (s WorkerState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("WorkerState(%d)", int(s))
	}
}

// Worker runs one consume task per queue on a shared consumer.
type Worker struct {
	consumer Consumer
	queues   []string
	logger   *slog.Logger

	mu       sync.Mutex
	state    WorkerState
	cancel   context.CancelFunc
	done     chan struct{}
	// failure is the first task error raised while the task was not being cancelled.
	failure error
}

func NewWorker(consumer Consumer, queues []string, logger *slog.Logger) *Worker {
	return &Worker{
		consumer: consumer,
		queues:   append([]string(nil), queues...),
		logger:   logging.Component(logger, "worker"),
	}
}

// Initialize prepares the consumer and registers handlers in routing order.
func (w *Worker) Initialize(ctx context.Context, handlers ...port.MessageHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateUninitialized {
		return fmt.Errorf("initialize worker in state %s: %w", w.state, domain.ErrWorkerState)
	}
	if len(w.queues) == 0 {
		return errors.New("initialize worker: no queues configured")
	}

	if err := w.consumer.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize consumer: %w", err)
	}
	if err := infrastructure.ValidateHandlers(handlers); err != nil {
		return fmt.Errorf("initialize worker: %w", err)
	}
	names := make([]string, 0, len(handlers))
	for _, h := range handlers {
		if err := w.consumer.RegisterHandler(h); err != nil {
			return fmt.Errorf("register handler %s: %w", h.Name(), err)
		}
		names = append(names, h.Name())
	}

	w.state = StateInitialized
	w.logger.Info("worker initialized", slog.Any("queues", w.queues), slog.Any("handlers", names))
	return nil
}

// Start consumes every queue concurrently and blocks until all tasks end.
//
// A failing task cancels its siblings and Start returns its error with the worker Failed, even
// when Stop is called while the siblings wind down. Cancellation through Stop or ctx returns nil
// with the worker Stopped.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateInitialized {
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("start worker in state %s: %w", state, domain.ErrWorkerState)
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w.state, w.cancel, w.done = StateRunning, cancel, done
	w.mu.Unlock()
	defer close(done)

	w.logger.Info("worker started", slog.Any("queues", w.queues))

	g, taskCtx := errgroup.WithContext(runCtx)
	for _, queue := range w.queues {
		g.Go(func() error {
			return w.runTask(taskCtx, queue)
		})
	}
	waitErr := g.Wait()
	cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failure != nil {
		w.state = StateFailed
		w.logger.Error("worker failed", slog.Any("error", w.failure))
		return w.failure
	}
	if waitErr != nil {
		w.logger.Debug("task error during shutdown discarded", slog.Any("error", waitErr))
	}
	w.state = StateStopped
	w.logger.Info("worker finished")
	return nil
}

func (w *Worker) runTask(ctx context.Context, queue string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("queue %s task panic: %v", queue, rec)
		}
		if err != nil && ctx.Err() == nil {
			w.logger.Error("queue task failed", slog.String("queue", queue), slog.Any("error", err))
			w.mu.Lock()
			if w.failure == nil {
				w.failure = err
			}
			w.mu.Unlock()
		}
	}()
	err = w.consumer.Consume(ctx, queue)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Stop cancels every task and waits for them to end or for ctx to expire.
// Task errors raised during shutdown are discarded.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	switch w.state {
	case StateRunning:
	case StateFailed, StateStopped:
		w.mu.Unlock()
		return nil
	default:
		w.state = StateStopped
		w.mu.Unlock()
		w.logger.Info("worker stopped before start")
		return nil
	}
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("stop worker: %w", ctx.Err())
	}
	w.logger.Info("worker stopped")
	return nil
}

// State reports the current lifecycle state.
func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}
