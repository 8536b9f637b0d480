// Package broker binds the realtime worker to message brokers.
//
// A Consumer pulls raw messages from one queue at a time, decodes the envelope, hands it to
// the first registered handler that claims its action and settles the message: ack on
// success, dead-letter on decode, routing or handler failure.
package broker

import (
	"context"
	"log/slog"
	"time"

	"relayWs/internal/modules/realtime/application/port"
	"relayWs/internal/shared/metrics"
)

const (
	DefaultDeadLetterSuffix = ".dlq"
	DefaultMaxReadErrors    = 5
	DefaultReadBackoff      = 500 * time.Millisecond

	settleTimeout = 5 * time.Second
)

// Consumer is the broker side of the worker.
type Consumer interface {
	// Initialize prepares broker resources. It is called once before any handler is registered.
	Initialize(ctx context.Context) error
	// RegisterHandler adds h to the routing order. It fails once consumption started.
	RegisterHandler(h port.MessageHandler) error
	// Consume blocks processing queue until ctx is cancelled or a fatal error occurs.
	Consume(ctx context.Context, queue string) error
	// Close releases broker resources.
	Close() error
}

// Options configures the behaviour shared by every consumer adapter.
type Options struct {
	DeadLetterSuffix string
	// MaxReadErrors consecutive read failures end Consume with an error.
	MaxReadErrors int
	ReadBackoff   time.Duration
	// Relayer receives the relays returned by successful handlers. Nil disables relaying.
	Relayer port.Relayer
	Logger  *slog.Logger
	Metrics *metrics.Realtime
}

func (o Options) withDefaults() Options {
	if o.DeadLetterSuffix == "" {
		o.DeadLetterSuffix = DefaultDeadLetterSuffix
	}
	if o.MaxReadErrors <= 0 {
		o.MaxReadErrors = DefaultMaxReadErrors
	}
	if o.ReadBackoff <= 0 {
		o.ReadBackoff = DefaultReadBackoff
	}
	return o
}

// deadLetterQueue names the queue rejected messages of queue are republished to.
func (o Options) deadLetterQueue(queue string) string {
	return queue + o.DeadLetterSuffix
}

// backoff waits attempt*base or until ctx is done.
func backoff(ctx context.Context, base time.Duration, attempt int) error {
	timer := time.NewTimer(base * time.Duration(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// settleContext detaches message settlement from task cancellation so an in-flight
// message is still acked or dead-lettered during shutdown.
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}
