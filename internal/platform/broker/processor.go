package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"relayWs/internal/modules/realtime/application/port"
	"relayWs/internal/modules/realtime/application/usecase"
	"relayWs/internal/modules/realtime/infrastructure"
	"relayWs/internal/shared/logging"
	"relayWs/internal/shared/metrics"
)

// deadLetterAttempts bounds the republish attempts of one rejected message.
const deadLetterAttempts = 3

var errHandlerFailed = errors.New("handler reported failure")

// messageProcessor is the decode, dispatch and settle pipeline shared by the adapters.
type messageProcessor struct {
	handlers *infrastructure.HandlerRegistry
	relay    *usecase.RelayUseCase
	logger   *slog.Logger
	metrics  *metrics.Realtime
	now      func() time.Time
	backoff  time.Duration

	sealOnce sync.Once
	sealErr  error
}

func newMessageProcessor(opts Options, component string) *messageProcessor {
	logger := logging.Component(opts.Logger, component)
	return &messageProcessor{
		handlers: infrastructure.NewHandlerRegistry(),
		relay:    usecase.NewRelayUseCase(opts.Relayer, opts.Logger),
		logger:   logger,
		metrics:  opts.Metrics,
		now:      time.Now,
		backoff:  opts.ReadBackoff,
	}
}

func (p *messageProcessor) register(h port.MessageHandler) error {
	return p.handlers.Register(h)
}

// seal freezes the handler set on first consumption.
func (p *messageProcessor) seal() error {
	p.sealOnce.Do(func() {
		p.sealErr = p.handlers.Seal()
	})
	return p.sealErr
}

// process settles d. The returned error is non-nil only when a rejected message could not be
// dead-lettered; the message is then left unsettled and the caller must stop consuming.
func (p *messageProcessor) process(ctx context.Context, d delivery) error {
	msg, err := decodeEnvelope(d, p.now())
	if err != nil {
		p.logger.Warn("queue message undecodable", slog.String("queue", d.queue), slog.String("brokerId", d.brokerID), slog.Any("error", err))
		return p.reject(ctx, d, err, metrics.OutcomeDeadLetter)
	}

	started := time.Now()
	h, result, err := p.handlers.Dispatch(ctx, msg)
	if err != nil {
		p.logger.Error("queue message unrouted",
			slog.String("queue", d.queue),
			slog.String("messageId", msg.ID),
			slog.String("action", msg.Action),
			slog.Any("error", err),
		)
		return p.reject(ctx, d, err, metrics.OutcomeUnrouted)
	}
	p.metrics.ObserveHandle(h.Name(), time.Since(started).Seconds())

	if !result.Success {
		cause := result.Error
		if cause == nil {
			cause = errHandlerFailed
		}
		p.logger.Warn("queue message failed",
			slog.String("queue", d.queue),
			slog.String("messageId", msg.ID),
			slog.String("handler", h.Name()),
			slog.Any("error", cause),
		)
		return p.reject(ctx, d, cause, metrics.OutcomeDeadLetter)
	}

	settleCtx, cancel := settleContext(ctx)
	defer cancel()
	if err := d.ack.Ack(settleCtx); err != nil {
		p.logger.Error("queue ack failed", slog.String("queue", d.queue), slog.String("messageId", msg.ID), slog.Any("error", err))
	} else {
		p.metrics.QueueMessage(d.queue, metrics.OutcomeAcked)
	}
	p.logger.Debug("queue message handled", slog.String("queue", d.queue), slog.String("messageId", msg.ID), slog.String("handler", h.Name()))

	p.relay.Execute(settleCtx, msg.ID, result.Relay)
	return nil
}

// reject dead-letters d, retrying with a linear backoff.
func (p *messageProcessor) reject(ctx context.Context, d delivery, reason error, outcome string) error {
	settleCtx, cancel := settleContext(ctx)
	defer cancel()

	var err error
	for attempt := 1; attempt <= deadLetterAttempts; attempt++ {
		if err = d.ack.Reject(settleCtx, reason); err == nil {
			p.metrics.QueueMessage(d.queue, outcome)
			return nil
		}
		p.logger.Warn("queue dead-letter failed",
			slog.String("queue", d.queue),
			slog.String("brokerId", d.brokerID),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		if attempt == deadLetterAttempts {
			break
		}
		if werr := backoff(settleCtx, p.backoff, attempt); werr != nil {
			break
		}
	}
	p.logger.Error("queue dead-letter abandoned", slog.String("queue", d.queue), slog.String("brokerId", d.brokerID), slog.Any("error", err))
	return fmt.Errorf("dead-letter %s from %s: %w", d.brokerID, d.queue, err)
}
