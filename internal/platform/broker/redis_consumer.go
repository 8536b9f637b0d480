package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"relayWs/internal/modules/realtime/application/port"
)

const (
	streamFieldData   = "data"
	streamFieldAction = "action"
	streamFieldReason = "error"
	streamFieldSource = "source"

	defaultRedisBlock     = 2 * time.Second
	defaultRedisClaimIdle = time.Minute
)

type redisStreams interface {
	Ping(ctx context.Context) *redis.StatusCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
}

// RedisConfig selects the server, the consumer group and the read batch.
type RedisConfig struct {
	URL   string
	Group string
	// Block bounds each XReadGroup call so cancellation is observed.
	Block time.Duration
	Count int64
	// ClaimIdle is how long a pending entry of another consumer must sit unacknowledged
	// before Consume takes it over on start.
	ClaimIdle time.Duration
}

// RedisStreamConsumer consumes one stream per queue with a consumer group.
type RedisStreamConsumer struct {
	cfg       RedisConfig
	opts      Options
	processor *messageProcessor
	logger    *slog.Logger
	name      string

	mu     sync.Mutex
	client redisStreams
	closer func() error
}

func NewRedisStreamConsumer(cfg RedisConfig, opts Options) *RedisStreamConsumer {
	opts = opts.withDefaults()
	if cfg.Block <= 0 {
		cfg.Block = defaultRedisBlock
	}
	if cfg.Count <= 0 {
		cfg.Count = 10
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = defaultRedisClaimIdle
	}
	c := &RedisStreamConsumer{
		cfg:       cfg,
		opts:      opts,
		processor: newMessageProcessor(opts, "redis-consumer"),
		name:      "relay-" + uuid.NewString(),
	}
	c.logger = c.processor.logger
	return c
}

// Initialize connects to Redis unless a client was provided and pings it.
func (c *RedisStreamConsumer) Initialize(ctx context.Context) error {
	if c.cfg.Group == "" {
		return errors.New("redis consumer: group required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		opts, err := redis.ParseURL(c.cfg.URL)
		if err != nil {
			return fmt.Errorf("redis consumer: parse url: %w", err)
		}
		client := redis.NewClient(opts)
		c.client, c.closer = client, client.Close
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis consumer: ping: %w", err)
	}
	c.logger.Info("redis consumer initialized", slog.String("group", c.cfg.Group), slog.String("consumer", c.name))
	return nil
}

func (c *RedisStreamConsumer) RegisterHandler(h port.MessageHandler) error {
	return c.processor.register(h)
}

// Consume reads new entries of stream queue for the group until ctx is cancelled. It first takes
// over entries left pending by consumers that went away, such as a task that stopped because an
// entry could not be dead-lettered.
func (c *RedisStreamConsumer) Consume(ctx context.Context, queue string) error {
	if err := c.processor.seal(); err != nil {
		return err
	}
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return errors.New("redis consumer: not initialized")
	}

	err := client.XGroupCreateMkStream(ctx, queue, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis consume %s: create group: %w", queue, err)
	}
	if err := c.reclaim(ctx, client, queue); err != nil {
		return err
	}

	c.logger.Info("redis consuming", slog.String("stream", queue), slog.String("group", c.cfg.Group))
	failures := 0
	for {
		streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.name,
			Streams:  []string{queue, ">"},
			Count:    c.cfg.Count,
			Block:    c.cfg.Block,
		}).Result()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, redis.Nil) {
			failures = 0
			continue
		}
		if err != nil {
			failures++
			c.logger.Warn("redis read error", slog.String("stream", queue), slog.Int("attempt", failures), slog.Any("error", err))
			if failures >= c.opts.MaxReadErrors {
				return fmt.Errorf("redis consume %s: %d consecutive read errors: %w", queue, failures, err)
			}
			if err := backoff(ctx, c.opts.ReadBackoff, failures); err != nil {
				return err
			}
			continue
		}
		failures = 0

		for _, stream := range streams {
			if err := c.handle(ctx, client, queue, stream.Messages); err != nil {
				return err
			}
		}
	}
}

// reclaim claims and processes the entries of queue idle for longer than ClaimIdle.
func (c *RedisStreamConsumer) reclaim(ctx context.Context, client redisStreams, queue string) error {
	start := "0-0"
	for {
		entries, next, err := client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   queue,
			Group:    c.cfg.Group,
			Consumer: c.name,
			MinIdle:  c.cfg.ClaimIdle,
			Start:    start,
			Count:    c.cfg.Count,
		}).Result()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return fmt.Errorf("redis consume %s: reclaim pending: %w", queue, err)
		}
		if len(entries) > 0 {
			c.logger.Info("redis reclaimed pending entries", slog.String("stream", queue), slog.Int("entries", len(entries)))
		}
		if err := c.handle(ctx, client, queue, entries); err != nil {
			return err
		}
		if next == "" || next == "0-0" {
			return nil
		}
		start = next
	}
}

// handle processes entries in order. An entry that could not be dead-lettered stays pending
// and ends consumption.
func (c *RedisStreamConsumer) handle(ctx context.Context, client redisStreams, queue string, entries []redis.XMessage) error {
	for _, entry := range entries {
		err := c.processor.process(ctx, delivery{
			queue:        queue,
			brokerID:     entry.ID,
			body:         []byte(stringValue(entry.Values[streamFieldData])),
			headerAction: stringValue(entry.Values[streamFieldAction]),
			ack: &redisAck{
				client:     client,
				stream:     queue,
				group:      c.cfg.Group,
				entry:      entry,
				deadLetter: c.opts.deadLetterQueue(queue),
			},
		})
		if err != nil {
			return fmt.Errorf("redis consume %s: %w", queue, err)
		}
	}
	return nil
}

func (c *RedisStreamConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closer == nil {
		return nil
	}
	err := c.closer()
	c.client, c.closer = nil, nil
	return err
}

func stringValue(v any) string {
	switch typed := v.(type) {
	case string:
		return typed
	case []byte:
		return string(typed)
	default:
		return ""
	}
}

type redisAck struct {
	client     redisStreams
	stream     string
	group      string
	entry      redis.XMessage
	deadLetter string
}

func (a *redisAck) Ack(ctx context.Context) error {
	return a.client.XAck(ctx, a.stream, a.group, a.entry.ID).Err()
}

// Reject appends the entry to the dead-letter stream, then acknowledges it.
func (a *redisAck) Reject(ctx context.Context, reason error) error {
	values := make(map[string]any, len(a.entry.Values)+2)
	for k, v := range a.entry.Values {
		values[k] = v
	}
	values[streamFieldSource] = a.stream + "/" + a.entry.ID
	if reason != nil {
		values[streamFieldReason] = reason.Error()
	}
	if err := a.client.XAdd(ctx, &redis.XAddArgs{Stream: a.deadLetter, ID: "*", Values: values}).Err(); err != nil {
		return fmt.Errorf("publish dead letter to %s: %w", a.deadLetter, err)
	}
	return a.Ack(ctx)
}
