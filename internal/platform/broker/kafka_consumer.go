package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/segmentio/kafka-go"

	"relayWs/internal/modules/realtime/application/port"
)

const (
	headerAction           = "action"
	headerDeadLetterReason = "dead-letter-reason"
	headerDeadLetterSource = "dead-letter-source"
)

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig locates the cluster and the consumer group.
type KafkaConfig struct {
	Brokers []string
	GroupID string
}

// KafkaConsumer consumes one topic per queue within a consumer group.
type KafkaConsumer struct {
	cfg       KafkaConfig
	opts      Options
	processor *messageProcessor
	logger    *slog.Logger

	newReader func(topic string) kafkaReader
	dial      func(ctx context.Context, addr string) error

	mu     sync.Mutex
	writer kafkaWriter
}

func NewKafkaConsumer(cfg KafkaConfig, opts Options) *KafkaConsumer {
	opts = opts.withDefaults()
	c := &KafkaConsumer{
		cfg:       cfg,
		opts:      opts,
		processor: newMessageProcessor(opts, "kafka-consumer"),
		dial:      dialKafka,
	}
	c.logger = c.processor.logger
	c.newReader = c.defaultReader
	return c
}

func (c *KafkaConsumer) defaultReader(topic string) kafkaReader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: c.cfg.Brokers,
		GroupID: c.cfg.GroupID,
		Topic:   topic,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			c.logger.Warn("kafka reader", slog.String("topic", topic), slog.String("detail", fmt.Sprintf(msg, args...)))
		}),
	})
}

func dialKafka(ctx context.Context, addr string) error {
	conn, err := kafka.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Initialize checks that at least one broker answers and prepares the dead-letter writer.
func (c *KafkaConsumer) Initialize(ctx context.Context) error {
	if len(c.cfg.Brokers) == 0 {
		return errors.New("kafka consumer: no brokers configured")
	}
	if c.cfg.GroupID == "" {
		return errors.New("kafka consumer: group id required")
	}

	var dialErr error
	for _, addr := range c.cfg.Brokers {
		if err := c.dial(ctx, addr); err != nil {
			dialErr = errors.Join(dialErr, fmt.Errorf("dial %s: %w", addr, err))
			continue
		}
		dialErr = nil
		break
	}
	if dialErr != nil {
		return fmt.Errorf("kafka consumer: %w", dialErr)
	}

	c.mu.Lock()
	if c.writer == nil {
		c.writer = &kafka.Writer{
			Addr:                   kafka.TCP(c.cfg.Brokers...),
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
		}
	}
	c.mu.Unlock()

	c.logger.Info("kafka consumer initialized", slog.Any("brokers", c.cfg.Brokers), slog.String("groupId", c.cfg.GroupID))
	return nil
}

func (c *KafkaConsumer) RegisterHandler(h port.MessageHandler) error {
	return c.processor.register(h)
}

// Consume reads topic queue until ctx is cancelled. Messages are committed one by one after
// they are settled. A message that cannot be dead-lettered ends Consume with an error and stays
// uncommitted, so the group resumes from it.
func (c *KafkaConsumer) Consume(ctx context.Context, queue string) error {
	if err := c.processor.seal(); err != nil {
		return err
	}
	c.mu.Lock()
	writer := c.writer
	c.mu.Unlock()
	if writer == nil {
		return errors.New("kafka consumer: not initialized")
	}

	reader := c.newReader(queue)
	defer func() {
		if err := reader.Close(); err != nil {
			c.logger.Warn("kafka reader close failed", slog.String("topic", queue), slog.Any("error", err))
		}
	}()

	c.logger.Info("kafka consuming", slog.String("topic", queue))
	failures := 0
	for {
		m, err := reader.FetchMessage(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			failures++
			c.logger.Warn("kafka read error", slog.String("topic", queue), slog.Int("attempt", failures), slog.Any("error", err))
			if failures >= c.opts.MaxReadErrors {
				return fmt.Errorf("kafka consume %s: %d consecutive read errors: %w", queue, failures, err)
			}
			if err := backoff(ctx, c.opts.ReadBackoff, failures); err != nil {
				return err
			}
			continue
		}
		failures = 0

		c.logger.Debug("kafka message consumed",
			slog.String("topic", m.Topic),
			slog.Int("partition", m.Partition),
			slog.Int64("offset", m.Offset),
		)
		err = c.processor.process(ctx, delivery{
			queue:        queue,
			brokerID:     m.Topic + "/" + strconv.Itoa(m.Partition) + "/" + strconv.FormatInt(m.Offset, 10),
			body:         m.Value,
			headerAction: headerValue(m.Headers, headerAction),
			ack: &kafkaAck{
				reader:     reader,
				writer:     writer,
				msg:        m,
				deadLetter: c.opts.deadLetterQueue(queue),
			},
		})
		if err != nil {
			// Stop before a later commit moves the group offset past the unsettled message.
			return fmt.Errorf("kafka consume %s: %w", queue, err)
		}
	}
}

func (c *KafkaConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writer == nil {
		return nil
	}
	err := c.writer.Close()
	c.writer = nil
	return err
}

func headerValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

type kafkaAck struct {
	reader     kafkaReader
	writer     kafkaWriter
	msg        kafka.Message
	deadLetter string
}

func (a *kafkaAck) Ack(ctx context.Context) error {
	return a.reader.CommitMessages(ctx, a.msg)
}

// Reject republishes the original bytes to the dead-letter topic, then commits the original.
func (a *kafkaAck) Reject(ctx context.Context, reason error) error {
	headers := make([]kafka.Header, 0, len(a.msg.Headers)+2)
	headers = append(headers, a.msg.Headers...)
	if reason != nil {
		headers = append(headers, kafka.Header{Key: headerDeadLetterReason, Value: []byte(reason.Error())})
	}
	headers = append(headers, kafka.Header{Key: headerDeadLetterSource, Value: []byte(a.msg.Topic)})

	if err := a.writer.WriteMessages(ctx, kafka.Message{
		Topic:   a.deadLetter,
		Key:     a.msg.Key,
		Value:   a.msg.Value,
		Headers: headers,
	}); err != nil {
		return fmt.Errorf("publish dead letter to %s: %w", a.deadLetter, err)
	}
	return a.reader.CommitMessages(ctx, a.msg)
}
