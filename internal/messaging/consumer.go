package messaging

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

var consumerTracer = otel.Tracer("messaging/consumer")

// Handler processes one message. Returning a Permanent error skips the
// message; any other error is retried and, once retries run out, stops the
// consumer so the message is redelivered.
type Handler func(ctx context.Context, msg Message) error

type Consumer struct {
	reader        *kafka.Reader
	topic         string
	groupID       string
	maxRetries    uint64
	retryInterval time.Duration
	logger        *slog.Logger
}

type consumerSettings struct {
	reader        kafka.ReaderConfig
	maxRetries    uint64
	retryInterval time.Duration
}

type ConsumerOption func(*consumerSettings)

// WithStartOffset applies to consumer groups without a committed offset.
func WithStartOffset(offset int64) ConsumerOption {
	return func(s *consumerSettings) {
		s.reader.StartOffset = offset
	}
}

// WithRetry retries a failing handler in place with exponential backoff.
func WithRetry(maxRetries uint64, initialInterval time.Duration) ConsumerOption {
	return func(s *consumerSettings) {
		s.maxRetries = maxRetries
		s.retryInterval = initialInterval
	}
}

func NewConsumer(brokers []string, topic, groupID string, logger *slog.Logger, opts ...ConsumerOption) *Consumer {
	settings := consumerSettings{
		reader: kafka.ReaderConfig{
			Brokers: brokers,
			Topic:   topic,
			GroupID: groupID,
		},
		retryInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&settings)
	}

	return &Consumer{
		reader:        kafka.NewReader(settings.reader),
		topic:         topic,
		groupID:       groupID,
		maxRetries:    settings.maxRetries,
		retryInterval: settings.retryInterval,
		logger:        logger,
	}
}

// Consume blocks until ctx is cancelled or a handler keeps failing
// transiently. Offsets are committed only after the handler is done with the
// message.
func (c *Consumer) Consume(ctx context.Context, handler Handler) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			return err
		}

		if err := c.deliver(ctx, msg, handler); err != nil {
			if !IsPermanent(err) {
				return err
			}
			c.logger.Error("dropping message", "error", err, "topic", c.topic,
				"partition", msg.Partition, "offset", msg.Offset)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return err
		}
	}
}

func (c *Consumer) deliver(ctx context.Context, msg kafka.Message, handler Handler) error {
	if c.maxRetries == 0 {
		return c.processMessage(ctx, msg, handler)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryInterval

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := c.processMessage(ctx, msg, handler)
		switch {
		case err == nil:
			return nil
		case IsPermanent(err):
			return backoff.Permanent(err)
		}
		c.logger.Warn("message handler failed", "error", err, "attempt", attempt,
			"partition", msg.Partition, "offset", msg.Offset)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, c.maxRetries), ctx))
}

func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message, handler Handler) error {
	parentCtx := otel.GetTextMapPropagator().Extract(ctx, NewHeaderCarrier(&msg))

	spanCtx, span := consumerTracer.Start(parentCtx, "process "+c.topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingOperationName("process"),
			semconv.MessagingOperationTypeDeliver,
			semconv.MessagingDestinationName(c.topic),
			semconv.MessagingKafkaConsumerGroup(c.groupID),
			semconv.MessagingKafkaMessageOffset(int(msg.Offset)),
			semconv.MessagingDestinationPartitionID(strconv.Itoa(msg.Partition)),
			semconv.MessagingKafkaMessageKey(string(msg.Key)),
		),
	)
	defer span.End()

	m := fromKafka(&msg)
	if m.EventType != "" {
		span.SetAttributes(attribute.String("messaging.event_type", m.EventType))
	}

	if err := handler(spanCtx, m); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	return nil
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
