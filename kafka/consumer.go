package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"study-payment-svc/config"
	"study-payment-svc/middleware"
	"study-payment-svc/models"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

type EventHandler interface {
	Handle(ctx context.Context, event models.Event) error
}

func InitConsumerGroup(cfg config.KafkaConfig, logger *zap.Logger) (sarama.ConsumerGroup, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Version = sarama.V2_8_0_0
	saramaCfg.Consumer.Return.Errors = true
	saramaCfg.Consumer.Retry.Backoff = 1 * time.Second
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaCfg.Consumer.Offsets.AutoCommit.Enable = true
	saramaCfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategySticky()}

	group, err := sarama.NewConsumerGroup(cfg.Brokers(), cfg.GroupID, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}

	logger.Info("Kafka consumer group initialized", zap.String("group_id", cfg.GroupID))
	return group, nil
}

const maxClaimWait = 30 * time.Second

// Consumer feeds messages to an EventHandler. An offset is marked only after the handler
// succeeds; a message that keeps failing ends the session so it is delivered again.
type Consumer struct {
	group        sarama.ConsumerGroup
	topics       []string
	handler      EventHandler
	maxRetries   int
	retryBackoff time.Duration
	logger       *zap.Logger
}

func NewConsumer(group sarama.ConsumerGroup, topics []string, handler EventHandler, maxRetries int, logger *zap.Logger) *Consumer {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Consumer{
		group:        group,
		topics:       topics,
		handler:      handler,
		maxRetries:   maxRetries,
		retryBackoff: time.Second,
		logger:       logger,
	}
}

// Run blocks until ctx is cancelled or the group is closed.
func (c *Consumer) Run(ctx context.Context) error {
	go func() {
		for err := range c.group.Errors() {
			c.logger.Error("Kafka consumer error", zap.Error(err))
		}
	}()

	c.logger.Info("Kafka consumer started", zap.Strings("topics", c.topics))
	for {
		if err := c.group.Consume(ctx, c.topics, c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.Error("Consumer session ended with error", zap.Error(err))
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c *Consumer) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := c.handleMessageWithRetry(sess.Context(), msg); err != nil {
				c.logger.Error("Failed to handle message after retries, ending session",
					zap.String("topic", msg.Topic),
					zap.Int32("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Error(err),
				)
				return err
			}
			sess.MarkMessage(msg, "")
		case <-sess.Context().Done():
			return nil
		}
	}
}

func (c *Consumer) handleMessageWithRetry(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var lastErr error
	claimWait := c.retryBackoff
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		err := c.handleMessage(ctx, msg)
		if errors.Is(err, models.ErrClaimInProgress) {
			// held until the reservation is finalized or swept; waiting keeps the
			// session and does not use up retries
			c.logger.Warn("Event claim held by another delivery, waiting",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
				zap.Duration("wait", claimWait),
			)
			select {
			case <-time.After(claimWait):
			case <-ctx.Done():
				return ctx.Err()
			}
			claimWait = min(2*claimWait, maxClaimWait)
			attempt--
			continue
		}
		if err == nil || isPermanent(err) {
			if err != nil {
				c.logger.Warn("Dropping message with permanent error",
					zap.String("topic", msg.Topic),
					zap.Int64("offset", msg.Offset),
					zap.Error(err),
				)
			}
			return nil
		}
		lastErr = err
		if attempt < c.maxRetries {
			backoff := time.Duration(attempt) * c.retryBackoff
			c.logger.Warn("Retrying message handling",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", c.maxRetries, lastErr)
}

func (c *Consumer) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	ctx = otel.GetTextMapPropagator().Extract(ctx, consumerHeaderCarrier(msg.Headers))
	ctx, span := otel.Tracer("study-payment-service").Start(ctx, "ConsumeEvent")
	defer span.End()

	var event models.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: undecodable message: %w", models.ErrInvalidCommand, err)
	}
	if event.EventID == "" {
		event.EventID = consumerHeaderCarrier(msg.Headers).Get(headerEventID)
	}
	if event.EventType == "" {
		event.EventType = consumerHeaderCarrier(msg.Headers).Get(headerEventType)
	}

	span.SetAttributes(
		attribute.String("event.id", event.EventID),
		attribute.String("event.type", event.EventType),
		attribute.String("messaging.destination", msg.Topic),
	)

	if err := c.handler.Handle(ctx, event); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	c.logger.Debug("Event handled",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
	)
	return nil
}

// isPermanent reports errors that will fail the same way on every redelivery.
func isPermanent(err error) bool {
	return errors.Is(err, models.ErrInvalidCommand) ||
		errors.Is(err, models.ErrGatewayRejected) ||
		errors.Is(err, models.ErrInvalidStateTransition) ||
		errors.Is(err, models.ErrAmountMismatch) ||
		errors.Is(err, models.ErrPaymentNotFound)
}
