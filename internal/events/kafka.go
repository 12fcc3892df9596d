package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"tokopos/backend/internal/domain"
)

type Producer struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewProducer(brokers []string, topic string, logger *zap.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}
	return &Producer{writer: writer, logger: logger.Named("kafka-producer")}
}

// PublishSaleFinalized keys messages by branch so one branch's stock events
// stay ordered on a single partition.
func (p *Producer) PublishSaleFinalized(ctx context.Context, event domain.SaleFinalizedEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:     []byte(event.BranchID),
		Value:   payload,
		Time:    event.At,
		Headers: []kafka.Header{{Key: "event-type", Value: []byte(SaleFinalizedType)}},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	p.logger.Debug("published event", zap.String("sale_id", event.SaleID), zap.String("event_id", event.EventID))
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

type Consumer struct {
	reader *kafka.Reader
	logger *zap.Logger
}

func NewConsumer(brokers []string, topic string, groupID string, logger *zap.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		StartOffset:    kafka.FirstOffset,
	})
	return &Consumer{reader: reader, logger: logger.Named("kafka-consumer")}
}

// Run fetches messages until ctx ends. A message is committed only after the
// handler succeeds; undecodable messages are committed and skipped.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	c.logger.Info("consuming", zap.String("topic", c.reader.Config().Topic))
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			c.logger.Warn("fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		event, err := Decode(msg.Value)
		if err != nil {
			c.logger.Error("dropping malformed message", zap.Int64("offset", msg.Offset), zap.Error(err))
			c.commit(ctx, msg)
			continue
		}
		// Retry in place; committing a later offset would skip this event.
		for attempt := 1; ; attempt++ {
			err := handler(ctx, event)
			if err == nil {
				break
			}
			c.logger.Error("handler failed",
				zap.String("sale_id", event.SaleID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay(attempt)):
			}
		}
		c.commit(ctx, msg)
	}
}

func retryDelay(attempt int) time.Duration {
	d := time.Duration(attempt) * 500 * time.Millisecond
	if d > 10*time.Second {
		return 10 * time.Second
	}
	return d
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		c.logger.Warn("commit failed", zap.Int64("offset", msg.Offset), zap.Error(err))
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
