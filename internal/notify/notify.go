// Package notify publishes order lifecycle events for downstream consumers
// (email, fulfillment). Publishing is fire-and-forget from checkout's point
// of view: a failed publish is logged, never propagated.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

type OrderCreatedEvent struct {
	EventID     string          `json:"event_id"`
	OrderID     int64           `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	UserID      int64           `json:"user_id"`
	Total       decimal.Decimal `json:"total"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher builds a publisher from a comma-separated broker list. An
// empty list yields a disabled publisher; Publish becomes a no-op.
func NewPublisher(brokersCSV, topic string) *Publisher {
	var brokers []string
	for _, b := range strings.Split(brokersCSV, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}

	if len(brokers) == 0 {
		return &Publisher{}
	}

	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
	}
}

func (p *Publisher) Enabled() bool {
	return p.writer != nil
}

// OrderCreated publishes an order-created event keyed by order number.
func (p *Publisher) OrderCreated(ctx context.Context, orderID, userID int64, orderNumber string, total decimal.Decimal) error {
	if !p.Enabled() {
		return nil
	}

	event := OrderCreatedEvent{
		EventID:     uuid.NewString(),
		OrderID:     orderID,
		OrderNumber: orderNumber,
		UserID:      userID,
		Total:       total,
		OccurredAt:  time.Now().UTC(),
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal order created event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(orderNumber),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("publish order created event: %w", err)
	}

	return nil
}

func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
