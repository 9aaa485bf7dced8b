package broker

import (
	"context"
	"fmt"

	"stamp-order-service/internal/models"
	"stamp-order-service/internal/util"

	"go.uber.org/zap"
)

// EventSink is anything that can publish a keyed event
type EventSink interface {
	PublishEvent(ctx context.Context, key, eventType string, event interface{}) error
}

// EventPublisher handles publishing domain events
type EventPublisher struct {
	sink EventSink
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(sink EventSink) *EventPublisher {
	return &EventPublisher{sink: sink}
}

func orderKey(orderID string) string {
	return fmt.Sprintf("order-%s", orderID)
}

// PublishOrderPlaced publishes ORDER_PLACED
func (ep *EventPublisher) PublishOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error {
	return ep.sink.PublishEvent(ctx, orderKey(event.OrderID), event.EventType, event)
}

// PublishOrderStatusChanged publishes ORDER_STATUS_CHANGED
func (ep *EventPublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	return ep.sink.PublishEvent(ctx, orderKey(event.OrderID), event.EventType, event)
}

// PublishPaymentCompleted publishes PAYMENT_COMPLETED
func (ep *EventPublisher) PublishPaymentCompleted(ctx context.Context, event *models.PaymentCompletedEvent) error {
	return ep.sink.PublishEvent(ctx, orderKey(event.OrderID), event.EventType, event)
}

// PublishPaymentFailed publishes PAYMENT_FAILED
func (ep *EventPublisher) PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	return ep.sink.PublishEvent(ctx, orderKey(event.OrderID), event.EventType, event)
}

// PublishOrderRefunded publishes ORDER_REFUNDED
func (ep *EventPublisher) PublishOrderRefunded(ctx context.Context, event *models.OrderRefundedEvent) error {
	return ep.sink.PublishEvent(ctx, orderKey(event.OrderID), event.EventType, event)
}

// LogSink writes events to the log instead of a broker, for running
// without Kafka.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a new log sink
func NewLogSink() *LogSink {
	return &LogSink{logger: util.ComponentLogger("events")}
}

// PublishEvent logs the event
func (s *LogSink) PublishEvent(_ context.Context, key, eventType string, event interface{}) error {
	s.logger.Info("Domain event",
		zap.String("key", key),
		zap.String("event_type", eventType),
		zap.Any("event", event))
	return nil
}
