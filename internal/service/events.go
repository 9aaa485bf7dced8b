package service

import (
	"context"
	"time"

	"stamp-order-service/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// notifier publishes best-effort events; failures are logged, never returned.
type notifier struct {
	publisher EventPublisher
	logger    *zap.Logger
}

func baseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

func (n notifier) orderPlaced(ctx context.Context, order *models.Order) {
	if n.publisher == nil {
		return
	}
	items := make([]models.OrderItemData, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, models.OrderItemData{
			CatalogItemID: item.CatalogItemID,
			Quantity:      item.Quantity,
			Price:         item.Price,
		})
	}
	n.check(order, models.EventTypeOrderPlaced, n.publisher.PublishOrderPlaced(ctx, &models.OrderPlacedEvent{
		BaseEvent:     baseEvent(models.EventTypeOrderPlaced),
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		Status:        order.Status,
		PaymentMethod: order.Payment.Method,
		Total:         order.Pricing.Total,
		Items:         items,
	}))
}

func (n notifier) statusChanged(ctx context.Context, order *models.Order, from models.OrderStatus) {
	if n.publisher == nil || len(order.StatusHistory) == 0 {
		return
	}
	last := order.StatusHistory[len(order.StatusHistory)-1]
	n.check(order, models.EventTypeOrderStatusChanged, n.publisher.PublishOrderStatusChanged(ctx, &models.OrderStatusChangedEvent{
		BaseEvent:   baseEvent(models.EventTypeOrderStatusChanged),
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		From:        from,
		To:          order.Status,
		Note:        last.Note,
		Actor:       last.Actor,
	}))
}

func (n notifier) paymentCompleted(ctx context.Context, order *models.Order) {
	if n.publisher == nil {
		return
	}
	n.check(order, models.EventTypePaymentCompleted, n.publisher.PublishPaymentCompleted(ctx, &models.PaymentCompletedEvent{
		BaseEvent:     baseEvent(models.EventTypePaymentCompleted),
		OrderID:       order.ID,
		UserID:        order.UserID,
		Method:        order.Payment.Method,
		Amount:        order.Pricing.Total,
		TransactionID: order.Payment.TransactionID,
	}))
}

func (n notifier) paymentFailed(ctx context.Context, order *models.Order, reason string) {
	if n.publisher == nil {
		return
	}
	n.check(order, models.EventTypePaymentFailed, n.publisher.PublishPaymentFailed(ctx, &models.PaymentFailedEvent{
		BaseEvent: baseEvent(models.EventTypePaymentFailed),
		OrderID:   order.ID,
		UserID:    order.UserID,
		Method:    order.Payment.Method,
		Reason:    reason,
	}))
}

func (n notifier) refunded(ctx context.Context, order *models.Order, amount int64, refundID string) {
	if n.publisher == nil {
		return
	}
	n.check(order, models.EventTypeOrderRefunded, n.publisher.PublishOrderRefunded(ctx, &models.OrderRefundedEvent{
		BaseEvent: baseEvent(models.EventTypeOrderRefunded),
		OrderID:   order.ID,
		UserID:    order.UserID,
		Method:    order.Payment.Method,
		Amount:    amount,
		RefundID:  refundID,
	}))
}

func (n notifier) check(order *models.Order, eventType string, err error) {
	if err != nil {
		n.logger.Error("Failed to publish event",
			zap.String("event_type", eventType),
			zap.String("order_id", order.ID),
			zap.Error(err))
	}
}
