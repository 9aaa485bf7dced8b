package service

import (
	"context"
	"time"

	"stamp-order-service/internal/apperr"
	"stamp-order-service/internal/gateway"
	"stamp-order-service/internal/models"
)

// EventPublisher delivers domain events to downstream consumers.
type EventPublisher interface {
	PublishOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
	PublishPaymentCompleted(ctx context.Context, event *models.PaymentCompletedEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
	PublishOrderRefunded(ctx context.Context, event *models.OrderRefundedEvent) error
}

// Locker is a distributed mutual-exclusion primitive keyed by name.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// EventDeduper remembers gateway webhook event ids.
type EventDeduper interface {
	MarkEventSeen(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
	ForgetEvent(ctx context.Context, eventID string) error
}

// PaymentGateway is the external payment processor.
type PaymentGateway interface {
	KeyID() string
	CreateOrder(ctx context.Context, req gateway.CreateOrderRequest) (*gateway.Order, error)
	Refund(ctx context.Context, paymentID string, amount int64, notes map[string]string) (*gateway.Refund, error)
	VerifyPaymentSignature(gatewayOrderID, paymentID, signature string) bool
	VerifyWebhookSignature(body []byte, signature string) bool
}

// Principal is the authenticated caller as supplied by the auth service.
type Principal struct {
	UserID string
	Role   string
}

// SystemActor is recorded in status history for transitions nobody requested.
const SystemActor = "system"

func (p Principal) IsAdmin() bool {
	return p.Role == models.RoleAdmin
}

func (p Principal) actor() string {
	if p.IsAdmin() {
		return "admin:" + p.UserID
	}
	return p.UserID
}

func authorizeOrder(p Principal, order *models.Order) error {
	if p.IsAdmin() || order.OwnedBy(p.UserID) {
		return nil
	}
	return apperr.New(apperr.CodeAccessDenied, "order belongs to another user")
}

func requireAdmin(p Principal) error {
	if !p.IsAdmin() {
		return apperr.New(apperr.CodeAccessDenied, "admin role required")
	}
	return nil
}
