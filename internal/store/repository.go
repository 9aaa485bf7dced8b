package store

import (
	"context"
	"time"

	"stamp-order-service/internal/models"
)

// Repository is the persistence contract of the order core. Every stock and
// wallet mutator is a single atomic conditional update; no caller writes
// those fields any other way.
type Repository interface {
	GetCatalogItem(ctx context.Context, id string) (*models.CatalogItem, error)
	ReserveStock(ctx context.Context, itemID string, qty int) (*models.CatalogItem, error)
	ReleaseStock(ctx context.Context, itemID string, qty int) (*models.CatalogItem, error)
	ReduceStock(ctx context.Context, itemID string, qty int) (*models.CatalogItem, error)

	GetWallet(ctx context.Context, userID string, limit int) (*models.Wallet, error)
	AddToDeposit(ctx context.Context, userID string, amount int64, description, orderRef string) (*models.DepositTransaction, error)
	DeductFromDeposit(ctx context.Context, userID string, amount int64, description, orderRef string) (*models.DepositTransaction, error)

	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*models.Order, error)
	GetOrderByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*models.Order, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]*models.Order, error)
	ListStaleGatewayOrders(ctx context.Context, createdBefore time.Time, limit int) ([]*models.Order, error)

	ApplyTransition(ctx context.Context, t OrderTransition) (*models.Order, error)
	SetGatewayOrderID(ctx context.Context, orderID, gatewayOrderID string) (*models.Order, error)
	ClaimInventory(ctx context.Context, orderID string, from, to models.InventoryState) (bool, error)
	ClaimCancellationRefund(ctx context.Context, orderID string, to models.RefundStatus, paymentStatus models.PaymentStatus, refundID string) (bool, error)

	// RunInTx runs fn against a repository bound to one transaction.
	RunInTx(ctx context.Context, fn func(tx Repository) error) error
}

// OrderTransition is a compare-and-set on an order's status. The update is
// applied only when the current status is in From (and, if set, the payment
// status is in PaymentFrom); the history entry is appended in the same
// atomic write.
type OrderTransition struct {
	OrderID        string
	From           []models.OrderStatus
	PaymentFrom    []models.PaymentStatus
	To             models.OrderStatus
	Payment        *PaymentUpdate
	TrackingNumber string
	ActualDelivery *time.Time
	Cancellation   *models.Cancellation
	History        models.StatusHistoryEntry
}

// PaymentUpdate lists payment fields written by a transition. Empty strings
// leave the stored value untouched.
type PaymentUpdate struct {
	Status           models.PaymentStatus
	PaidAt           *time.Time
	TransactionID    string
	GatewayPaymentID string
	GatewaySignature string
	FailureReason    string
	RefundID         string
}

// Allows reports whether the transition guard accepts order.
func (t OrderTransition) Allows(order *models.Order) bool {
	statusOK := false
	for _, s := range t.From {
		if order.Status == s {
			statusOK = true
			break
		}
	}
	if !statusOK {
		return false
	}
	if len(t.PaymentFrom) == 0 {
		return true
	}
	for _, s := range t.PaymentFrom {
		if order.Payment.Status == s {
			return true
		}
	}
	return false
}

// ApplyTo writes the transition onto order.
func (t OrderTransition) ApplyTo(order *models.Order, now time.Time) {
	order.Status = t.To
	if p := t.Payment; p != nil {
		if p.Status != "" {
			order.Payment.Status = p.Status
		}
		if p.PaidAt != nil {
			paidAt := *p.PaidAt
			order.Payment.PaidAt = &paidAt
		}
		if p.TransactionID != "" {
			order.Payment.TransactionID = p.TransactionID
		}
		if p.GatewayPaymentID != "" {
			order.Payment.GatewayPaymentID = p.GatewayPaymentID
		}
		if p.GatewaySignature != "" {
			order.Payment.GatewaySignature = p.GatewaySignature
		}
		if p.FailureReason != "" {
			order.Payment.FailureReason = p.FailureReason
		}
		if p.RefundID != "" {
			order.Payment.RefundID = p.RefundID
		}
	}
	if t.TrackingNumber != "" {
		order.Shipping.TrackingNumber = t.TrackingNumber
	}
	if t.ActualDelivery != nil {
		delivered := *t.ActualDelivery
		order.Shipping.ActualDelivery = &delivered
	}
	if t.Cancellation != nil {
		cancellation := *t.Cancellation
		order.Cancellation = &cancellation
	}
	entry := t.History
	entry.Status = t.To
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now
	}
	order.StatusHistory = append(order.StatusHistory, entry)
	order.UpdatedAt = now
}
