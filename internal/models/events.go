package models

import "time"

// Event types
const (
	EventTypeOrderPlaced        = "ORDER_PLACED"
	EventTypeOrderStatusChanged = "ORDER_STATUS_CHANGED"
	EventTypePaymentCompleted   = "PAYMENT_COMPLETED"
	EventTypePaymentFailed      = "PAYMENT_FAILED"
	EventTypeOrderRefunded      = "ORDER_REFUNDED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderPlacedEvent published once an order is persisted
type OrderPlacedEvent struct {
	BaseEvent
	OrderID       string          `json:"order_id"`
	OrderNumber   string          `json:"order_number"`
	UserID        string          `json:"user_id"`
	Status        OrderStatus     `json:"status"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	Total         int64           `json:"total"`
	Items         []OrderItemData `json:"items"`
}

// OrderStatusChangedEvent published on every lifecycle transition
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID     string      `json:"order_id"`
	OrderNumber string      `json:"order_number"`
	UserID      string      `json:"user_id"`
	From        OrderStatus `json:"from"`
	To          OrderStatus `json:"to"`
	Note        string      `json:"note,omitempty"`
	Actor       string      `json:"actor"`
}

// PaymentCompletedEvent published when a payment settles
type PaymentCompletedEvent struct {
	BaseEvent
	OrderID       string        `json:"order_id"`
	UserID        string        `json:"user_id"`
	Method        PaymentMethod `json:"method"`
	Amount        int64         `json:"amount"`
	TransactionID string        `json:"transaction_id"`
}

// PaymentFailedEvent published when a payment attempt fails or expires
type PaymentFailedEvent struct {
	BaseEvent
	OrderID string        `json:"order_id"`
	UserID  string        `json:"user_id"`
	Method  PaymentMethod `json:"method"`
	Reason  string        `json:"reason"`
}

// OrderRefundedEvent published when money is returned to the buyer
type OrderRefundedEvent struct {
	BaseEvent
	OrderID  string        `json:"order_id"`
	UserID   string        `json:"user_id"`
	Method   PaymentMethod `json:"method"`
	Amount   int64         `json:"amount"`
	RefundID string        `json:"refund_id,omitempty"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	CatalogItemID string `json:"catalog_item_id"`
	Quantity      int    `json:"quantity"`
	Price         int64  `json:"price"`
}
