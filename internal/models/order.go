package models

import "time"

// OrderStatus is the lifecycle state of an order
type OrderStatus string

// Order statuses
const (
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	OrderStatusPaymentFailed  OrderStatus = "payment_failed"
	OrderStatusConfirmed      OrderStatus = "confirmed"
	OrderStatusProcessing     OrderStatus = "processing"
	OrderStatusShipped        OrderStatus = "shipped"
	OrderStatusDelivered      OrderStatus = "delivered"
	OrderStatusCancelled      OrderStatus = "cancelled"
	OrderStatusRefunded       OrderStatus = "refunded"
)

func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusPendingPayment, OrderStatusPaymentFailed, OrderStatusConfirmed,
		OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered,
		OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition can leave s.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled || s == OrderStatusRefunded
}

// PaymentMethod selects the settlement path
type PaymentMethod string

// Payment methods
const (
	PaymentMethodDeposit  PaymentMethod = "deposit_account"
	PaymentMethodRazorpay PaymentMethod = "razorpay"
	PaymentMethodCOD      PaymentMethod = "cod"
)

func (m PaymentMethod) IsValid() bool {
	return m == PaymentMethodDeposit || m == PaymentMethodRazorpay || m == PaymentMethodCOD
}

// PaymentStatus is the settlement state, distinct from OrderStatus
type PaymentStatus string

// Payment statuses
const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// InventoryState tracks what the order currently holds against the catalog.
type InventoryState string

// Inventory states
const (
	InventoryHeld      InventoryState = "held"
	InventoryCommitted InventoryState = "committed"
	InventoryReleased  InventoryState = "released"
)

// RefundStatus of a cancellation
type RefundStatus string

// Refund statuses
const (
	RefundNotApplicable RefundStatus = "not_applicable"
	RefundPending       RefundStatus = "pending"
	RefundProcessed     RefundStatus = "processed"
	RefundFailed        RefundStatus = "failed"
)

// Shipping methods
const (
	ShippingStandard = "standard"
	ShippingExpress  = "express"
)

// OrderItem is a frozen snapshot of a catalog item at order time
type OrderItem struct {
	CatalogItemID string `db:"catalog_item_id" json:"catalog_item"`
	Name          string `db:"name" json:"name"`
	Price         int64  `db:"price" json:"price"`
	Quantity      int    `db:"quantity" json:"quantity"`
	Subtotal      int64  `db:"subtotal" json:"subtotal"`
}

// Pricing of an order in minor currency units
type Pricing struct {
	Subtotal     int64 `db:"subtotal" json:"subtotal"`
	ShippingCost int64 `db:"shipping_cost" json:"shipping_cost"`
	Tax          int64 `db:"tax" json:"tax"`
	Discount     int64 `db:"discount" json:"discount"`
	Total        int64 `db:"total" json:"total"`
}

// ComputedTotal returns subtotal + shipping + tax - discount.
func (p Pricing) ComputedTotal() int64 {
	return p.Subtotal + p.ShippingCost + p.Tax - p.Discount
}

// Payment holds the settlement details of an order
type Payment struct {
	Method           PaymentMethod `db:"method" json:"method"`
	Status           PaymentStatus `db:"status" json:"status"`
	TransactionID    string        `db:"transaction_id" json:"transaction_id,omitempty"`
	GatewayOrderID   string        `db:"gateway_order_id" json:"gateway_order_id,omitempty"`
	GatewayPaymentID string        `db:"gateway_payment_id" json:"gateway_payment_id,omitempty"`
	GatewaySignature string        `db:"gateway_signature" json:"-"`
	RefundID         string        `db:"refund_id" json:"refund_id,omitempty"`
	PaidAt           *time.Time    `db:"paid_at" json:"paid_at,omitempty"`
	FailureReason    string        `db:"failure_reason" json:"failure_reason,omitempty"`
}

// ShippingAddress of the buyer
type ShippingAddress struct {
	FullName   string `json:"full_name" validate:"required,max=120"`
	Line1      string `json:"line1" validate:"required,max=200"`
	Line2      string `json:"line2,omitempty" validate:"max=200"`
	City       string `json:"city" validate:"required,max=100"`
	State      string `json:"state" validate:"max=100"`
	PostalCode string `json:"postal_code" validate:"required,max=20"`
	Country    string `json:"country" validate:"required,max=60"`
	Phone      string `json:"phone,omitempty" validate:"max=30"`
}

// Shipping details
type Shipping struct {
	Method         string     `db:"method" json:"method"`
	TrackingNumber string     `db:"tracking_number" json:"tracking_number,omitempty"`
	ActualDelivery *time.Time `db:"actual_delivery" json:"actual_delivery,omitempty"`
}

// StatusHistoryEntry is one append-only audit record
type StatusHistoryEntry struct {
	Status    OrderStatus `db:"status" json:"status"`
	Timestamp time.Time   `db:"created_at" json:"timestamp"`
	Note      string      `db:"note" json:"note,omitempty"`
	Actor     string      `db:"actor" json:"actor"`
}

// Cancellation is populated once a cancellation is accepted
type Cancellation struct {
	Reason       string       `db:"reason" json:"reason,omitempty"`
	RequestedBy  string       `db:"requested_by" json:"requested_by"`
	RequestedAt  time.Time    `db:"requested_at" json:"requested_at"`
	RefundAmount int64        `db:"refund_amount" json:"refund_amount"`
	RefundStatus RefundStatus `db:"refund_status" json:"refund_status"`
}

// Order is the aggregate root of a checkout
type Order struct {
	ID              string               `json:"id"`
	OrderNumber     string               `json:"order_number"`
	UserID          string               `json:"user_id"`
	Items           []OrderItem          `json:"items"`
	ShippingAddress ShippingAddress      `json:"shipping_address"`
	Shipping        Shipping             `json:"shipping"`
	Pricing         Pricing              `json:"pricing"`
	Payment         Payment              `json:"payment"`
	Status          OrderStatus          `json:"status"`
	InventoryState  InventoryState       `json:"inventory_state"`
	StatusHistory   []StatusHistoryEntry `json:"status_history"`
	Cancellation    *Cancellation        `json:"cancellation,omitempty"`
	IdempotencyKey  string               `json:"-"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// CanBeCancelled reports whether the order has not shipped yet.
func (o *Order) CanBeCancelled() bool {
	switch o.Status {
	case OrderStatusPendingPayment, OrderStatusConfirmed, OrderStatusProcessing:
		return true
	}
	return false
}

// OwnedBy reports whether userID placed the order.
func (o *Order) OwnedBy(userID string) bool {
	return o.UserID == userID
}

// Clone returns a deep copy so callers can't mutate stored state.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Items = append([]OrderItem(nil), o.Items...)
	c.StatusHistory = append([]StatusHistoryEntry(nil), o.StatusHistory...)
	if o.Cancellation != nil {
		cancellation := *o.Cancellation
		c.Cancellation = &cancellation
	}
	if o.Payment.PaidAt != nil {
		paidAt := *o.Payment.PaidAt
		c.Payment.PaidAt = &paidAt
	}
	if o.Shipping.ActualDelivery != nil {
		delivered := *o.Shipping.ActualDelivery
		c.Shipping.ActualDelivery = &delivered
	}
	return &c
}
