package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"stamp-order-service/internal/apperr"
	"stamp-order-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

type orderRow struct {
	ID                       string         `db:"id"`
	OrderNumber              string         `db:"order_number"`
	UserID                   string         `db:"user_id"`
	Status                   string         `db:"status"`
	InventoryState           string         `db:"inventory_state"`
	ShippingAddress          []byte         `db:"shipping_address"`
	ShippingMethod           string         `db:"shipping_method"`
	TrackingNumber           string         `db:"tracking_number"`
	ActualDelivery           *time.Time     `db:"actual_delivery"`
	Subtotal                 int64          `db:"subtotal"`
	ShippingCost             int64          `db:"shipping_cost"`
	Tax                      int64          `db:"tax"`
	Discount                 int64          `db:"discount"`
	Total                    int64          `db:"total"`
	PaymentMethod            string         `db:"payment_method"`
	PaymentStatus            string         `db:"payment_status"`
	TransactionID            string         `db:"transaction_id"`
	GatewayOrderID           string         `db:"gateway_order_id"`
	GatewayPaymentID         string         `db:"gateway_payment_id"`
	GatewaySignature         string         `db:"gateway_signature"`
	RefundID                 string         `db:"refund_id"`
	PaidAt                   *time.Time     `db:"paid_at"`
	FailureReason            string         `db:"failure_reason"`
	CancellationReason       sql.NullString `db:"cancellation_reason"`
	CancellationRequestedBy  sql.NullString `db:"cancellation_requested_by"`
	CancellationRequestedAt  *time.Time     `db:"cancellation_requested_at"`
	CancellationRefundAmount sql.NullInt64  `db:"cancellation_refund_amount"`
	CancellationRefundStatus sql.NullString `db:"cancellation_refund_status"`
	IdempotencyKey           sql.NullString `db:"idempotency_key"`
	CreatedAt                time.Time      `db:"created_at"`
	UpdatedAt                time.Time      `db:"updated_at"`
}

func (r *orderRow) toModel() (*models.Order, error) {
	o := &models.Order{
		ID:             r.ID,
		OrderNumber:    r.OrderNumber,
		UserID:         r.UserID,
		Status:         models.OrderStatus(r.Status),
		InventoryState: models.InventoryState(r.InventoryState),
		Shipping: models.Shipping{
			Method:         r.ShippingMethod,
			TrackingNumber: r.TrackingNumber,
			ActualDelivery: r.ActualDelivery,
		},
		Pricing: models.Pricing{
			Subtotal:     r.Subtotal,
			ShippingCost: r.ShippingCost,
			Tax:          r.Tax,
			Discount:     r.Discount,
			Total:        r.Total,
		},
		Payment: models.Payment{
			Method:           models.PaymentMethod(r.PaymentMethod),
			Status:           models.PaymentStatus(r.PaymentStatus),
			TransactionID:    r.TransactionID,
			GatewayOrderID:   r.GatewayOrderID,
			GatewayPaymentID: r.GatewayPaymentID,
			GatewaySignature: r.GatewaySignature,
			RefundID:         r.RefundID,
			PaidAt:           r.PaidAt,
			FailureReason:    r.FailureReason,
		},
		IdempotencyKey: r.IdempotencyKey.String,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if err := json.Unmarshal(r.ShippingAddress, &o.ShippingAddress); err != nil {
		return nil, fmt.Errorf("decode shipping address of order %s: %w", r.ID, err)
	}
	if r.CancellationRefundStatus.Valid {
		o.Cancellation = &models.Cancellation{
			Reason:       r.CancellationReason.String,
			RequestedBy:  r.CancellationRequestedBy.String,
			RefundAmount: r.CancellationRefundAmount.Int64,
			RefundStatus: models.RefundStatus(r.CancellationRefundStatus.String),
		}
		if r.CancellationRequestedAt != nil {
			o.Cancellation.RequestedAt = *r.CancellationRequestedAt
		}
	}
	return o, nil
}

// CreateOrder inserts the order, its item snapshots and its first history entry
func (q *queries) CreateOrder(ctx context.Context, order *models.Order) error {
	address, err := json.Marshal(order.ShippingAddress)
	if err != nil {
		return fmt.Errorf("encode shipping address: %w", err)
	}

	var idempotencyKey *string
	if order.IdempotencyKey != "" {
		idempotencyKey = &order.IdempotencyKey
	}

	return q.atomic(ctx, func(q *queries) error {
		err := q.ext.QueryRowxContext(ctx, `
			INSERT INTO orders (
				id, order_number, user_id, status, inventory_state, shipping_address, shipping_method,
				subtotal, shipping_cost, tax, discount, total,
				payment_method, payment_status, transaction_id, paid_at, idempotency_key
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			RETURNING created_at, updated_at`,
			order.ID, order.OrderNumber, order.UserID, order.Status, order.InventoryState, address, order.Shipping.Method,
			order.Pricing.Subtotal, order.Pricing.ShippingCost, order.Pricing.Tax, order.Pricing.Discount, order.Pricing.Total,
			order.Payment.Method, order.Payment.Status, order.Payment.TransactionID, order.Payment.PaidAt, idempotencyKey).
			Scan(&order.CreatedAt, &order.UpdatedAt)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && strings.Contains(pqErr.Constraint, "idempotency") {
				return apperr.Wrap(apperr.CodeConflict, err, "idempotency key already used")
			}
			return fmt.Errorf("insert order: %w", err)
		}

		for i, item := range order.Items {
			_, err := q.ext.ExecContext(ctx, `
				INSERT INTO order_items (order_id, position, catalog_item_id, name, price, quantity, subtotal)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				order.ID, i, item.CatalogItemID, item.Name, item.Price, item.Quantity, item.Subtotal)
			if err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}

		for _, entry := range order.StatusHistory {
			if err := q.insertHistory(ctx, order.ID, entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetOrder retrieves an order with its items and history
func (q *queries) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var row orderRow
	err := sqlx.GetContext(ctx, q.ext, &row, "SELECT * FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.CodeNotFound, fmt.Sprintf("order %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return q.hydrate(ctx, &row)
}

// GetOrderByIdempotencyKey returns nil when the key was never used
func (q *queries) GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*models.Order, error) {
	var row orderRow
	err := sqlx.GetContext(ctx, q.ext, &row,
		"SELECT * FROM orders WHERE user_id = $1 AND idempotency_key = $2", userID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order by idempotency key: %w", err)
	}
	return q.hydrate(ctx, &row)
}

func (q *queries) GetOrderByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*models.Order, error) {
	var row orderRow
	err := sqlx.GetContext(ctx, q.ext, &row,
		"SELECT * FROM orders WHERE gateway_order_id = $1", gatewayOrderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.CodeNotFound, fmt.Sprintf("no order for gateway order %s", gatewayOrderID))
	}
	if err != nil {
		return nil, fmt.Errorf("get order by gateway order %s: %w", gatewayOrderID, err)
	}
	return q.hydrate(ctx, &row)
}

// ListOrdersByUser retrieves orders for a user, newest first
func (q *queries) ListOrdersByUser(ctx context.Context, userID string) ([]*models.Order, error) {
	var rows []orderRow
	err := sqlx.SelectContext(ctx, q.ext, &rows,
		"SELECT * FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("list orders for %s: %w", userID, err)
	}
	return q.hydrateAll(ctx, rows)
}

// ListStaleGatewayOrders finds gateway orders still holding stock
func (q *queries) ListStaleGatewayOrders(ctx context.Context, createdBefore time.Time, limit int) ([]*models.Order, error) {
	var rows []orderRow
	err := sqlx.SelectContext(ctx, q.ext, &rows, `
		SELECT * FROM orders
		WHERE payment_method = $1
		  AND inventory_state = $2
		  AND status = ANY($3::text[])
		  AND created_at < $4
		ORDER BY created_at
		LIMIT $5`,
		models.PaymentMethodRazorpay, models.InventoryHeld,
		pq.Array([]string{string(models.OrderStatusPendingPayment), string(models.OrderStatusPaymentFailed)}),
		createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale gateway orders: %w", err)
	}
	return q.hydrateAll(ctx, rows)
}

// ApplyTransition performs the guarded status update and appends history
func (q *queries) ApplyTransition(ctx context.Context, t OrderTransition) (*models.Order, error) {
	from := make([]string, len(t.From))
	for i, s := range t.From {
		from[i] = string(s)
	}
	paymentFrom := make([]string, len(t.PaymentFrom))
	for i, s := range t.PaymentFrom {
		paymentFrom[i] = string(s)
	}

	p := PaymentUpdate{}
	if t.Payment != nil {
		p = *t.Payment
	}
	c := models.Cancellation{}
	if t.Cancellation != nil {
		c = *t.Cancellation
	}

	var out *models.Order
	err := q.atomic(ctx, func(q *queries) error {
		var id string
		err := sqlx.GetContext(ctx, q.ext, &id, `
			UPDATE orders SET
				status = $1,
				payment_status = COALESCE(NULLIF($2::text, ''), payment_status),
				paid_at = COALESCE($3::timestamptz, paid_at),
				transaction_id = COALESCE(NULLIF($4::text, ''), transaction_id),
				gateway_payment_id = COALESCE(NULLIF($5::text, ''), gateway_payment_id),
				gateway_signature = COALESCE(NULLIF($6::text, ''), gateway_signature),
				failure_reason = COALESCE(NULLIF($7::text, ''), failure_reason),
				refund_id = COALESCE(NULLIF($8::text, ''), refund_id),
				tracking_number = COALESCE(NULLIF($9::text, ''), tracking_number),
				actual_delivery = COALESCE($10::timestamptz, actual_delivery),
				cancellation_reason = CASE WHEN $11::boolean THEN $12::text ELSE cancellation_reason END,
				cancellation_requested_by = CASE WHEN $11::boolean THEN $13::text ELSE cancellation_requested_by END,
				cancellation_requested_at = CASE WHEN $11::boolean THEN $14::timestamptz ELSE cancellation_requested_at END,
				cancellation_refund_amount = CASE WHEN $11::boolean THEN $15::bigint ELSE cancellation_refund_amount END,
				cancellation_refund_status = CASE WHEN $11::boolean THEN $16::text ELSE cancellation_refund_status END,
				updated_at = NOW()
			WHERE id = $17
			  AND status = ANY($18::text[])
			  AND (cardinality($19::text[]) = 0 OR payment_status = ANY($19::text[]))
			RETURNING id`,
			t.To, p.Status, p.PaidAt, p.TransactionID, p.GatewayPaymentID, p.GatewaySignature, p.FailureReason, p.RefundID,
			t.TrackingNumber, t.ActualDelivery,
			t.Cancellation != nil, c.Reason, c.RequestedBy, c.RequestedAt, c.RefundAmount, c.RefundStatus,
			t.OrderID, pq.Array(from), pq.Array(paymentFrom))
		if errors.Is(err, sql.ErrNoRows) {
			current, getErr := q.GetOrder(ctx, t.OrderID)
			if getErr != nil {
				return getErr
			}
			return apperr.InvalidOrderState(
				fmt.Sprintf("order %s cannot move from %s to %s", current.OrderNumber, current.Status, t.To)).
				WithDetails(map[string]any{"status": current.Status, "payment_status": current.Payment.Status})
		}
		if err != nil {
			return fmt.Errorf("transition order %s: %w", t.OrderID, err)
		}

		entry := t.History
		entry.Status = t.To
		if err := q.insertHistory(ctx, t.OrderID, entry); err != nil {
			return err
		}

		out, err = q.GetOrder(ctx, t.OrderID)
		return err
	})
	return out, err
}

// SetGatewayOrderID records the external order id while payment is pending
func (q *queries) SetGatewayOrderID(ctx context.Context, orderID, gatewayOrderID string) (*models.Order, error) {
	res, err := q.ext.ExecContext(ctx, `
		UPDATE orders SET gateway_order_id = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3 AND payment_status = $4 AND gateway_order_id = ''`,
		gatewayOrderID, orderID, models.OrderStatusPendingPayment, models.PaymentStatusPending)
	if err != nil {
		return nil, fmt.Errorf("set gateway order id: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, getErr := q.GetOrder(ctx, orderID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, apperr.InvalidOrderState(
			fmt.Sprintf("order %s is not awaiting a new gateway order", current.OrderNumber))
	}
	return q.GetOrder(ctx, orderID)
}

// ClaimInventory flips inventory_state only if it still equals from
func (q *queries) ClaimInventory(ctx context.Context, orderID string, from, to models.InventoryState) (bool, error) {
	res, err := q.ext.ExecContext(ctx, `
		UPDATE orders SET inventory_state = $1, updated_at = NOW()
		WHERE id = $2 AND inventory_state = $3`, to, orderID, from)
	if err != nil {
		return false, fmt.Errorf("claim inventory of order %s: %w", orderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ClaimCancellationRefund settles a pending cancellation refund exactly once
func (q *queries) ClaimCancellationRefund(ctx context.Context, orderID string, to models.RefundStatus, paymentStatus models.PaymentStatus, refundID string) (bool, error) {
	res, err := q.ext.ExecContext(ctx, `
		UPDATE orders SET
			cancellation_refund_status = $1,
			payment_status = COALESCE(NULLIF($2::text, ''), payment_status),
			refund_id = COALESCE(NULLIF($3::text, ''), refund_id),
			updated_at = NOW()
		WHERE id = $4 AND cancellation_refund_status = $5`,
		to, paymentStatus, refundID, orderID, models.RefundPending)
	if err != nil {
		return false, fmt.Errorf("claim cancellation refund of order %s: %w", orderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (q *queries) insertHistory(ctx context.Context, orderID string, entry models.StatusHistoryEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := q.ext.ExecContext(ctx, `
		INSERT INTO order_status_history (order_id, status, note, actor, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		orderID, entry.Status, entry.Note, entry.Actor, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("insert status history: %w", err)
	}
	return nil
}

func (q *queries) hydrate(ctx context.Context, row *orderRow) (*models.Order, error) {
	order, err := row.toModel()
	if err != nil {
		return nil, err
	}

	err = sqlx.SelectContext(ctx, q.ext, &order.Items, `
		SELECT catalog_item_id, name, price, quantity, subtotal
		FROM order_items WHERE order_id = $1 ORDER BY position`, order.ID)
	if err != nil {
		return nil, fmt.Errorf("get items of order %s: %w", order.ID, err)
	}

	err = sqlx.SelectContext(ctx, q.ext, &order.StatusHistory, `
		SELECT status, note, actor, created_at
		FROM order_status_history WHERE order_id = $1 ORDER BY id`, order.ID)
	if err != nil {
		return nil, fmt.Errorf("get history of order %s: %w", order.ID, err)
	}
	return order, nil
}

func (q *queries) hydrateAll(ctx context.Context, rows []orderRow) ([]*models.Order, error) {
	orders := make([]*models.Order, 0, len(rows))
	for i := range rows {
		order, err := q.hydrate(ctx, &rows[i])
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}
