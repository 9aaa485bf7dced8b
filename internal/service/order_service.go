package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"stamp-order-service/internal/apperr"
	"stamp-order-service/internal/gateway"
	"stamp-order-service/internal/models"
	"stamp-order-service/internal/store"
	"stamp-order-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultIdempotencyLockTTL = 30 * time.Second

// OrderService handles order placement and the order lifecycle
type OrderService struct {
	repo        store.Repository
	inventory   *InventoryService
	compensator *Compensator
	pricer      *Pricer
	gateway     PaymentGateway
	locker      Locker
	events      notifier
	lockTTL     time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

// NewOrderService creates a new order service. locker may be nil, in which
// case concurrent requests sharing an Idempotency-Key are only caught by the
// store's unique constraint.
func NewOrderService(
	repo store.Repository,
	inventory *InventoryService,
	compensator *Compensator,
	pricer *Pricer,
	gw PaymentGateway,
	locker Locker,
	publisher EventPublisher,
) *OrderService {
	logger := util.ComponentLogger("orders")
	return &OrderService{
		repo:        repo,
		inventory:   inventory,
		compensator: compensator,
		pricer:      pricer,
		gateway:     gw,
		locker:      locker,
		events:      notifier{publisher: publisher, logger: logger},
		lockTTL:     defaultIdempotencyLockTTL,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger,
	}
}

// SetClock replaces the time source
func (s *OrderService) SetClock(now func() time.Time) {
	s.now = now
}

// PlaceOrderRequest is a checkout
type PlaceOrderRequest struct {
	Items           []LineItem             `json:"items" validate:"required,min=1,dive"`
	ShippingAddress models.ShippingAddress `json:"shippingAddress" validate:"required"`
	Payment         PaymentSelection       `json:"payment" validate:"required"`
	Shipping        ShippingSelection      `json:"shipping"`
	IdempotencyKey  string                 `json:"-"`
}

// PaymentSelection picks the settlement path
type PaymentSelection struct {
	Method models.PaymentMethod `json:"method" validate:"required,oneof=deposit_account razorpay cod"`
}

// ShippingSelection picks the shipping method
type ShippingSelection struct {
	Method string `json:"method" validate:"omitempty,oneof=standard express"`
}

// UpdateStatusRequest is an admin status change
type UpdateStatusRequest struct {
	Status         models.OrderStatus `json:"status" validate:"required"`
	Note           string             `json:"note" validate:"max=500"`
	TrackingNumber string             `json:"trackingNumber" validate:"max=100"`
}

// PlaceOrder reserves stock for every line and then settles the order by
// its payment method. Deposit orders are debited and committed in the same
// request; gateway and COD orders are persisted awaiting payment with their
// stock held. Any failure releases exactly the stock this call reserved.
//
// The returned bool is true when the order was replayed for an
// Idempotency-Key that had already completed.
func (s *OrderService) PlaceOrder(ctx context.Context, p Principal, req PlaceOrderRequest) (*models.Order, bool, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.PlaceOrder")
	defer span.End()

	if !req.Payment.Method.IsValid() {
		util.OrdersFailedTotal.WithLabelValues("validation").Inc()
		return nil, false, apperr.Validation(fmt.Sprintf("unknown payment method %q", req.Payment.Method))
	}
	if len(req.Items) == 0 {
		util.OrdersFailedTotal.WithLabelValues("validation").Inc()
		return nil, false, apperr.Validation("order must contain at least one item")
	}

	if req.IdempotencyKey != "" {
		existing, err := s.repo.GetOrderByIdempotencyKey(ctx, p.UserID, req.IdempotencyKey)
		if err != nil {
			return nil, false, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if existing != nil {
			s.logger.Info("Duplicate order request detected",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.String("order_id", existing.ID))
			return existing, true, nil
		}

		unlock, err := s.lockIdempotencyKey(ctx, p.UserID, req.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		defer unlock()

		// The holder of the lock may have finished while we waited on it.
		existing, err = s.repo.GetOrderByIdempotencyKey(ctx, p.UserID, req.IdempotencyKey)
		if err != nil {
			return nil, false, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if existing != nil {
			return existing, true, nil
		}
	}

	order, err := s.placeOrder(ctx, p, req)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues(failureReason(err)).Inc()
		return nil, false, err
	}

	util.OrdersPlacedTotal.WithLabelValues(string(order.Payment.Method)).Inc()
	s.logger.Info("Order placed",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("status", string(order.Status)),
		zap.Int64("total", order.Pricing.Total))

	s.events.orderPlaced(ctx, order)
	if order.Payment.Status == models.PaymentStatusCompleted {
		util.PaymentsTotal.WithLabelValues(string(order.Payment.Method), "completed").Inc()
		s.events.paymentCompleted(ctx, order)
	}
	return order, false, nil
}

func (s *OrderService) placeOrder(ctx context.Context, p Principal, req PlaceOrderRequest) (*models.Order, error) {
	now := s.now()
	shippingMethod := req.Shipping.Method
	if shippingMethod == "" {
		shippingMethod = models.ShippingStandard
	}

	order := &models.Order{
		ID:              uuid.New().String(),
		OrderNumber:     newOrderNumber(now),
		UserID:          p.UserID,
		ShippingAddress: req.ShippingAddress,
		Shipping:        models.Shipping{Method: shippingMethod},
		Payment: models.Payment{
			Method: req.Payment.Method,
			Status: models.PaymentStatusPending,
		},
		InventoryState: models.InventoryHeld,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
	}

	saga := NewSaga("PlaceOrder").
		Step("reserve-inventory",
			func(ctx context.Context) error {
				items, err := s.inventory.Reserve(ctx, req.Items)
				if err != nil {
					return err
				}
				order.Items = items
				return nil
			},
			func(ctx context.Context) error {
				return s.compensator.ReleaseReservations(ctx, order.Items)
			}).
		Step("price-order",
			func(ctx context.Context) error {
				pricing, err := s.pricer.Quote(order.Items, shippingMethod)
				order.Pricing = pricing
				return err
			}, nil)

	if order.Payment.Method == models.PaymentMethodRazorpay {
		// The gateway cannot authorize a zero amount, so such an order
		// could never be paid.
		saga.Step("check-gateway-amount",
			func(ctx context.Context) error {
				if order.Pricing.Total <= 0 {
					return apperr.Validation("orders with nothing to pay cannot use the payment gateway").
						WithDetails(map[string]any{"total": order.Pricing.Total})
				}
				return nil
			}, nil)
	}

	if order.Payment.Method == models.PaymentMethodDeposit {
		saga.Step("check-balance",
			func(ctx context.Context) error {
				return s.checkBalance(ctx, order)
			}, nil).
			Step("settle-deposit",
				func(ctx context.Context) error {
					return s.settleFromDeposit(ctx, p, order)
				}, nil)
	} else {
		saga.Step("persist-order",
			func(ctx context.Context) error {
				note := "Order placed, awaiting payment"
				if order.Payment.Method == models.PaymentMethodCOD {
					note = "Order placed, cash on delivery"
				}
				order.Status = models.OrderStatusPendingPayment
				order.StatusHistory = []models.StatusHistoryEntry{{
					Status:    models.OrderStatusPendingPayment,
					Timestamp: now,
					Note:      note,
					Actor:     p.actor(),
				}}
				return s.repo.CreateOrder(ctx, order)
			}, nil)
	}

	if err := saga.Execute(ctx); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *OrderService) checkBalance(ctx context.Context, order *models.Order) error {
	wallet, err := s.repo.GetWallet(ctx, order.UserID, 1)
	if err != nil {
		return err
	}
	if wallet.Balance < order.Pricing.Total {
		return apperr.InsufficientBalance(wallet.Balance, order.Pricing.Total)
	}
	return nil
}

// settleFromDeposit debits the wallet, commits every line and stores the
// confirmed order in one transaction.
func (s *OrderService) settleFromDeposit(ctx context.Context, p Principal, order *models.Order) error {
	return s.repo.RunInTx(ctx, func(tx store.Repository) error {
		paidAt := s.now()
		if order.Pricing.Total > 0 {
			debit, err := tx.DeductFromDeposit(ctx, order.UserID, order.Pricing.Total,
				"Payment for order "+order.OrderNumber, order.ID)
			if err != nil {
				return err
			}
			order.Payment.TransactionID = debit.ID
		}
		for _, item := range order.Items {
			if _, err := tx.ReduceStock(ctx, item.CatalogItemID, item.Quantity); err != nil {
				return err
			}
		}

		order.Status = models.OrderStatusConfirmed
		order.InventoryState = models.InventoryCommitted
		order.Payment.Status = models.PaymentStatusCompleted
		order.Payment.PaidAt = &paidAt
		order.StatusHistory = []models.StatusHistoryEntry{{
			Status:    models.OrderStatusConfirmed,
			Timestamp: paidAt,
			Note:      "Paid from deposit account",
			Actor:     p.actor(),
		}}
		return tx.CreateOrder(ctx, order)
	})
}

func (s *OrderService) lockIdempotencyKey(ctx context.Context, userID, key string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}

	lockKey := fmt.Sprintf("order-idempotency:%s:%s", userID, key)
	token, ok, err := s.locker.AcquireLock(ctx, lockKey, s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to lock idempotency key: %w", err)
	}
	if !ok {
		return nil, apperr.New(apperr.CodeConflict, "a request with this Idempotency-Key is already being processed")
	}
	return func() {
		if err := s.locker.ReleaseLock(context.WithoutCancel(ctx), lockKey, token); err != nil {
			s.logger.Warn("Failed to release idempotency lock", zap.String("key", lockKey), zap.Error(err))
		}
	}, nil
}

// GetOrder returns an order visible to p
func (s *OrderService) GetOrder(ctx context.Context, p Principal, orderID string) (*models.Order, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := authorizeOrder(p, order); err != nil {
		return nil, err
	}
	return order, nil
}

// ListMyOrders returns the caller's orders, newest first
func (s *OrderService) ListMyOrders(ctx context.Context, p Principal) ([]*models.Order, error) {
	return s.repo.ListOrdersByUser(ctx, p.UserID)
}

// CancelOrder cancels an order that has not shipped yet
func (s *OrderService) CancelOrder(ctx context.Context, p Principal, orderID, reason string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder")
	defer span.End()

	order, err := s.GetOrder(ctx, p, orderID)
	if err != nil {
		return nil, err
	}
	return s.cancel(ctx, order, p.actor(), reason)
}

// cancel moves order to cancelled. The status guard is re-checked inside the
// atomic update, so a concurrent "shipped" wins or loses cleanly. Held stock
// is released; a completed wallet payment is credited back in the same
// transaction, a gateway payment is refunded through the gateway afterwards.
func (s *OrderService) cancel(ctx context.Context, order *models.Order, actor, reason string) (*models.Order, error) {
	rule, err := Next(order.Status, EventCancel)
	if err != nil || !order.CanBeCancelled() {
		return nil, apperr.InvalidOrderState(
			fmt.Sprintf("order %s is %s and can no longer be cancelled", order.OrderNumber, order.Status)).
			WithDetails(map[string]any{"status": order.Status})
	}

	refundStatus := models.RefundNotApplicable
	var refundAmount int64
	if rule.Has(EffectRefundPayment) &&
		order.Payment.Status == models.PaymentStatusCompleted &&
		order.Payment.Method != models.PaymentMethodCOD {
		refundStatus = models.RefundPending
		refundAmount = order.Pricing.Total
	}

	now := s.now()
	note := "Order cancelled"
	if reason != "" {
		note = "Order cancelled: " + reason
	}

	var updated *models.Order
	err = s.repo.RunInTx(ctx, func(tx store.Repository) error {
		cancelled, err := tx.ApplyTransition(ctx, store.OrderTransition{
			OrderID:     order.ID,
			From:        SourcesOf(EventCancel),
			PaymentFrom: []models.PaymentStatus{order.Payment.Status},
			To:          rule.To,
			Cancellation: &models.Cancellation{
				Reason:       reason,
				RequestedBy:  actor,
				RequestedAt:  now,
				RefundAmount: refundAmount,
				RefundStatus: refundStatus,
			},
			History: models.StatusHistoryEntry{Timestamp: now, Note: note, Actor: actor},
		})
		if err != nil {
			return err
		}

		if rule.Has(EffectReleaseStock) {
			if _, err := s.compensator.ReleaseOrder(ctx, tx, cancelled); err != nil {
				return err
			}
		}

		if refundStatus == models.RefundPending && order.Payment.Method == models.PaymentMethodDeposit {
			won, err := tx.ClaimCancellationRefund(ctx, order.ID, models.RefundProcessed, models.PaymentStatusRefunded, "")
			if err != nil {
				return err
			}
			if won {
				if _, err := tx.AddToDeposit(ctx, order.UserID, refundAmount,
					"Refund for cancelled order "+order.OrderNumber, order.ID); err != nil {
					return err
				}
			}
		}

		updated, err = tx.GetOrder(ctx, order.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	util.OrderTransitionsTotal.WithLabelValues(string(rule.To)).Inc()
	s.logger.Info("Order cancelled",
		zap.String("order_id", order.ID),
		zap.String("actor", actor),
		zap.String("refund_status", string(refundStatus)))
	s.events.statusChanged(ctx, updated, order.Status)

	if refundStatus == models.RefundPending && order.Payment.Method == models.PaymentMethodRazorpay {
		updated = s.refundCancelledGatewayOrder(ctx, updated)
	}
	if updated.Cancellation != nil && updated.Cancellation.RefundStatus == models.RefundProcessed {
		s.events.refunded(ctx, updated, refundAmount, updated.Payment.RefundID)
	}
	return updated, nil
}

// refundCancelledGatewayOrder returns the gateway payment of a cancelled
// order. A gateway failure leaves the cancellation in place with its refund
// marked failed.
func (s *OrderService) refundCancelledGatewayOrder(ctx context.Context, order *models.Order) *models.Order {
	refund, err := s.gateway.Refund(ctx, order.Payment.GatewayPaymentID, order.Cancellation.RefundAmount,
		map[string]string{"order_id": order.ID, "order_number": order.OrderNumber})

	to, paymentStatus, refundID := models.RefundProcessed, models.PaymentStatusRefunded, ""
	if err != nil {
		s.logger.Error("Gateway refund of cancelled order failed",
			zap.String("order_id", order.ID),
			zap.Error(err))
		to, paymentStatus = models.RefundFailed, ""
	} else {
		refundID = refund.ID
	}

	if _, claimErr := s.repo.ClaimCancellationRefund(ctx, order.ID, to, paymentStatus, refundID); claimErr != nil {
		s.logger.Error("Failed to record cancellation refund",
			zap.String("order_id", order.ID),
			zap.Error(claimErr))
	}

	refreshed, err := s.repo.GetOrder(ctx, order.ID)
	if err != nil {
		s.logger.Error("Failed to reload cancelled order", zap.String("order_id", order.ID), zap.Error(err))
		return order
	}
	return refreshed
}

// UpdateStatus applies an admin-initiated transition
func (s *OrderService) UpdateStatus(ctx context.Context, p Principal, orderID string, req UpdateStatusRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.UpdateStatus")
	defer span.End()

	if err := requireAdmin(p); err != nil {
		return nil, err
	}
	event, err := EventForStatus(req.Status)
	if err != nil {
		return nil, err
	}
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	switch event {
	case EventCancel:
		return s.cancel(ctx, order, p.actor(), req.Note)
	case EventRefund:
		return s.refundDelivered(ctx, order, p.actor(), req.Note)
	case EventConfirmCOD:
		return s.confirmCOD(ctx, order, p.actor(), req.Note)
	}

	rule, err := Next(order.Status, event)
	if err != nil {
		return nil, err
	}

	now := s.now()
	t := store.OrderTransition{
		OrderID: order.ID,
		From:    SourcesOf(event),
		To:      rule.To,
		History: models.StatusHistoryEntry{Timestamp: now, Note: req.Note, Actor: p.actor()},
	}
	if rule.Has(EffectRequireTracking) {
		if strings.TrimSpace(req.TrackingNumber) == "" {
			return nil, apperr.Validation("a tracking number is required to mark an order shipped")
		}
		t.TrackingNumber = strings.TrimSpace(req.TrackingNumber)
	}
	codCollected := false
	if rule.Has(EffectStampDelivery) {
		t.ActualDelivery = &now
		if rule.Has(EffectCompletePayment) &&
			order.Payment.Method == models.PaymentMethodCOD &&
			order.Payment.Status == models.PaymentStatusPending {
			t.PaymentFrom = []models.PaymentStatus{models.PaymentStatusPending}
			t.Payment = &store.PaymentUpdate{
				Status:        models.PaymentStatusCompleted,
				PaidAt:        &now,
				TransactionID: "COD-" + order.OrderNumber,
			}
			codCollected = true
		}
	}

	updated, err := s.repo.ApplyTransition(ctx, t)
	if err != nil {
		return nil, err
	}

	util.OrderTransitionsTotal.WithLabelValues(string(rule.To)).Inc()
	s.logger.Info("Order status updated",
		zap.String("order_id", order.ID),
		zap.String("from", string(order.Status)),
		zap.String("to", string(rule.To)))
	s.events.statusChanged(ctx, updated, order.Status)
	if codCollected {
		util.PaymentsTotal.WithLabelValues(string(models.PaymentMethodCOD), "completed").Inc()
		s.events.paymentCompleted(ctx, updated)
	}
	return updated, nil
}

// confirmCOD accepts a cash-on-delivery order and commits its stock
func (s *OrderService) confirmCOD(ctx context.Context, order *models.Order, actor, note string) (*models.Order, error) {
	if order.Payment.Method != models.PaymentMethodCOD {
		return nil, apperr.InvalidOrderState("only cash-on-delivery orders are confirmed manually; gateway orders confirm on payment")
	}
	rule, err := Next(order.Status, EventConfirmCOD)
	if err != nil {
		return nil, err
	}
	if note == "" {
		note = "Cash on delivery order confirmed"
	}

	var updated *models.Order
	err = s.repo.RunInTx(ctx, func(tx store.Repository) error {
		confirmed, err := tx.ApplyTransition(ctx, store.OrderTransition{
			OrderID:     order.ID,
			From:        SourcesOf(EventConfirmCOD),
			PaymentFrom: []models.PaymentStatus{models.PaymentStatusPending},
			To:          rule.To,
			History:     models.StatusHistoryEntry{Timestamp: s.now(), Note: note, Actor: actor},
		})
		if err != nil {
			return err
		}
		if rule.Has(EffectCommitStock) {
			if err := s.inventory.Commit(ctx, tx, confirmed); err != nil {
				return err
			}
		}
		updated, err = tx.GetOrder(ctx, order.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	util.OrderTransitionsTotal.WithLabelValues(string(rule.To)).Inc()
	s.events.statusChanged(ctx, updated, order.Status)
	return updated, nil
}

// refundDelivered returns the money of a delivered, paid order
func (s *OrderService) refundDelivered(ctx context.Context, order *models.Order, actor, note string) (*models.Order, error) {
	rule, err := Next(order.Status, EventRefund)
	if err != nil {
		return nil, err
	}
	if order.Payment.Status != models.PaymentStatusCompleted {
		return nil, apperr.InvalidOrderState(
			fmt.Sprintf("order %s has payment %s and cannot be refunded", order.OrderNumber, order.Payment.Status)).
			WithDetails(map[string]any{"payment_status": order.Payment.Status})
	}
	if note == "" {
		note = "Order refunded"
	}

	t := store.OrderTransition{
		OrderID:     order.ID,
		From:        SourcesOf(EventRefund),
		PaymentFrom: []models.PaymentStatus{models.PaymentStatusCompleted},
		To:          rule.To,
		Payment:     &store.PaymentUpdate{Status: models.PaymentStatusRefunded},
		History:     models.StatusHistoryEntry{Timestamp: s.now(), Note: note, Actor: actor},
	}
	amount := order.Pricing.Total

	var updated *models.Order
	switch order.Payment.Method {
	case models.PaymentMethodDeposit:
		err = s.repo.RunInTx(ctx, func(tx store.Repository) error {
			refunded, err := tx.ApplyTransition(ctx, t)
			if err != nil {
				return err
			}
			if amount > 0 {
				if _, err := tx.AddToDeposit(ctx, order.UserID, amount,
					"Refund for order "+order.OrderNumber, order.ID); err != nil {
					return err
				}
			}
			updated = refunded
			return nil
		})
	case models.PaymentMethodRazorpay:
		var refund *gateway.Refund
		refund, err = s.gateway.Refund(ctx, order.Payment.GatewayPaymentID, amount,
			map[string]string{"order_id": order.ID, "order_number": order.OrderNumber})
		if err != nil {
			return nil, err
		}
		t.Payment.RefundID = refund.ID
		updated, err = s.repo.ApplyTransition(ctx, t)
		if err != nil {
			s.logger.Error("Gateway refund issued but order not marked refunded",
				zap.String("order_id", order.ID),
				zap.String("refund_id", refund.ID),
				zap.Error(err))
		}
	default:
		updated, err = s.repo.ApplyTransition(ctx, t)
	}
	if err != nil {
		return nil, err
	}

	util.OrderTransitionsTotal.WithLabelValues(string(rule.To)).Inc()
	util.PaymentsTotal.WithLabelValues(string(order.Payment.Method), "refunded").Inc()
	s.logger.Info("Order refunded",
		zap.String("order_id", order.ID),
		zap.Int64("amount", amount))
	s.events.statusChanged(ctx, updated, order.Status)
	s.events.refunded(ctx, updated, amount, updated.Payment.RefundID)
	return updated, nil
}

// newOrderNumber returns ORD-YYYYMMDD-XXXXXXXX
func newOrderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
	return fmt.Sprintf("ORD-%s-%s", now.Format("20060102"), suffix)
}
