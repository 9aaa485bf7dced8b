package service

import (
	"context"
	"fmt"
	"time"

	"stamp-order-service/internal/apperr"
	"stamp-order-service/internal/gateway"
	"stamp-order-service/internal/models"
	"stamp-order-service/internal/store"
	"stamp-order-service/internal/util"

	"go.uber.org/zap"
)

// WebhookActor is recorded in status history for webhook-driven transitions.
const WebhookActor = "gateway-webhook"

// SettlementConfig tunes the gateway payment path
type SettlementConfig struct {
	Currency         string
	AuthorizationTTL time.Duration
	WebhookDedupeTTL time.Duration
	SweepBatchSize   int
}

// SettlementService runs the two-phase gateway payment path: create the
// external order, then confirm it through checkout verification or the
// webhook, whichever arrives first.
type SettlementService struct {
	repo        store.Repository
	inventory   *InventoryService
	compensator *Compensator
	gateway     PaymentGateway
	deduper     EventDeduper
	events      notifier
	cfg         SettlementConfig
	now         func() time.Time
	logger      *zap.Logger
}

// NewSettlementService creates a new settlement service
func NewSettlementService(
	repo store.Repository,
	inventory *InventoryService,
	compensator *Compensator,
	gw PaymentGateway,
	deduper EventDeduper,
	publisher EventPublisher,
	cfg SettlementConfig,
) *SettlementService {
	if cfg.Currency == "" {
		cfg.Currency = "INR"
	}
	if cfg.WebhookDedupeTTL <= 0 {
		cfg.WebhookDedupeTTL = 24 * time.Hour
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 100
	}
	logger := util.ComponentLogger("settlement")
	return &SettlementService{
		repo:        repo,
		inventory:   inventory,
		compensator: compensator,
		gateway:     gw,
		deduper:     deduper,
		events:      notifier{publisher: publisher, logger: logger},
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger,
	}
}

// SetClock replaces the time source
func (s *SettlementService) SetClock(now func() time.Time) {
	s.now = now
}

// GatewayOrderCredentials is what the checkout widget needs to collect payment
type GatewayOrderCredentials struct {
	KeyID          string `json:"keyId"`
	OrderID        string `json:"orderId"`
	OrderNumber    string `json:"orderNumber"`
	GatewayOrderID string `json:"externalOrderId"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
}

// VerifyPaymentRequest carries the checkout callback fields
type VerifyPaymentRequest struct {
	OrderID        string `json:"orderId" validate:"required"`
	GatewayOrderID string `json:"externalOrderId" validate:"required"`
	PaymentID      string `json:"paymentId" validate:"required"`
	Signature      string `json:"signature" validate:"required"`
}

// PaymentFailedRequest reports a failed checkout attempt
type PaymentFailedRequest struct {
	OrderID string `json:"orderId" validate:"required"`
	Reason  string `json:"reason" validate:"max=500"`
}

// PaymentStatusView is the payment side of an order
type PaymentStatusView struct {
	OrderID     string             `json:"orderId"`
	OrderNumber string             `json:"orderNumber"`
	OrderStatus models.OrderStatus `json:"orderStatus"`
	Amount      int64              `json:"amount"`
	Payment     models.Payment     `json:"payment"`
}

// CreateGatewayOrder opens the external authorization for a gateway order.
// It does not touch stock or the order status. Calling it again returns the
// gateway order created the first time.
func (s *SettlementService) CreateGatewayOrder(ctx context.Context, p Principal, orderID string) (*GatewayOrderCredentials, error) {
	ctx, span := util.StartSpan(ctx, "SettlementService.CreateGatewayOrder")
	defer span.End()

	order, err := s.gatewayOrder(ctx, p, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusPendingPayment || order.Payment.Status != models.PaymentStatusPending {
		return nil, apperr.InvalidOrderState(
			fmt.Sprintf("order %s is %s and is not awaiting payment", order.OrderNumber, order.Status)).
			WithDetails(map[string]any{"status": order.Status, "payment_status": order.Payment.Status})
	}
	if order.Payment.GatewayOrderID != "" {
		return s.credentials(order), nil
	}

	gwOrder, err := s.gateway.CreateOrder(ctx, gateway.CreateOrderRequest{
		Amount:   order.Pricing.Total,
		Currency: s.cfg.Currency,
		Receipt:  order.OrderNumber,
		Notes:    map[string]string{"order_id": order.ID},
	})
	if err != nil {
		return nil, err
	}

	updated, err := s.repo.SetGatewayOrderID(ctx, order.ID, gwOrder.ID)
	if err != nil {
		// A concurrent call may have attached its gateway order first.
		current, getErr := s.repo.GetOrder(ctx, order.ID)
		if getErr == nil && current.Payment.GatewayOrderID != "" {
			return s.credentials(current), nil
		}
		return nil, err
	}

	s.logger.Info("Gateway order attached",
		zap.String("order_id", order.ID),
		zap.String("gateway_order_id", gwOrder.ID))
	return s.credentials(updated), nil
}

func (s *SettlementService) credentials(order *models.Order) *GatewayOrderCredentials {
	return &GatewayOrderCredentials{
		KeyID:          s.gateway.KeyID(),
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		GatewayOrderID: order.Payment.GatewayOrderID,
		Amount:         order.Pricing.Total,
		Currency:       s.cfg.Currency,
	}
}

// VerifyGatewayPayment checks the checkout signature and settles the order.
// A tampered signature fails the payment but keeps the stock held; giving
// it back is the job of PaymentFailed or the expiry sweep.
func (s *SettlementService) VerifyGatewayPayment(ctx context.Context, p Principal, req VerifyPaymentRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "SettlementService.VerifyGatewayPayment")
	defer span.End()

	start := time.Now()
	defer func() {
		util.PaymentProcessingLatency.WithLabelValues("verify").Observe(time.Since(start).Seconds())
	}()

	order, err := s.gatewayOrder(ctx, p, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order.Payment.GatewayOrderID == "" || order.Payment.GatewayOrderID != req.GatewayOrderID {
		return nil, apperr.Validation("external order id does not belong to this order")
	}

	if !s.gateway.VerifyPaymentSignature(req.GatewayOrderID, req.PaymentID, req.Signature) {
		s.rejectSignature(ctx, order, p.actor())
		return nil, apperr.New(apperr.CodeInvalidSignature, "payment signature verification failed")
	}

	updated, _, err := s.confirmPayment(ctx, order, req.PaymentID, req.Signature, p.actor(), "Payment verified")
	return updated, err
}

// confirmPayment settles a gateway order. The status update is a
// compare-and-set from pending, so of the verify call and the webhook only
// one performs the stock commit; the other sees the settled order and
// reports settled=false.
func (s *SettlementService) confirmPayment(ctx context.Context, order *models.Order, paymentID, signature, actor, note string) (*models.Order, bool, error) {
	if order.Payment.Status == models.PaymentStatusCompleted {
		return s.alreadySettled(order, paymentID)
	}
	rule, err := Next(order.Status, EventPaymentVerified)
	if err != nil {
		return nil, false, err
	}

	now := s.now()
	var updated *models.Order
	err = s.repo.RunInTx(ctx, func(tx store.Repository) error {
		confirmed, err := tx.ApplyTransition(ctx, store.OrderTransition{
			OrderID:     order.ID,
			From:        SourcesOf(EventPaymentVerified),
			PaymentFrom: []models.PaymentStatus{models.PaymentStatusPending},
			To:          rule.To,
			Payment: &store.PaymentUpdate{
				Status:           models.PaymentStatusCompleted,
				PaidAt:           &now,
				TransactionID:    paymentID,
				GatewayPaymentID: paymentID,
				GatewaySignature: signature,
			},
			History: models.StatusHistoryEntry{Timestamp: now, Note: note, Actor: actor},
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
		if apperr.Is(err, apperr.CodeInvalidOrderState) {
			if current, getErr := s.repo.GetOrder(ctx, order.ID); getErr == nil &&
				current.Payment.Status == models.PaymentStatusCompleted {
				return s.alreadySettled(current, paymentID)
			}
		}
		util.PaymentsTotal.WithLabelValues(string(order.Payment.Method), "error").Inc()
		return nil, false, err
	}

	util.PaymentsTotal.WithLabelValues(string(order.Payment.Method), "completed").Inc()
	util.OrderTransitionsTotal.WithLabelValues(string(rule.To)).Inc()
	s.logger.Info("Gateway payment settled",
		zap.String("order_id", order.ID),
		zap.String("payment_id", paymentID),
		zap.String("actor", actor))
	s.events.statusChanged(ctx, updated, order.Status)
	s.events.paymentCompleted(ctx, updated)
	return updated, true, nil
}

func (s *SettlementService) alreadySettled(order *models.Order, paymentID string) (*models.Order, bool, error) {
	if order.Payment.GatewayPaymentID != paymentID {
		s.logger.Error("Second payment captured for a settled order",
			zap.String("order_id", order.ID),
			zap.String("settled_payment_id", order.Payment.GatewayPaymentID),
			zap.String("payment_id", paymentID))
		return nil, false, apperr.InvalidOrderState(
			fmt.Sprintf("order %s was already paid by another payment", order.OrderNumber))
	}
	return order, false, nil
}

func (s *SettlementService) rejectSignature(ctx context.Context, order *models.Order, actor string) {
	rule, err := Next(order.Status, EventSignatureRejected)
	if err != nil {
		return
	}
	const reason = "payment signature verification failed"
	updated, err := s.repo.ApplyTransition(ctx, store.OrderTransition{
		OrderID:     order.ID,
		From:        SourcesOf(EventSignatureRejected),
		PaymentFrom: []models.PaymentStatus{models.PaymentStatusPending},
		To:          rule.To,
		Payment:     &store.PaymentUpdate{Status: models.PaymentStatusFailed, FailureReason: reason},
		History:     models.StatusHistoryEntry{Timestamp: s.now(), Note: "Payment signature verification failed", Actor: actor},
	})
	if err != nil {
		s.logger.Warn("Could not mark payment failed after bad signature",
			zap.String("order_id", order.ID),
			zap.Error(err))
		return
	}

	util.PaymentsTotal.WithLabelValues(string(order.Payment.Method), "invalid_signature").Inc()
	util.OrderTransitionsTotal.WithLabelValues(string(rule.To)).Inc()
	s.logger.Warn("Payment signature rejected", zap.String("order_id", order.ID))
	s.events.statusChanged(ctx, updated, order.Status)
	s.events.paymentFailed(ctx, updated, reason)
}

// PaymentFailed records a failed checkout and releases the held stock
func (s *SettlementService) PaymentFailed(ctx context.Context, p Principal, req PaymentFailedRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "SettlementService.PaymentFailed")
	defer span.End()

	order, err := s.gatewayOrder(ctx, p, req.OrderID)
	if err != nil {
		return nil, err
	}
	return s.failPayment(ctx, order, req.Reason, p.actor())
}

func (s *SettlementService) failPayment(ctx context.Context, order *models.Order, reason, actor string) (*models.Order, error) {
	rule, err := Next(order.Status, EventPaymentFailed)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "payment failed"
	}

	var updated *models.Order
	err = s.repo.RunInTx(ctx, func(tx store.Repository) error {
		current := order
		if rule.To != order.Status {
			failed, err := tx.ApplyTransition(ctx, store.OrderTransition{
				OrderID:     order.ID,
				From:        []models.OrderStatus{models.OrderStatusPendingPayment},
				PaymentFrom: []models.PaymentStatus{models.PaymentStatusPending},
				To:          rule.To,
				Payment:     &store.PaymentUpdate{Status: models.PaymentStatusFailed, FailureReason: reason},
				History:     models.StatusHistoryEntry{Timestamp: s.now(), Note: "Payment failed: " + reason, Actor: actor},
			})
			if err != nil {
				return err
			}
			current = failed
		}
		if rule.Has(EffectReleaseStock) {
			if _, err := s.compensator.ReleaseOrder(ctx, tx, current); err != nil {
				return err
			}
		}
		var err error
		updated, err = tx.GetOrder(ctx, order.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if rule.To != order.Status {
		util.PaymentsTotal.WithLabelValues(string(order.Payment.Method), "failed").Inc()
		util.OrderTransitionsTotal.WithLabelValues(string(rule.To)).Inc()
		s.events.statusChanged(ctx, updated, order.Status)
		s.events.paymentFailed(ctx, updated, reason)
	}
	s.logger.Info("Gateway payment failed",
		zap.String("order_id", order.ID),
		zap.String("reason", reason),
		zap.String("inventory_state", string(updated.InventoryState)))
	return updated, nil
}

// HandleWebhook processes a signed gateway notification. Deliveries are
// de-duplicated by event id, and every handler is idempotent on its own, so
// a webhook arriving after checkout verification changes nothing.
func (s *SettlementService) HandleWebhook(ctx context.Context, body []byte, signature, eventID string) error {
	ctx, span := util.StartSpan(ctx, "SettlementService.HandleWebhook")
	defer span.End()

	if !s.gateway.VerifyWebhookSignature(body, signature) {
		util.WebhookEventsTotal.WithLabelValues("unknown", "invalid_signature").Inc()
		return apperr.New(apperr.CodeInvalidSignature, "webhook signature verification failed")
	}

	event, err := gateway.ParseWebhook(body)
	if err != nil {
		util.WebhookEventsTotal.WithLabelValues("unknown", "malformed").Inc()
		return apperr.Wrap(apperr.CodeValidation, err, "malformed webhook payload")
	}
	if eventID == "" {
		eventID = event.Event + ":" + event.GatewayOrderID()
		if payment := event.Payment(); payment != nil {
			eventID += ":" + payment.ID
		}
	}

	if s.deduper != nil {
		first, err := s.deduper.MarkEventSeen(ctx, eventID, s.cfg.WebhookDedupeTTL)
		if err != nil {
			s.logger.Warn("Webhook de-duplication unavailable", zap.String("event_id", eventID), zap.Error(err))
		} else if !first {
			util.WebhookEventsTotal.WithLabelValues(event.Event, "duplicate").Inc()
			s.logger.Info("Duplicate webhook ignored", zap.String("event_id", eventID))
			return nil
		}
	}

	if err := s.dispatchWebhook(ctx, event); err != nil {
		util.WebhookEventsTotal.WithLabelValues(event.Event, "error").Inc()
		if s.deduper != nil {
			// let the gateway's retry through
			if ferr := s.deduper.ForgetEvent(context.WithoutCancel(ctx), eventID); ferr != nil {
				s.logger.Warn("Failed to forget webhook event", zap.String("event_id", eventID), zap.Error(ferr))
			}
		}
		return err
	}
	util.WebhookEventsTotal.WithLabelValues(event.Event, "processed").Inc()
	return nil
}

func (s *SettlementService) dispatchWebhook(ctx context.Context, event *gateway.WebhookEvent) error {
	switch event.Event {
	case gateway.WebhookPaymentCaptured, gateway.WebhookOrderPaid, gateway.WebhookPaymentFailed:
	default:
		s.logger.Debug("Ignoring webhook event", zap.String("event", event.Event))
		return nil
	}

	gatewayOrderID := event.GatewayOrderID()
	payment := event.Payment()
	if gatewayOrderID == "" || payment == nil {
		s.logger.Warn("Webhook without payment or order", zap.String("event", event.Event))
		return nil
	}

	order, err := s.repo.GetOrderByGatewayOrderID(ctx, gatewayOrderID)
	if apperr.Is(err, apperr.CodeNotFound) {
		s.logger.Warn("Webhook for unknown gateway order", zap.String("gateway_order_id", gatewayOrderID))
		return nil
	}
	if err != nil {
		return err
	}

	if event.Event == gateway.WebhookPaymentFailed {
		if order.Payment.Status == models.PaymentStatusCompleted {
			return nil
		}
		reason := payment.ErrorDescription
		if reason == "" {
			reason = payment.ErrorCode
		}
		_, err := s.failPayment(ctx, order, reason, WebhookActor)
		if apperr.Is(err, apperr.CodeInvalidOrderState) {
			return nil
		}
		return err
	}

	if order.Payment.Status == models.PaymentStatusCompleted || order.Status == models.OrderStatusPendingPayment {
		_, _, err = s.confirmPayment(ctx, order, payment.ID, "", WebhookActor, "Payment captured")
		if !apperr.Is(err, apperr.CodeInvalidOrderState) {
			return err
		}
		// The order may have closed between the read and the settlement.
		current, getErr := s.repo.GetOrder(ctx, order.ID)
		if getErr != nil || current.Payment.Status == models.PaymentStatusCompleted {
			return err
		}
		order = current
	}
	return s.refundLateCapture(ctx, order, payment)
}

// refundLateCapture returns money captured for an order that closed without
// being paid. The payment status moves to refunded before the gateway call,
// so concurrent deliveries of the same capture refund it once.
func (s *SettlementService) refundLateCapture(ctx context.Context, order *models.Order, payment *gateway.PaymentEntity) error {
	if order.Status != models.OrderStatusCancelled && order.Status != models.OrderStatusPaymentFailed {
		s.logger.Error("Payment captured for an order that is no longer awaiting payment",
			zap.String("order_id", order.ID),
			zap.String("status", string(order.Status)),
			zap.String("payment_id", payment.ID))
		return nil
	}

	claimed, err := s.repo.ApplyTransition(ctx, store.OrderTransition{
		OrderID:     order.ID,
		From:        []models.OrderStatus{order.Status},
		PaymentFrom: []models.PaymentStatus{models.PaymentStatusPending, models.PaymentStatusFailed},
		To:          order.Status,
		Payment: &store.PaymentUpdate{
			Status:           models.PaymentStatusRefunded,
			GatewayPaymentID: payment.ID,
		},
		History: models.StatusHistoryEntry{
			Timestamp: s.now(),
			Note:      fmt.Sprintf("Payment %s captured after the order closed, refunding", payment.ID),
			Actor:     WebhookActor,
		},
	})
	if apperr.Is(err, apperr.CodeInvalidOrderState) {
		s.logger.Info("Late capture already handled",
			zap.String("order_id", order.ID),
			zap.String("payment_id", payment.ID))
		return nil
	}
	if err != nil {
		return err
	}

	amount := payment.Amount
	if amount <= 0 {
		amount = order.Pricing.Total
	}
	refund, err := s.gateway.Refund(ctx, payment.ID, amount, map[string]string{
		"order_id": order.ID,
		"reason":   "late_capture",
	})
	if err != nil {
		s.releaseLateCaptureClaim(ctx, claimed, payment.ID, err)
		util.PaymentsTotal.WithLabelValues(string(order.Payment.Method), "late_capture_refund_failed").Inc()
		if apperr.As(err) == nil {
			err = apperr.Wrap(apperr.CodeGateway, err, "refund of late capture failed")
		}
		return err
	}

	updated, err := s.repo.ApplyTransition(ctx, store.OrderTransition{
		OrderID:     order.ID,
		From:        []models.OrderStatus{order.Status},
		PaymentFrom: []models.PaymentStatus{models.PaymentStatusRefunded},
		To:          order.Status,
		Payment:     &store.PaymentUpdate{RefundID: refund.ID},
		History: models.StatusHistoryEntry{
			Timestamp: s.now(),
			Note:      fmt.Sprintf("Refund %s issued for late payment %s", refund.ID, payment.ID),
			Actor:     WebhookActor,
		},
	})
	if err != nil {
		// The money is back with the customer; only the record is missing.
		s.logger.Error("Failed to record late capture refund",
			zap.String("order_id", order.ID),
			zap.String("payment_id", payment.ID),
			zap.String("refund_id", refund.ID),
			zap.Error(err))
		updated = claimed
	}

	util.PaymentsTotal.WithLabelValues(string(order.Payment.Method), "late_capture_refunded").Inc()
	s.logger.Warn("Refunded payment captured after the order closed",
		zap.String("order_id", order.ID),
		zap.String("payment_id", payment.ID),
		zap.String("refund_id", refund.ID),
		zap.Int64("amount", amount))
	s.events.refunded(ctx, updated, amount, refund.ID)
	return nil
}

// releaseLateCaptureClaim puts the payment back to failed so a redelivered
// webhook can retry the refund.
func (s *SettlementService) releaseLateCaptureClaim(ctx context.Context, order *models.Order, paymentID string, cause error) {
	_, err := s.repo.ApplyTransition(context.WithoutCancel(ctx), store.OrderTransition{
		OrderID:     order.ID,
		From:        []models.OrderStatus{order.Status},
		PaymentFrom: []models.PaymentStatus{models.PaymentStatusRefunded},
		To:          order.Status,
		Payment: &store.PaymentUpdate{
			Status:        models.PaymentStatusFailed,
			FailureReason: "refund of late capture failed: " + cause.Error(),
		},
		History: models.StatusHistoryEntry{
			Timestamp: s.now(),
			Note:      fmt.Sprintf("Refund of late payment %s failed", paymentID),
			Actor:     WebhookActor,
		},
	})
	if err != nil {
		s.logger.Error("Failed to reopen late capture for retry",
			zap.String("order_id", order.ID),
			zap.String("payment_id", paymentID),
			zap.Error(err))
	}
}

// GetPaymentStatus returns the payment state of an order visible to p
func (s *SettlementService) GetPaymentStatus(ctx context.Context, p Principal, orderID string) (*PaymentStatusView, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := authorizeOrder(p, order); err != nil {
		return nil, err
	}
	return &PaymentStatusView{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		OrderStatus: order.Status,
		Amount:      order.Pricing.Total,
		Payment:     order.Payment,
	}, nil
}

// ExpireStaleAuthorizations gives back the stock of gateway orders whose
// payment did not complete within the authorization TTL. Orders still
// awaiting payment are cancelled; failed ones keep their status.
func (s *SettlementService) ExpireStaleAuthorizations(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "SettlementService.ExpireStaleAuthorizations")
	defer span.End()

	if s.cfg.AuthorizationTTL <= 0 {
		return 0, nil
	}

	cutoff := s.now().Add(-s.cfg.AuthorizationTTL)
	orders, err := s.repo.ListStaleGatewayOrders(ctx, cutoff, s.cfg.SweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale gateway orders: %w", err)
	}

	expired := 0
	for _, order := range orders {
		released, err := s.expire(ctx, order)
		if err != nil {
			s.logger.Error("Failed to expire payment authorization",
				zap.String("order_id", order.ID),
				zap.Error(err))
			continue
		}
		if released {
			expired++
			util.ExpiredAuthorizationsTotal.Inc()
		}
	}
	return expired, nil
}

func (s *SettlementService) expire(ctx context.Context, order *models.Order) (bool, error) {
	rule, err := Next(order.Status, EventExpire)
	if err != nil {
		return false, err
	}

	const reason = "payment authorization expired"
	now := s.now()
	released := false
	var updated *models.Order
	err = s.repo.RunInTx(ctx, func(tx store.Repository) error {
		current := order
		if rule.To != order.Status {
			cancelled, err := tx.ApplyTransition(ctx, store.OrderTransition{
				OrderID:     order.ID,
				From:        []models.OrderStatus{models.OrderStatusPendingPayment},
				PaymentFrom: []models.PaymentStatus{models.PaymentStatusPending},
				To:          rule.To,
				Payment:     &store.PaymentUpdate{Status: models.PaymentStatusFailed, FailureReason: reason},
				Cancellation: &models.Cancellation{
					Reason:       reason,
					RequestedBy:  SystemActor,
					RequestedAt:  now,
					RefundStatus: models.RefundNotApplicable,
				},
				History: models.StatusHistoryEntry{Timestamp: now, Note: "Payment authorization expired", Actor: SystemActor},
			})
			if err != nil {
				return err
			}
			current = cancelled
		}
		var err error
		if rule.Has(EffectReleaseStock) {
			released, err = s.compensator.ReleaseOrder(ctx, tx, current)
			if err != nil {
				return err
			}
		}
		updated, err = tx.GetOrder(ctx, order.ID)
		return err
	})
	if err != nil {
		return false, err
	}

	if rule.To != order.Status {
		util.OrderTransitionsTotal.WithLabelValues(string(rule.To)).Inc()
		s.events.statusChanged(ctx, updated, order.Status)
		s.events.paymentFailed(ctx, updated, reason)
	}
	s.logger.Info("Payment authorization expired",
		zap.String("order_id", order.ID),
		zap.String("status", string(updated.Status)),
		zap.Bool("released", released))
	return released, nil
}

// gatewayOrder loads an order visible to p that pays through the gateway
func (s *SettlementService) gatewayOrder(ctx context.Context, p Principal, orderID string) (*models.Order, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := authorizeOrder(p, order); err != nil {
		return nil, err
	}
	if order.Payment.Method != models.PaymentMethodRazorpay {
		return nil, apperr.InvalidOrderState(
			fmt.Sprintf("order %s is paid by %s, not through the payment gateway", order.OrderNumber, order.Payment.Method))
	}
	return order, nil
}
