package service

import (
	"fmt"
	"sort"

	"stamp-order-service/internal/apperr"
	"stamp-order-service/internal/models"
)

// OrderEvent drives the order state machine
type OrderEvent string

// Order events
const (
	EventPaymentVerified   OrderEvent = "payment_verified"
	EventSignatureRejected OrderEvent = "signature_rejected"
	EventPaymentFailed     OrderEvent = "payment_failed"
	EventConfirmCOD        OrderEvent = "confirm_cod"
	EventStartProcessing   OrderEvent = "start_processing"
	EventShip              OrderEvent = "ship"
	EventDeliver           OrderEvent = "deliver"
	EventCancel            OrderEvent = "cancel"
	EventExpire            OrderEvent = "expire"
	EventRefund            OrderEvent = "refund"
)

// Effect is a side effect a transition may carry. Each one is still guarded
// by its own claim when executed, so re-entering a status never repeats it.
type Effect uint16

// Effects
const (
	EffectCommitStock Effect = 1 << iota
	EffectReleaseStock
	EffectCompletePayment
	EffectFailPayment
	EffectRefundPayment
	EffectRequireTracking
	EffectStampDelivery
)

// Rule is the outcome of an event in a given status.
type Rule struct {
	To      models.OrderStatus
	Effects Effect
}

// Has reports whether the rule carries effect.
func (r Rule) Has(effect Effect) bool {
	return r.Effects&effect != 0
}

var transitionTable = map[models.OrderStatus]map[OrderEvent]Rule{
	models.OrderStatusPendingPayment: {
		EventPaymentVerified:   {To: models.OrderStatusConfirmed, Effects: EffectCommitStock | EffectCompletePayment},
		EventSignatureRejected: {To: models.OrderStatusPaymentFailed, Effects: EffectFailPayment},
		EventPaymentFailed:     {To: models.OrderStatusPaymentFailed, Effects: EffectFailPayment | EffectReleaseStock},
		EventConfirmCOD:        {To: models.OrderStatusConfirmed, Effects: EffectCommitStock},
		EventCancel:            {To: models.OrderStatusCancelled, Effects: EffectReleaseStock | EffectRefundPayment},
		EventExpire:            {To: models.OrderStatusCancelled, Effects: EffectReleaseStock | EffectFailPayment},
	},
	models.OrderStatusPaymentFailed: {
		// A failure callback after a rejected signature only gives the stock back.
		EventPaymentFailed: {To: models.OrderStatusPaymentFailed, Effects: EffectReleaseStock},
		EventExpire:        {To: models.OrderStatusPaymentFailed, Effects: EffectReleaseStock},
	},
	models.OrderStatusConfirmed: {
		EventStartProcessing: {To: models.OrderStatusProcessing},
		EventCancel:          {To: models.OrderStatusCancelled, Effects: EffectReleaseStock | EffectRefundPayment},
	},
	models.OrderStatusProcessing: {
		EventShip:   {To: models.OrderStatusShipped, Effects: EffectRequireTracking},
		EventCancel: {To: models.OrderStatusCancelled, Effects: EffectReleaseStock | EffectRefundPayment},
	},
	models.OrderStatusShipped: {
		EventDeliver: {To: models.OrderStatusDelivered, Effects: EffectStampDelivery | EffectCompletePayment},
	},
	models.OrderStatusDelivered: {
		EventRefund: {To: models.OrderStatusRefunded, Effects: EffectRefundPayment},
	},
}

// adminEvents maps the target status of an admin status update to its event.
var adminEvents = map[models.OrderStatus]OrderEvent{
	models.OrderStatusConfirmed:  EventConfirmCOD,
	models.OrderStatusProcessing: EventStartProcessing,
	models.OrderStatusShipped:    EventShip,
	models.OrderStatusDelivered:  EventDeliver,
	models.OrderStatusCancelled:  EventCancel,
	models.OrderStatusRefunded:   EventRefund,
}

// Next returns the rule for event in status from.
func Next(from models.OrderStatus, event OrderEvent) (Rule, error) {
	if rule, ok := transitionTable[from][event]; ok {
		return rule, nil
	}
	return Rule{}, apperr.InvalidOrderState(fmt.Sprintf("cannot %s an order that is %s", humanEvent(event), from)).
		WithDetails(map[string]any{"status": from})
}

// SourcesOf lists every status in which event is accepted. The result is
// used as the guard of the atomic status update.
func SourcesOf(event OrderEvent) []models.OrderStatus {
	var from []models.OrderStatus
	for status, events := range transitionTable {
		if _, ok := events[event]; ok {
			from = append(from, status)
		}
	}
	sort.Slice(from, func(i, j int) bool { return from[i] < from[j] })
	return from
}

// EventForStatus resolves the event behind an admin request to move an
// order to status.
func EventForStatus(status models.OrderStatus) (OrderEvent, error) {
	if !status.IsValid() {
		return "", apperr.Validation(fmt.Sprintf("unknown order status %q", status))
	}
	event, ok := adminEvents[status]
	if !ok {
		return "", apperr.InvalidOrderState(fmt.Sprintf("orders cannot be moved to %s manually", status))
	}
	return event, nil
}

func humanEvent(event OrderEvent) string {
	switch event {
	case EventPaymentVerified, EventSignatureRejected, EventPaymentFailed:
		return "settle payment of"
	case EventConfirmCOD:
		return "confirm"
	case EventStartProcessing:
		return "start processing"
	case EventShip:
		return "ship"
	case EventDeliver:
		return "deliver"
	case EventCancel:
		return "cancel"
	case EventExpire:
		return "expire"
	case EventRefund:
		return "refund"
	}
	return string(event)
}
