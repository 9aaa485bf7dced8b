package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOrderCanBeCancelled(t *testing.T) {
	cancellable := map[OrderStatus]bool{
		OrderStatusPendingPayment: true,
		OrderStatusConfirmed:      true,
		OrderStatusProcessing:     true,
		OrderStatusPaymentFailed:  false,
		OrderStatusShipped:        false,
		OrderStatusDelivered:      false,
		OrderStatusCancelled:      false,
		OrderStatusRefunded:       false,
	}
	for status, want := range cancellable {
		assert.Equal(t, want, (&Order{Status: status}).CanBeCancelled(), status)
		assert.True(t, status.IsValid())
	}
	assert.False(t, OrderStatus("lost").IsValid())
}

func TestOrderCloneIsDeep(t *testing.T) {
	paid := time.Now()
	o := &Order{
		Items:         []OrderItem{{CatalogItemID: "A", Quantity: 1}},
		StatusHistory: []StatusHistoryEntry{{Status: OrderStatusConfirmed}},
		Cancellation:  &Cancellation{Reason: "x"},
		Payment:       Payment{PaidAt: &paid},
	}

	c := o.Clone()
	c.Items[0].Quantity = 9
	c.StatusHistory[0].Note = "changed"
	c.Cancellation.Reason = "y"
	*c.Payment.PaidAt = paid.Add(time.Hour)

	assert.Equal(t, 1, o.Items[0].Quantity)
	assert.Empty(t, o.StatusHistory[0].Note)
	assert.Equal(t, "x", o.Cancellation.Reason)
	assert.Equal(t, paid, *o.Payment.PaidAt)
	assert.Nil(t, (*Order)(nil).Clone())
}

func TestPaymentMethodIsValid(t *testing.T) {
	assert.True(t, PaymentMethodDeposit.IsValid())
	assert.True(t, PaymentMethodRazorpay.IsValid())
	assert.True(t, PaymentMethodCOD.IsValid())
	assert.False(t, PaymentMethod("cheque").IsValid())
}
