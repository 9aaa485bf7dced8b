package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"stamp-order-service/internal/apperr"
	"stamp-order-service/internal/models"
	"stamp-order-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded() *Store {
	s := New()
	s.PutCatalogItem(models.CatalogItem{ID: "A", Name: "Blue Mauritius", Price: 1000, Stock: models.Stock{Quantity: 5}, IsActive: true})
	s.PutUser("u1", 1000)
	return s
}

func pendingOrder(id string) *models.Order {
	return &models.Order{
		ID:             id,
		OrderNumber:    "ORD-" + id,
		UserID:         "u1",
		Items:          []models.OrderItem{{CatalogItemID: "A", Quantity: 2, Price: 1000, Subtotal: 2000}},
		Status:         models.OrderStatusPendingPayment,
		InventoryState: models.InventoryHeld,
		Payment:        models.Payment{Method: models.PaymentMethodRazorpay, Status: models.PaymentStatusPending},
	}
}

func TestRunInTxRestoresSnapshotOnError(t *testing.T) {
	s := seeded()
	ctx := context.Background()

	err := s.RunInTx(ctx, func(tx store.Repository) error {
		_, err := tx.ReserveStock(ctx, "A", 2)
		require.NoError(t, err)
		_, err = tx.DeductFromDeposit(ctx, "u1", 500, "debit", "")
		require.NoError(t, err)
		require.NoError(t, tx.CreateOrder(ctx, pendingOrder("o1")))
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	item, err := s.GetCatalogItem(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, models.Stock{Quantity: 5, Available: 5}, item.Stock)

	wallet, err := s.GetWallet(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), wallet.Balance)
	assert.Len(t, wallet.Transactions, 1)

	_, err = s.GetOrder(ctx, "o1")
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	s := seeded()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ReserveStock(ctx, "A", 1); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	item, err := s.GetCatalogItem(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, models.Stock{Quantity: 5, Reserved: 5, Available: 0}, item.Stock)
}

func TestApplyTransitionIsCompareAndSet(t *testing.T) {
	s := seeded()
	ctx := context.Background()
	require.NoError(t, s.CreateOrder(ctx, pendingOrder("o1")))

	confirm := store.OrderTransition{
		OrderID:     "o1",
		From:        []models.OrderStatus{models.OrderStatusPendingPayment},
		PaymentFrom: []models.PaymentStatus{models.PaymentStatusPending},
		To:          models.OrderStatusConfirmed,
		Payment:     &store.PaymentUpdate{Status: models.PaymentStatusCompleted, GatewayPaymentID: "pay_1"},
		History:     models.StatusHistoryEntry{Note: "paid", Actor: "u1"},
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ApplyTransition(ctx, confirm); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.True(t, apperr.Is(err, apperr.CodeInvalidOrderState))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	order, err := s.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusConfirmed, order.Status)
	require.Len(t, order.StatusHistory, 1)
	assert.Equal(t, models.OrderStatusConfirmed, order.StatusHistory[0].Status)
}

func TestClaimsSucceedOnce(t *testing.T) {
	s := seeded()
	ctx := context.Background()
	order := pendingOrder("o1")
	order.Cancellation = &models.Cancellation{RefundStatus: models.RefundPending, RefundAmount: 2000}
	require.NoError(t, s.CreateOrder(ctx, order))

	won, err := s.ClaimInventory(ctx, "o1", models.InventoryHeld, models.InventoryReleased)
	require.NoError(t, err)
	assert.True(t, won)
	won, err = s.ClaimInventory(ctx, "o1", models.InventoryHeld, models.InventoryCommitted)
	require.NoError(t, err)
	assert.False(t, won)

	won, err = s.ClaimCancellationRefund(ctx, "o1", models.RefundProcessed, models.PaymentStatusRefunded, "rfnd_1")
	require.NoError(t, err)
	assert.True(t, won)
	won, err = s.ClaimCancellationRefund(ctx, "o1", models.RefundFailed, "", "")
	require.NoError(t, err)
	assert.False(t, won)

	got, err := s.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.RefundProcessed, got.Cancellation.RefundStatus)
	assert.Equal(t, models.PaymentStatusRefunded, got.Payment.Status)
	assert.Equal(t, "rfnd_1", got.Payment.RefundID)
}

func TestGetOrderReturnsCopies(t *testing.T) {
	s := seeded()
	ctx := context.Background()
	require.NoError(t, s.CreateOrder(ctx, pendingOrder("o1")))

	got, err := s.GetOrder(ctx, "o1")
	require.NoError(t, err)
	got.Status = models.OrderStatusDelivered
	got.Items[0].Quantity = 99

	again, err := s.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPendingPayment, again.Status)
	assert.Equal(t, 2, again.Items[0].Quantity)
}

func TestCreateOrderRejectsDuplicateIdempotencyKey(t *testing.T) {
	s := seeded()
	ctx := context.Background()

	first := pendingOrder("o1")
	first.IdempotencyKey = "k"
	require.NoError(t, s.CreateOrder(ctx, first))

	second := pendingOrder("o2")
	second.IdempotencyKey = "k"
	assert.True(t, apperr.Is(s.CreateOrder(ctx, second), apperr.CodeConflict))

	found, err := s.GetOrderByIdempotencyKey(ctx, "u1", "k")
	require.NoError(t, err)
	assert.Equal(t, "o1", found.ID)

	missing, err := s.GetOrderByIdempotencyKey(ctx, "u1", "other")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListStaleGatewayOrders(t *testing.T) {
	s := seeded()
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	old := pendingOrder("old")
	old.CreatedAt = start
	fresh := pendingOrder("fresh")
	fresh.CreatedAt = start.Add(time.Hour)
	cod := pendingOrder("cod")
	cod.CreatedAt = start
	cod.Payment.Method = models.PaymentMethodCOD
	for _, o := range []*models.Order{old, fresh, cod} {
		require.NoError(t, s.CreateOrder(ctx, o))
	}

	stale, err := s.ListStaleGatewayOrders(ctx, start.Add(30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].ID)
}
