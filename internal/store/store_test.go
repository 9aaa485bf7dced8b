package store

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"stamp-order-service/internal/apperr"
	"stamp-order-service/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestStore connects to TEST_DATABASE_URL and applies the migrations.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Integration test - set TEST_DATABASE_URL")
	}
	s, err := NewStore(url)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedItem(t *testing.T, s *Store, qty int) string {
	t.Helper()
	id := "it-" + uuid.NewString()[:8]
	_, err := s.db.ExecContext(context.Background(),
		`INSERT INTO catalog_items (id, sku, name, price, stock_quantity) VALUES ($1, $1, $1, 1000, $2)`, id, qty)
	require.NoError(t, err)
	return id
}

func seedUser(t *testing.T, s *Store, balance int64) string {
	t.Helper()
	id := "user-" + uuid.NewString()[:8]
	_, err := s.db.ExecContext(context.Background(), `INSERT INTO users (id) VALUES ($1)`, id)
	require.NoError(t, err)
	if balance > 0 {
		_, err = s.AddToDeposit(context.Background(), id, balance, "Opening balance", "")
		require.NoError(t, err)
	}
	return id
}

func newOrder(userID, itemID string) *models.Order {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Order{
		ID:          uuid.NewString(),
		OrderNumber: "ORD-TEST-" + uuid.NewString()[:8],
		UserID:      userID,
		Items: []models.OrderItem{
			{CatalogItemID: itemID, Name: itemID, Price: 1000, Quantity: 1, Subtotal: 1000},
		},
		Shipping: models.Shipping{Method: models.ShippingStandard},
		Pricing:  models.Pricing{Subtotal: 1000, ShippingCost: 500, Tax: 180, Total: 1680},
		Payment: models.Payment{
			Method: models.PaymentMethodRazorpay,
			Status: models.PaymentStatusPending,
		},
		Status:         models.OrderStatusPendingPayment,
		InventoryState: models.InventoryHeld,
		StatusHistory: []models.StatusHistoryEntry{
			{Status: models.OrderStatusPendingPayment, Timestamp: now, Actor: userID},
		},
		CreatedAt: now,
	}
}

func TestReserveStockNeverOversells(t *testing.T) {
	s := openTestStore(t)
	itemID := seedItem(t, s, 5)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ReserveStock(ctx, itemID, 1)
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			assert.True(t, apperr.Is(err, apperr.CodeInsufficientStock), "unexpected error %v", err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	item, err := s.GetCatalogItem(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, models.Stock{Quantity: 5, Reserved: 5, Available: 0}, item.Stock)
}

func TestDeductFromDepositRejectsOverdraft(t *testing.T) {
	s := openTestStore(t)
	userID := seedUser(t, s, 1000)
	ctx := context.Background()

	_, err := s.DeductFromDeposit(ctx, userID, 1001, "too much", "")
	assert.True(t, apperr.Is(err, apperr.CodeInsufficientBalance))

	tx, err := s.DeductFromDeposit(ctx, userID, 400, "order", "")
	require.NoError(t, err)
	assert.Equal(t, int64(600), tx.BalanceAfter)

	wallet, err := s.GetWallet(ctx, userID, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(600), wallet.Balance)
	assert.Len(t, wallet.Transactions, 2)
}

func TestOrderRoundTripAndTransitions(t *testing.T) {
	s := openTestStore(t)
	userID := seedUser(t, s, 0)
	itemID := seedItem(t, s, 5)
	ctx := context.Background()

	order := newOrder(userID, itemID)
	order.IdempotencyKey = "key-" + order.ID
	require.NoError(t, s.CreateOrder(ctx, order))

	got, err := s.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.OrderNumber, got.OrderNumber)
	assert.Equal(t, order.Items, got.Items)
	assert.Equal(t, order.Pricing, got.Pricing)
	assert.Len(t, got.StatusHistory, 1)

	byKey, err := s.GetOrderByIdempotencyKey(ctx, userID, order.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, order.ID, byKey.ID)

	dup := newOrder(userID, itemID)
	dup.IdempotencyKey = order.IdempotencyKey
	assert.True(t, apperr.Is(s.CreateOrder(ctx, dup), apperr.CodeConflict))

	_, err = s.SetGatewayOrderID(ctx, order.ID, "order_gw_1")
	require.NoError(t, err)
	_, err = s.SetGatewayOrderID(ctx, order.ID, "order_gw_2")
	assert.True(t, apperr.Is(err, apperr.CodeInvalidOrderState))

	byGateway, err := s.GetOrderByGatewayOrderID(ctx, "order_gw_1")
	require.NoError(t, err)
	assert.Equal(t, order.ID, byGateway.ID)

	now := time.Now().UTC()
	confirm := OrderTransition{
		OrderID:     order.ID,
		From:        []models.OrderStatus{models.OrderStatusPendingPayment},
		PaymentFrom: []models.PaymentStatus{models.PaymentStatusPending},
		To:          models.OrderStatusConfirmed,
		Payment:     &PaymentUpdate{Status: models.PaymentStatusCompleted, PaidAt: &now, GatewayPaymentID: "pay_1"},
		History:     models.StatusHistoryEntry{Timestamp: now, Actor: "gateway-webhook"},
	}
	confirmed, err := s.ApplyTransition(ctx, confirm)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusConfirmed, confirmed.Status)
	assert.Equal(t, "pay_1", confirmed.Payment.GatewayPaymentID)
	assert.Len(t, confirmed.StatusHistory, 2)

	_, err = s.ApplyTransition(ctx, confirm)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidOrderState))

	won, err := s.ClaimInventory(ctx, order.ID, models.InventoryHeld, models.InventoryCommitted)
	require.NoError(t, err)
	assert.True(t, won)
	won, err = s.ClaimInventory(ctx, order.ID, models.InventoryHeld, models.InventoryReleased)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestRunInTxRollsBack(t *testing.T) {
	s := openTestStore(t)
	itemID := seedItem(t, s, 5)
	ctx := context.Background()

	err := s.RunInTx(ctx, func(tx Repository) error {
		_, err := tx.ReserveStock(ctx, itemID, 3)
		require.NoError(t, err)
		return tx.RunInTx(ctx, func(inner Repository) error {
			_, err := inner.ReserveStock(ctx, itemID, 1)
			require.NoError(t, err)
			return assert.AnError
		})
	})
	require.ErrorIs(t, err, assert.AnError)

	item, err := s.GetCatalogItem(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, models.Stock{Quantity: 5, Available: 5}, item.Stock)
}
