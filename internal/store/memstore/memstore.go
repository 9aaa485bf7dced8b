// Package memstore is an in-process implementation of store.Repository used
// for local development and tests. A single mutex serialises every mutation,
// and RunInTx restores a snapshot when the transaction function fails.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"stamp-order-service/internal/apperr"
	"stamp-order-service/internal/models"
	"stamp-order-service/internal/store"
)

type state struct {
	items   map[string]*models.CatalogItem
	wallets map[string]*models.Wallet
	orders  map[string]*models.Order
}

// Store is a mutex-guarded in-memory repository.
type Store struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		st: &state{
			items:   make(map[string]*models.CatalogItem),
			wallets: make(map[string]*models.Wallet),
			orders:  make(map[string]*models.Order),
		},
		now: time.Now,
	}
}

// PutCatalogItem seeds or replaces a catalog item.
func (s *Store) PutCatalogItem(item models.CatalogItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.Stock.Available = item.Stock.Quantity - item.Stock.Reserved
	s.st.items[item.ID] = &item
}

// PutUser seeds a user with an opening wallet balance, recorded as a credit.
func (s *Store) PutUser(userID string, openingBalance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := &models.Wallet{UserID: userID}
	if openingBalance > 0 {
		_, _ = w.AddToDeposit(openingBalance, "Opening balance", "", s.now())
	}
	s.st.wallets[userID] = w
}

// SetClock replaces the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) GetCatalogItem(ctx context.Context, id string) (*models.CatalogItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{s.st, s.now}).GetCatalogItem(ctx, id)
}

func (s *Store) ReserveStock(ctx context.Context, itemID string, qty int) (*models.CatalogItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{s.st, s.now}).ReserveStock(ctx, itemID, qty)
}

func (s *Store) ReleaseStock(ctx context.Context, itemID string, qty int) (*models.CatalogItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{s.st, s.now}).ReleaseStock(ctx, itemID, qty)
}

func (s *Store) ReduceStock(ctx context.Context, itemID string, qty int) (*models.CatalogItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{s.st, s.now}).ReduceStock(ctx, itemID, qty)
}

func (s *Store) GetWallet(ctx context.Context, userID string, limit int) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{s.st, s.now}).GetWallet(ctx, userID, limit)
}

func (s *Store) AddToDeposit(ctx context.Context, userID string, amount int64, description, orderRef string) (*models.DepositTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{s.st, s.now}).AddToDeposit(ctx, userID, amount, description, orderRef)
}

func (s *Store) DeductFromDeposit(ctx context.Context, userID string, amount int64, description, orderRef string) (*models.DepositTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{s.st, s.now}).DeductFromDeposit(ctx, userID, amount, description, orderRef)
}

func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{s.st, s.now}).CreateOrder(ctx, order)
}

func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{s.st, s.now}).GetOrder(ctx, id)
}

func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{s.st, s.now}).GetOrderByIdempotencyKey(ctx, userID, key)
}

func (s *Store) GetOrderByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{s.st, s.now}).GetOrderByGatewayOrderID(ctx, gatewayOrderID)
}

func (s *Store) ListOrdersByUser(ctx context.Context, userID string) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{s.st, s.now}).ListOrdersByUser(ctx, userID)
}

func (s *Store) ListStaleGatewayOrders(ctx context.Context, createdBefore time.Time, limit int) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{s.st, s.now}).ListStaleGatewayOrders(ctx, createdBefore, limit)
}

func (s *Store) ApplyTransition(ctx context.Context, t store.OrderTransition) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{s.st, s.now}).ApplyTransition(ctx, t)
}

func (s *Store) SetGatewayOrderID(ctx context.Context, orderID, gatewayOrderID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{s.st, s.now}).SetGatewayOrderID(ctx, orderID, gatewayOrderID)
}

func (s *Store) ClaimInventory(ctx context.Context, orderID string, from, to models.InventoryState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{s.st, s.now}).ClaimInventory(ctx, orderID, from, to)
}

func (s *Store) ClaimCancellationRefund(ctx context.Context, orderID string, to models.RefundStatus, paymentStatus models.PaymentStatus, refundID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{s.st, s.now}).ClaimCancellationRefund(ctx, orderID, to, paymentStatus, refundID)
}

// RunInTx holds the store lock for the whole of fn and restores the prior
// state if fn returns an error.
func (s *Store) RunInTx(ctx context.Context, fn func(tx store.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(&view{s.st, s.now}); err != nil {
		*s.st = *snapshot
		return err
	}
	return nil
}

// view operates on state without locking; the caller holds the lock.
type view struct {
	st  *state
	now func() time.Time
}

func (v *view) GetCatalogItem(_ context.Context, id string) (*models.CatalogItem, error) {
	item, ok := v.st.items[id]
	if !ok {
		return nil, apperr.ItemNotFound(id)
	}
	out := *item
	return &out, nil
}

func (v *view) activeItem(id string) (*models.CatalogItem, error) {
	item, ok := v.st.items[id]
	if !ok {
		return nil, apperr.ItemNotFound(id)
	}
	if !item.IsActive {
		return nil, apperr.ItemInactive(id, item.Name)
	}
	return item, nil
}

func (v *view) ReserveStock(_ context.Context, itemID string, qty int) (*models.CatalogItem, error) {
	item, err := v.activeItem(itemID)
	if err != nil {
		return nil, err
	}
	if err := item.ReserveStock(qty); err != nil {
		return nil, err
	}
	item.UpdatedAt = v.now()
	out := *item
	return &out, nil
}

func (v *view) ReleaseStock(_ context.Context, itemID string, qty int) (*models.CatalogItem, error) {
	item, ok := v.st.items[itemID]
	if !ok {
		return nil, apperr.ItemNotFound(itemID)
	}
	item.ReleaseStock(qty)
	item.UpdatedAt = v.now()
	out := *item
	return &out, nil
}

func (v *view) ReduceStock(_ context.Context, itemID string, qty int) (*models.CatalogItem, error) {
	item, ok := v.st.items[itemID]
	if !ok {
		return nil, apperr.ItemNotFound(itemID)
	}
	if err := item.ReduceStock(qty); err != nil {
		return nil, err
	}
	item.UpdatedAt = v.now()
	out := *item
	return &out, nil
}

func (v *view) wallet(userID string) (*models.Wallet, error) {
	w, ok := v.st.wallets[userID]
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, fmt.Sprintf("user %s not found", userID))
	}
	return w, nil
}

func (v *view) GetWallet(_ context.Context, userID string, limit int) (*models.Wallet, error) {
	w, err := v.wallet(userID)
	if err != nil {
		return nil, err
	}
	out := models.Wallet{UserID: w.UserID, Balance: w.Balance}
	// newest first, like the SQL store
	for i := len(w.Transactions) - 1; i >= 0; i-- {
		if limit > 0 && len(out.Transactions) >= limit {
			break
		}
		out.Transactions = append(out.Transactions, w.Transactions[i])
	}
	return &out, nil
}

func (v *view) AddToDeposit(_ context.Context, userID string, amount int64, description, orderRef string) (*models.DepositTransaction, error) {
	w, err := v.wallet(userID)
	if err != nil {
		return nil, err
	}
	return w.AddToDeposit(amount, description, orderRef, v.now())
}

func (v *view) DeductFromDeposit(_ context.Context, userID string, amount int64, description, orderRef string) (*models.DepositTransaction, error) {
	w, err := v.wallet(userID)
	if err != nil {
		return nil, err
	}
	return w.DeductFromDeposit(amount, description, orderRef, v.now())
}

func (v *view) CreateOrder(_ context.Context, order *models.Order) error {
	if _, exists := v.st.orders[order.ID]; exists {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	for _, o := range v.st.orders {
		if o.OrderNumber == order.OrderNumber {
			return fmt.Errorf("order number %s already exists", order.OrderNumber)
		}
		if order.IdempotencyKey != "" && o.UserID == order.UserID && o.IdempotencyKey == order.IdempotencyKey {
			return apperr.New(apperr.CodeConflict, "idempotency key already used")
		}
	}
	now := v.now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	v.st.orders[order.ID] = order.Clone()
	return nil
}

func (v *view) order(id string) (*models.Order, error) {
	o, ok := v.st.orders[id]
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, fmt.Sprintf("order %s not found", id))
	}
	return o, nil
}

func (v *view) GetOrder(_ context.Context, id string) (*models.Order, error) {
	o, err := v.order(id)
	if err != nil {
		return nil, err
	}
	return o.Clone(), nil
}

func (v *view) GetOrderByIdempotencyKey(_ context.Context, userID, key string) (*models.Order, error) {
	for _, o := range v.st.orders {
		if o.UserID == userID && o.IdempotencyKey == key {
			return o.Clone(), nil
		}
	}
	return nil, nil
}

func (v *view) GetOrderByGatewayOrderID(_ context.Context, gatewayOrderID string) (*models.Order, error) {
	for _, o := range v.st.orders {
		if o.Payment.GatewayOrderID == gatewayOrderID {
			return o.Clone(), nil
		}
	}
	return nil, apperr.New(apperr.CodeNotFound, fmt.Sprintf("no order for gateway order %s", gatewayOrderID))
}

func (v *view) ListOrdersByUser(_ context.Context, userID string) ([]*models.Order, error) {
	orders := make([]*models.Order, 0)
	for _, o := range v.st.orders {
		if o.UserID == userID {
			orders = append(orders, o.Clone())
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

func (v *view) ListStaleGatewayOrders(_ context.Context, createdBefore time.Time, limit int) ([]*models.Order, error) {
	orders := make([]*models.Order, 0)
	for _, o := range v.st.orders {
		if o.Payment.Method != models.PaymentMethodRazorpay || o.InventoryState != models.InventoryHeld {
			continue
		}
		if o.Status != models.OrderStatusPendingPayment && o.Status != models.OrderStatusPaymentFailed {
			continue
		}
		if !o.CreatedAt.Before(createdBefore) {
			continue
		}
		orders = append(orders, o.Clone())
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (v *view) ApplyTransition(_ context.Context, t store.OrderTransition) (*models.Order, error) {
	o, err := v.order(t.OrderID)
	if err != nil {
		return nil, err
	}
	if !t.Allows(o) {
		return nil, apperr.InvalidOrderState(
			fmt.Sprintf("order %s cannot move from %s to %s", o.OrderNumber, o.Status, t.To)).
			WithDetails(map[string]any{"status": o.Status, "payment_status": o.Payment.Status})
	}
	t.ApplyTo(o, v.now())
	return o.Clone(), nil
}

func (v *view) SetGatewayOrderID(_ context.Context, orderID, gatewayOrderID string) (*models.Order, error) {
	o, err := v.order(orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != models.OrderStatusPendingPayment ||
		o.Payment.Status != models.PaymentStatusPending ||
		o.Payment.GatewayOrderID != "" {
		return nil, apperr.InvalidOrderState(
			fmt.Sprintf("order %s is not awaiting a new gateway order", o.OrderNumber))
	}
	o.Payment.GatewayOrderID = gatewayOrderID
	o.UpdatedAt = v.now()
	return o.Clone(), nil
}

func (v *view) ClaimInventory(_ context.Context, orderID string, from, to models.InventoryState) (bool, error) {
	o, err := v.order(orderID)
	if err != nil {
		return false, err
	}
	if o.InventoryState != from {
		return false, nil
	}
	o.InventoryState = to
	o.UpdatedAt = v.now()
	return true, nil
}

func (v *view) ClaimCancellationRefund(_ context.Context, orderID string, to models.RefundStatus, paymentStatus models.PaymentStatus, refundID string) (bool, error) {
	o, err := v.order(orderID)
	if err != nil {
		return false, err
	}
	if o.Cancellation == nil || o.Cancellation.RefundStatus != models.RefundPending {
		return false, nil
	}
	o.Cancellation.RefundStatus = to
	if paymentStatus != "" {
		o.Payment.Status = paymentStatus
	}
	if refundID != "" {
		o.Payment.RefundID = refundID
	}
	o.UpdatedAt = v.now()
	return true, nil
}

// RunInTx on a view joins the enclosing transaction.
func (v *view) RunInTx(_ context.Context, fn func(tx store.Repository) error) error {
	return fn(v)
}

func (st *state) clone() *state {
	c := &state{
		items:   make(map[string]*models.CatalogItem, len(st.items)),
		wallets: make(map[string]*models.Wallet, len(st.wallets)),
		orders:  make(map[string]*models.Order, len(st.orders)),
	}
	for id, item := range st.items {
		cp := *item
		c.items[id] = &cp
	}
	for id, w := range st.wallets {
		cp := *w
		cp.Transactions = append([]models.DepositTransaction(nil), w.Transactions...)
		c.wallets[id] = &cp
	}
	for id, o := range st.orders {
		c.orders[id] = o.Clone()
	}
	return c
}

var _ store.Repository = (*Store)(nil)
var _ store.Repository = (*view)(nil)
