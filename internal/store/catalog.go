package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"stamp-order-service/internal/apperr"
	"stamp-order-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const catalogItemColumns = `
	id, sku, name, price,
	stock_quantity AS "stock.quantity",
	stock_reserved AS "stock.reserved",
	stock_available AS "stock.available",
	is_active, version, created_at, updated_at`

// GetCatalogItem retrieves a catalog item by ID
func (q *queries) GetCatalogItem(ctx context.Context, id string) (*models.CatalogItem, error) {
	var item models.CatalogItem
	err := sqlx.GetContext(ctx, q.ext, &item,
		"SELECT "+catalogItemColumns+" FROM catalog_items WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ItemNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get catalog item %s: %w", id, err)
	}
	return &item, nil
}

// ReserveStock holds qty units with a guarded increment; the WHERE clause is
// the availability check, so concurrent reservations cannot oversell.
func (q *queries) ReserveStock(ctx context.Context, itemID string, qty int) (*models.CatalogItem, error) {
	if qty <= 0 {
		return nil, apperr.Validation("reservation quantity must be positive")
	}

	var item models.CatalogItem
	err := sqlx.GetContext(ctx, q.ext, &item, `
		UPDATE catalog_items
		SET stock_reserved = stock_reserved + $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND is_active AND stock_quantity - stock_reserved >= $1
		RETURNING `+catalogItemColumns, qty, itemID)
	if err == nil {
		return &item, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reserve stock for %s: %w", itemID, err)
	}

	current, getErr := q.GetCatalogItem(ctx, itemID)
	if getErr != nil {
		return nil, getErr
	}
	if !current.IsActive {
		return nil, apperr.ItemInactive(itemID, current.Name)
	}
	return nil, apperr.InsufficientStock(itemID, current.Name, current.Stock.Available, qty)
}

// ReleaseStock drops a hold, clamping reserved at zero
func (q *queries) ReleaseStock(ctx context.Context, itemID string, qty int) (*models.CatalogItem, error) {
	var item models.CatalogItem
	err := sqlx.GetContext(ctx, q.ext, &item, `
		UPDATE catalog_items
		SET stock_reserved = GREATEST(stock_reserved - $1, 0), version = version + 1, updated_at = NOW()
		WHERE id = $2
		RETURNING `+catalogItemColumns, qty, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ItemNotFound(itemID)
	}
	if err != nil {
		return nil, fmt.Errorf("release stock for %s: %w", itemID, err)
	}
	return &item, nil
}

// ReduceStock commits a sale: quantity and the hold shrink together
func (q *queries) ReduceStock(ctx context.Context, itemID string, qty int) (*models.CatalogItem, error) {
	if qty <= 0 {
		return nil, apperr.Validation("reduction quantity must be positive")
	}

	var item models.CatalogItem
	err := sqlx.GetContext(ctx, q.ext, &item, `
		UPDATE catalog_items
		SET stock_quantity = stock_quantity - $1,
		    stock_reserved = GREATEST(stock_reserved - $1, 0),
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $2 AND stock_quantity >= $1
		RETURNING `+catalogItemColumns, qty, itemID)
	if err == nil {
		return &item, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reduce stock for %s: %w", itemID, err)
	}

	current, getErr := q.GetCatalogItem(ctx, itemID)
	if getErr != nil {
		return nil, getErr
	}
	return nil, apperr.InsufficientStock(itemID, current.Name, current.Stock.Quantity, qty)
}
