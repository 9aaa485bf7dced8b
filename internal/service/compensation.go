package service

import (
	"context"
	"fmt"

	"stamp-order-service/internal/models"
	"stamp-order-service/internal/store"
	"stamp-order-service/internal/util"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Compensator returns held stock to the catalog. Every failure path that
// gives stock back goes through releaseReservations.
type Compensator struct {
	repo   store.Repository
	logger *zap.Logger
}

// NewCompensator creates a new compensator
func NewCompensator(repo store.Repository) *Compensator {
	return &Compensator{repo: repo, logger: util.ComponentLogger("compensation")}
}

// ReleaseReservations drops the holds of items that are not attached to a
// persisted order yet.
func (c *Compensator) ReleaseReservations(ctx context.Context, items []models.OrderItem) error {
	return c.releaseReservations(ctx, c.repo, items)
}

// ReleaseOrder releases the stock held by order, exactly once. It reports
// false when the order no longer held stock. repo may be bound to a
// transaction.
func (c *Compensator) ReleaseOrder(ctx context.Context, repo store.Repository, order *models.Order) (bool, error) {
	released := false
	err := repo.RunInTx(ctx, func(tx store.Repository) error {
		won, err := tx.ClaimInventory(ctx, order.ID, models.InventoryHeld, models.InventoryReleased)
		if err != nil {
			return err
		}
		if !won {
			return nil
		}
		released = true
		return c.releaseReservations(ctx, tx, order.Items)
	})
	if err != nil {
		return false, fmt.Errorf("release stock of order %s: %w", order.OrderNumber, err)
	}
	if released {
		c.logger.Info("Released held stock",
			zap.String("order_id", order.ID),
			zap.String("order_number", order.OrderNumber))
	}
	return released, nil
}

// releaseReservations keeps going past individual failures so one bad item
// does not strand the holds of the others.
func (c *Compensator) releaseReservations(ctx context.Context, repo store.Repository, items []models.OrderItem) error {
	var errs error
	for _, item := range items {
		if _, err := repo.ReleaseStock(ctx, item.CatalogItemID, item.Quantity); err != nil {
			c.logger.Error("Failed to release reservation",
				zap.String("catalog_item_id", item.CatalogItemID),
				zap.Int("quantity", item.Quantity),
				zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
