package service

import (
	"context"
	"fmt"
	"time"

	"stamp-order-service/internal/apperr"
	"stamp-order-service/internal/models"
	"stamp-order-service/internal/store"
	"stamp-order-service/internal/util"

	"go.uber.org/zap"
)

// MaxLineQuantity bounds a single line; stock counters are 32-bit columns.
const MaxLineQuantity = 10000

// LineItem is one requested (catalog item, quantity) pair.
type LineItem struct {
	CatalogItemID string `json:"catalogItem" validate:"required"`
	Quantity      int    `json:"quantity" validate:"required,gt=0,max=10000"`
}

// InventoryService turns requested line items into held stock.
type InventoryService struct {
	repo        store.Repository
	compensator *Compensator
	logger      *zap.Logger
}

// NewInventoryService creates a new inventory service
func NewInventoryService(repo store.Repository, compensator *Compensator) *InventoryService {
	return &InventoryService{
		repo:        repo,
		compensator: compensator,
		logger:      util.ComponentLogger("inventory"),
	}
}

// Reserve holds stock for every line in list order. If any line fails, the
// holds already placed by this call are released before the error is
// returned. On success it returns the priced item snapshots.
func (s *InventoryService) Reserve(ctx context.Context, lines []LineItem) ([]models.OrderItem, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.Reserve")
	defer span.End()

	start := time.Now()
	defer func() {
		util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
	}()

	if len(lines) == 0 {
		return nil, apperr.Validation("order must contain at least one item")
	}

	reserved := make([]models.OrderItem, 0, len(lines))
	for _, line := range lines {
		item, err := s.reserveLine(ctx, line)
		if err != nil {
			util.InventoryReservationsFailed.WithLabelValues(failureReason(err)).Inc()
			// The rollback must outlive a cancelled request; nothing else
			// knows about these holds yet.
			if relErr := s.compensator.ReleaseReservations(context.WithoutCancel(ctx), reserved); relErr != nil {
				s.logger.Error("Rollback of partial reservation incomplete",
					zap.Int("reserved_lines", len(reserved)),
					zap.Error(relErr))
			}
			return nil, err
		}
		reserved = append(reserved, *item)
	}
	return reserved, nil
}

func (s *InventoryService) reserveLine(ctx context.Context, line LineItem) (*models.OrderItem, error) {
	if line.CatalogItemID == "" {
		return nil, apperr.Validation("catalog item id is required")
	}
	if line.Quantity <= 0 {
		return nil, apperr.Validation("quantity must be positive").
			WithDetails(map[string]any{"item_id": line.CatalogItemID})
	}
	if line.Quantity > MaxLineQuantity {
		return nil, apperr.Validation(fmt.Sprintf("quantity must not exceed %d", MaxLineQuantity)).
			WithDetails(map[string]any{"item_id": line.CatalogItemID, "max_quantity": MaxLineQuantity})
	}

	item, err := s.repo.ReserveStock(ctx, line.CatalogItemID, line.Quantity)
	if err != nil {
		return nil, err
	}
	return &models.OrderItem{
		CatalogItemID: item.ID,
		Name:          item.Name,
		Price:         item.Price,
		Quantity:      line.Quantity,
		Subtotal:      item.Price * int64(line.Quantity),
	}, nil
}

func failureReason(err error) string {
	if typed := apperr.As(err); typed != nil {
		switch typed.Code() {
		case apperr.CodeInsufficientStock:
			return "insufficient_stock"
		case apperr.CodeItemNotFound:
			return "not_found"
		case apperr.CodeItemInactive:
			return "inactive"
		case apperr.CodeValidation:
			return "validation"
		}
	}
	return "error"
}

// Commit converts the stock held by order into a permanent sale, exactly
// once. repo is expected to be bound to the transaction that also moves the
// order to its settled status.
func (s *InventoryService) Commit(ctx context.Context, repo store.Repository, order *models.Order) error {
	won, err := repo.ClaimInventory(ctx, order.ID, models.InventoryHeld, models.InventoryCommitted)
	if err != nil {
		return err
	}
	if !won {
		return apperr.InvalidOrderState(fmt.Sprintf("order %s no longer holds stock", order.OrderNumber))
	}
	for _, item := range order.Items {
		if _, err := repo.ReduceStock(ctx, item.CatalogItemID, item.Quantity); err != nil {
			return err
		}
	}
	return nil
}
