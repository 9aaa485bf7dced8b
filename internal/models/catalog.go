package models

import (
	"time"

	"stamp-order-service/internal/apperr"
)

// Stock holds the counters of a catalog item. Available is derived and is
// recomputed by every mutator.
type Stock struct {
	Quantity  int `db:"quantity" json:"quantity"`
	Reserved  int `db:"reserved" json:"reserved"`
	Available int `db:"available" json:"available"`
}

// CatalogItem represents a purchasable stamp, cover or philatelic supply
type CatalogItem struct {
	ID        string    `db:"id" json:"id"`
	SKU       string    `db:"sku" json:"sku"`
	Name      string    `db:"name" json:"name"`
	Price     int64     `db:"price" json:"price"`
	Stock     Stock     `db:"stock" json:"stock"`
	IsActive  bool      `db:"is_active" json:"is_active"`
	Version   int64     `db:"version" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ReserveStock places a hold of qty units.
func (i *CatalogItem) ReserveStock(qty int) error {
	if qty <= 0 {
		return apperr.Validation("reservation quantity must be positive")
	}
	if i.Stock.Available < qty {
		return apperr.InsufficientStock(i.ID, i.Name, i.Stock.Available, qty)
	}
	i.Stock.Reserved += qty
	i.recompute()
	return nil
}

// ReleaseStock drops a hold of qty units, clamping at zero.
func (i *CatalogItem) ReleaseStock(qty int) {
	if qty <= 0 {
		return
	}
	i.Stock.Reserved -= qty
	if i.Stock.Reserved < 0 {
		i.Stock.Reserved = 0
	}
	i.recompute()
}

// ReduceStock converts a hold into a permanent sale.
func (i *CatalogItem) ReduceStock(qty int) error {
	if qty <= 0 {
		return apperr.Validation("reduction quantity must be positive")
	}
	if i.Stock.Quantity < qty {
		return apperr.InsufficientStock(i.ID, i.Name, i.Stock.Quantity, qty)
	}
	i.Stock.Quantity -= qty
	i.Stock.Reserved -= qty
	if i.Stock.Reserved < 0 {
		i.Stock.Reserved = 0
	}
	i.recompute()
	return nil
}

func (i *CatalogItem) recompute() {
	i.Stock.Available = i.Stock.Quantity - i.Stock.Reserved
	i.Version++
}

// Consistent reports whether the stock counters satisfy their invariants.
func (s Stock) Consistent() bool {
	return s.Reserved >= 0 &&
		s.Quantity >= 0 &&
		s.Reserved <= s.Quantity &&
		s.Available == s.Quantity-s.Reserved
}
