package service

import (
	"fmt"

	"stamp-order-service/internal/apperr"
	"stamp-order-service/internal/models"

	"github.com/shopspring/decimal"
)

// Pricer computes the pricing block of an order.
type Pricer struct {
	TaxRate               decimal.Decimal
	StandardShipping      int64
	ExpressShipping       int64
	FreeShippingThreshold int64
}

// NewPricer builds a pricer from a tax rate such as "0.18".
func NewPricer(taxRate string, standard, express, freeThreshold int64) (*Pricer, error) {
	rate, err := decimal.NewFromString(taxRate)
	if err != nil {
		return nil, fmt.Errorf("invalid tax rate %q: %w", taxRate, err)
	}
	if rate.IsNegative() {
		return nil, fmt.Errorf("tax rate must not be negative")
	}
	return &Pricer{
		TaxRate:               rate,
		StandardShipping:      standard,
		ExpressShipping:       express,
		FreeShippingThreshold: freeThreshold,
	}, nil
}

// Quote prices items shipped by method.
func (p *Pricer) Quote(items []models.OrderItem, method string) (models.Pricing, error) {
	var pricing models.Pricing
	for _, item := range items {
		pricing.Subtotal += item.Subtotal
	}

	shipping, err := p.ShippingCost(method, pricing.Subtotal)
	if err != nil {
		return models.Pricing{}, err
	}
	pricing.ShippingCost = shipping
	pricing.Tax = decimal.NewFromInt(pricing.Subtotal).Mul(p.TaxRate).Round(0).IntPart()
	pricing.Total = pricing.ComputedTotal()
	return pricing, nil
}

// ShippingCost returns the charge for method given the order subtotal.
func (p *Pricer) ShippingCost(method string, subtotal int64) (int64, error) {
	switch method {
	case models.ShippingStandard, "":
		if p.FreeShippingThreshold > 0 && subtotal >= p.FreeShippingThreshold {
			return 0, nil
		}
		return p.StandardShipping, nil
	case models.ShippingExpress:
		return p.ExpressShipping, nil
	}
	return 0, apperr.Validation(fmt.Sprintf("unknown shipping method %q", method))
}
