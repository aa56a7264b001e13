package services

import (
	"errors"
	"fmt"
	"math"

	"github.com/sweetspot/orders-api/internal/domain"
)

var (
	// ErrInvalidLineItem signals a malformed cart line such as a negative price or zero quantity.
	ErrInvalidLineItem = errors.New("cart pricing: invalid line item")
	// ErrEmptyCart is returned when pricing is requested for a cart with no lines.
	ErrEmptyCart = errors.New("cart pricing: empty cart")
)

const (
	// FreeDeliveryThresholdMinor is the subtotal (paise) above which delivery is free.
	FreeDeliveryThresholdMinor int64 = 50000
	// DeliveryFeeMinor is charged when the subtotal is at or below the threshold.
	DeliveryFeeMinor int64 = 5000
	// TaxRatePercent is applied to the subtotal, rounded half-up to the paisa.
	TaxRatePercent int64 = 5
)

// CartPricingEngine derives the charge breakdown for a cart. It performs no
// I/O, never mutates its input, and is safe for concurrent use.
type CartPricingEngine struct{}

func NewCartPricingEngine() *CartPricingEngine {
	return &CartPricingEngine{}
}

// Price validates the lines and computes subtotal, delivery fee, tax and total,
// all in the smallest currency unit.
func (e *CartPricingEngine) Price(lines []domain.CartLine) (domain.PriceBreakdown, error) {
	if len(lines) == 0 {
		return domain.PriceBreakdown{}, ErrEmptyCart
	}

	var subtotal int64
	for i, line := range lines {
		if line.UnitPrice < 0 {
			return domain.PriceBreakdown{}, fmt.Errorf("%w: line %d has negative unit price", ErrInvalidLineItem, i)
		}
		if line.Quantity < 1 {
			return domain.PriceBreakdown{}, fmt.Errorf("%w: line %d has non-positive quantity", ErrInvalidLineItem, i)
		}
		quantity := int64(line.Quantity)
		if line.UnitPrice > 0 && line.UnitPrice > math.MaxInt64/quantity {
			return domain.PriceBreakdown{}, fmt.Errorf("%w: line %d total overflows", ErrInvalidLineItem, i)
		}
		lineTotal := line.UnitPrice * quantity
		if subtotal > math.MaxInt64-lineTotal {
			return domain.PriceBreakdown{}, fmt.Errorf("%w: cart subtotal overflows", ErrInvalidLineItem)
		}
		subtotal += lineTotal
	}

	fee := deliveryFee(subtotal)
	tax := taxHalfUp(subtotal)

	return domain.PriceBreakdown{
		Subtotal:    subtotal,
		DeliveryFee: fee,
		Tax:         tax,
		Total:       subtotal + fee + tax,
	}, nil
}

func deliveryFee(subtotal int64) int64 {
	if subtotal > FreeDeliveryThresholdMinor {
		return 0
	}
	return DeliveryFeeMinor
}

// taxHalfUp computes TaxRatePercent of the subtotal in integer arithmetic,
// rounding half-up to the nearest minor unit.
func taxHalfUp(subtotal int64) int64 {
	return (subtotal*TaxRatePercent + 50) / 100
}
