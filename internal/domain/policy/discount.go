package policy

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var zero = decimal.Zero

// Compute calculates the discount a policy grants for a purchase price.
// It returns ErrIneligiblePurchase when the price is below the policy's
// standard price. The discount never exceeds the policy's cap nor the price
// itself, and is never negative. Deterministic, no I/O.
func Compute(p *Policy, price decimal.Decimal) (decimal.Decimal, error) {
	if price.LessThan(p.StandardPrice) {
		return zero, ErrIneligiblePurchase
	}

	var raw decimal.Decimal
	switch p.DiscountType {
	case DiscountTypeRate:
		raw = price.Mul(p.DiscountRate)
	case DiscountTypeAmount:
		raw = p.DiscountAmount
	default:
		return zero, errors.Wrapf(ErrUnknownDiscountType, "%q", p.DiscountType)
	}

	discount := decimal.Min(raw, p.MaxDiscountAmount, price)
	if discount.IsNegative() {
		return zero, nil
	}
	return discount.Round(2), nil
}
