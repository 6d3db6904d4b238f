package policy

import (
	"time"

	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// CreatePolicy holds the input for creating a policy. Either EndDate or
// PeriodDays must be supplied; a zero StartDate defaults to the validation
// time.
type CreatePolicy struct {
	Name              string
	DiscountType      DiscountType
	DiscountRate      decimal.Decimal
	DiscountAmount    decimal.Decimal
	MaxDiscountAmount decimal.Decimal
	StandardPrice     decimal.Decimal
	StartDate         time.Time
	EndDate           time.Time
	PeriodDays        int
	CouponTypeID      int64
	Scope             Scope
}

// Validator enforces field-level and cross-field invariants on policy
// creation and update. It is pure: no storage access, no side effects.
type Validator struct {
	now func() time.Time
}

// NewValidator creates a Validator using the wall clock.
func NewValidator() *Validator {
	return &Validator{now: time.Now}
}

// ValidateCreate checks every invariant on the input and returns the
// validated policy. On failure it returns a *ValidationError carrying one
// entry per violated field.
func (v *Validator) ValidateCreate(input CreatePolicy) (*Policy, error) {
	verr := &ValidationError{}

	if input.Name == "" {
		verr.add("name", "must not be empty")
	}

	switch input.DiscountType {
	case DiscountTypeRate:
		if !input.DiscountRate.IsPositive() || input.DiscountRate.GreaterThan(one) {
			verr.add("discountRate", "must be in (0, 1] for rate policies")
		}
	case DiscountTypeAmount:
		if !input.DiscountAmount.IsPositive() {
			verr.add("discountAmount", "must be greater than 0 for amount policies")
		}
	default:
		verr.add("discountType", `must be "rate" or "amount"`)
	}

	if input.MaxDiscountAmount.IsNegative() {
		verr.add("maxDiscountAmount", "must not be negative")
	}
	if input.StandardPrice.IsNegative() {
		verr.add("standardPrice", "must not be negative")
	}

	start := input.StartDate
	if start.IsZero() {
		start = v.now()
	}
	end := input.EndDate
	switch {
	case input.PeriodDays > 0 && !input.EndDate.IsZero():
		verr.add("period", "period and explicit end date are mutually exclusive")
	case input.PeriodDays > 0:
		end = start.AddDate(0, 0, input.PeriodDays)
	case input.PeriodDays < 0:
		verr.add("period", "must be greater than 0")
	case end.IsZero():
		verr.add("endDate", "either end date or period is required")
	}
	if !end.IsZero() && !end.After(start) {
		verr.add("endDate", "must be strictly after the start date")
	}

	if err := input.Scope.validate(); err != nil {
		verr.add("scope", err.Error())
	}

	if len(verr.Fields) > 0 {
		return nil, verr
	}

	return &Policy{
		Name:              input.Name,
		DiscountType:      input.DiscountType,
		DiscountRate:      input.DiscountRate,
		DiscountAmount:    input.DiscountAmount,
		MaxDiscountAmount: input.MaxDiscountAmount,
		StandardPrice:     input.StandardPrice,
		StartDate:         start,
		EndDate:           end,
		PeriodDays:        input.PeriodDays,
		CouponTypeID:      input.CouponTypeID,
	}, nil
}

// ValidateUpdate checks the only mutation this domain permits: replacing a
// policy's end date. Returns ErrPolicyNotFound when the policy is unknown or
// soft-deleted, ErrInvalidEndDate when the new end date does not extend a
// window that is still open.
func (v *Validator) ValidateUpdate(existing *Policy, newEnd time.Time) error {
	if existing == nil || existing.Deleted {
		return ErrPolicyNotFound
	}
	if !newEnd.After(existing.StartDate) || newEnd.Before(v.now()) {
		return ErrInvalidEndDate
	}
	return nil
}
