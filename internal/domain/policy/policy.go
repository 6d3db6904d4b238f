package policy

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// DiscountType enumerates the supported discount strategies for a policy.
type DiscountType string

const (
	// DiscountTypeRate applies a fractional rate of the purchase price.
	DiscountTypeRate DiscountType = "rate"
	// DiscountTypeAmount applies a fixed monetary discount.
	DiscountTypeAmount DiscountType = "amount"
)

// ErrUnknownDiscountType is returned when a discount type token cannot be
// parsed. Absent or empty input is a parse failure, never a default.
var ErrUnknownDiscountType = errors.New("unknown discount type")

// ParseDiscountType parses the wire token for a discount type.
// Input is case-insensitive; the canonical form is lower-case.
func ParseDiscountType(s string) (DiscountType, error) {
	switch strings.ToLower(s) {
	case "rate":
		return DiscountTypeRate, nil
	case "amount":
		return DiscountTypeAmount, nil
	default:
		return "", errors.Wrapf(ErrUnknownDiscountType, "%q", s)
	}
}

// String returns the lower-case wire token.
func (t DiscountType) String() string { return string(t) }

// MarshalJSON serializes the discount type as its lower-case token.
func (t DiscountType) MarshalJSON() ([]byte, error) {
	if _, err := ParseDiscountType(string(t)); err != nil {
		return nil, err
	}
	return []byte(`"` + string(t) + `"`), nil
}

// UnmarshalJSON parses a discount type from a JSON string. Null and any
// token outside {"rate", "amount"} are rejected.
func (t *DiscountType) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return errors.Wrapf(ErrUnknownDiscountType, "%s", s)
	}
	parsed, err := ParseDiscountType(s[1 : len(s)-1])
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// CouponType is a named scope classification for range-wide policies,
// e.g. "book", "category", "specific". Names are unique.
type CouponType struct {
	ID   int64
	Name string
}

// Policy is a reusable discount rule with a validity window.
//
// Exactly one of DiscountRate / DiscountAmount is active, selected by
// DiscountType. Policies are immutable after creation except for EndDate,
// and are soft-deleted once any coupon instance has been issued against them.
type Policy struct {
	ID                int64
	Name              string
	DiscountType      DiscountType
	DiscountRate      decimal.Decimal // fraction in (0, 1], used iff rate
	DiscountAmount    decimal.Decimal // fixed amount > 0, used iff amount
	MaxDiscountAmount decimal.Decimal // absolute cap on the discount
	StandardPrice     decimal.Decimal // minimum qualifying purchase price
	StartDate         time.Time
	EndDate           time.Time
	PeriodDays        int // > 0 for period-based policies; instance expiry = issuance time + period
	CouponTypeID      int64
	Deleted           bool
	CreatedAt         time.Time
}

// ValidAt reports whether the policy can be issued or applied at the given
// instant: not soft-deleted and inside [StartDate, EndDate).
func (p *Policy) ValidAt(now time.Time) bool {
	return !p.Deleted && !now.Before(p.StartDate) && now.Before(p.EndDate)
}

// InstanceExpiry computes the expiry for a coupon instance issued at the
// given time: issuance time plus the period for period-based policies,
// otherwise the policy's fixed end date.
func (p *Policy) InstanceExpiry(issuedAt time.Time) time.Time {
	if p.PeriodDays > 0 {
		return issuedAt.AddDate(0, 0, p.PeriodDays)
	}
	return p.EndDate
}

// Repository provides lookup and mutation of coupon policies.
type Repository interface {
	Create(ctx context.Context, p *Policy, scope Scope) (int64, error)
	// GetByID returns the policy row even when soft-deleted, so callers can
	// distinguish "never existed" from "deleted"; the Deleted flag is set.
	GetByID(ctx context.Context, id int64) (*Policy, error)
	GetByName(ctx context.Context, name string) (*Policy, error)
	List(ctx context.Context, offset, limit int) ([]Policy, error)
	UpdateEndDate(ctx context.Context, id int64, endDate time.Time) error
	// SoftDelete marks the policy deleted. Returns ErrPolicyNotFound when the
	// policy does not exist or is already deleted, so repeated deletes fail.
	SoftDelete(ctx context.Context, id int64) error
}
