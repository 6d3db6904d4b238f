package issuance

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// Status is the lifecycle state of an issued coupon.
//
// AVAILABLE --redeem--> USED (terminal)
// AVAILABLE --expiry passes--> EXPIRED (terminal, evaluated lazily on read)
type Status string

const (
	StatusAvailable Status = "AVAILABLE"
	StatusUsed      Status = "USED"
	StatusExpired   Status = "EXPIRED"
)

var (
	// ErrCouponNotFound is returned when a coupon instance does not exist or
	// does not belong to the requesting user.
	ErrCouponNotFound = errors.New("coupon not found")
	// ErrInvalidState is returned on an illegal instance transition, e.g.
	// redeeming a used or expired coupon.
	ErrInvalidState = errors.New("invalid coupon state transition")
	// ErrPolicyUnavailable is returned when issuance is attempted against a
	// soft-deleted policy or outside its validity window.
	ErrPolicyUnavailable = errors.New("coupon policy unavailable for issuance")
	// ErrAlreadyIssued is surfaced by the storage layer when the idempotency
	// key for (policy, user) already exists.
	ErrAlreadyIssued = errors.New("coupon already issued for this policy and user")
)

// Coupon is a concrete, user-owned issuance of a policy, redeemable once.
type Coupon struct {
	ID        int64
	PolicyID  int64
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
	Status    Status
	UsedAt    *time.Time
}

// EffectiveStatus applies lazy expiry: a stored AVAILABLE status counts as
// EXPIRED once the expiry instant has passed. USED and EXPIRED never revert.
func (c *Coupon) EffectiveStatus(now time.Time) Status {
	if c.Status == StatusAvailable && !now.Before(c.ExpiresAt) {
		return StatusExpired
	}
	return c.Status
}

// Repository stores coupon instances. Implementations must honor the ambient
// transaction carried in the context when one is present.
type Repository interface {
	// Insert persists a new AVAILABLE instance and returns its id.
	Insert(ctx context.Context, c *Coupon) (int64, error)
	// InsertIdempotent persists a new instance guarded by a (policy, user)
	// uniqueness key. Returns ErrAlreadyIssued without inserting when the key
	// is already claimed.
	InsertIdempotent(ctx context.Context, c *Coupon) (int64, error)
	GetByID(ctx context.Context, id int64) (*Coupon, error)
	// FindByPolicyAndUser returns the instance recorded under the idempotency
	// key, or ErrCouponNotFound.
	FindByPolicyAndUser(ctx context.Context, policyID, userID int64) (*Coupon, error)
	// MarkUsed performs the conditional AVAILABLE -> USED transition and
	// reports whether this caller won it.
	MarkUsed(ctx context.Context, id int64, usedAt time.Time) (bool, error)
	// MarkExpired persists a lazily observed expiry. Only AVAILABLE rows are
	// touched.
	MarkExpired(ctx context.Context, id int64) error
}

// TxRunner executes fn inside a storage transaction. Nested calls join the
// ambient transaction instead of opening a new one.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
