package issuance

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/buzzbook/coupon-service/internal/domain/policy"
)

// IssuedHint is an optional fast-path cache over the (policy, user)
// idempotency keys. MayExist may return false positives but never false
// negatives for keys passed to Remember; when it returns false the duplicate
// lookup is skipped. The storage uniqueness key stays authoritative.
type IssuedHint interface {
	MayExist(policyID, userID int64) bool
	Remember(policyID, userID int64)
}

type nopHint struct{}

func (nopHint) MayExist(int64, int64) bool { return true }
func (nopHint) Remember(int64, int64)      {}

// IssueResult is the outcome of an idempotent issuance.
type IssueResult struct {
	CouponID int64
	// Existing is true when the coupon had already been issued for the
	// (policy, user) pair and no new instance was created.
	Existing bool
}

// Coordinator owns coupon-instance creation and state transitions. All
// durable writes run inside the ambient transaction when one is present.
type Coordinator struct {
	policies policy.Repository
	coupons  Repository
	tx       TxRunner
	hint     IssuedHint
	now      func() time.Time
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(policies policy.Repository, coupons Repository, tx TxRunner) *Coordinator {
	return &Coordinator{
		policies: policies,
		coupons:  coupons,
		tx:       tx,
		hint:     nopHint{},
		now:      time.Now,
	}
}

// WithIssuedHint installs a fast-path cache for idempotent issuance.
func (c *Coordinator) WithIssuedHint(h IssuedHint) *Coordinator {
	c.hint = h
	return c
}

// CreateCoupon issues a new AVAILABLE coupon for the user against the policy
// and returns the instance id. It performs no duplicate suppression; callers
// needing at-most-one-per-user semantics use CreateCouponIdempotent.
func (c *Coordinator) CreateCoupon(ctx context.Context, policyID, userID int64) (int64, error) {
	coupon, err := c.buildInstance(ctx, policyID, userID)
	if err != nil {
		return 0, err
	}

	var id int64
	err = c.tx.WithinTx(ctx, func(ctx context.Context) error {
		var txErr error
		id, txErr = c.coupons.Insert(ctx, coupon)
		return txErr
	})
	if err != nil {
		return 0, errors.Wrap(err, "insert coupon")
	}
	return id, nil
}

// CreateCouponIdempotent issues at most one coupon per (policy, user) pair.
// Redelivered requests receive the already-issued instance id as a success.
func (c *Coordinator) CreateCouponIdempotent(ctx context.Context, policyID, userID int64) (IssueResult, error) {
	if c.hint.MayExist(policyID, userID) {
		existing, err := c.coupons.FindByPolicyAndUser(ctx, policyID, userID)
		switch {
		case err == nil:
			return IssueResult{CouponID: existing.ID, Existing: true}, nil
		case !errors.Is(err, ErrCouponNotFound):
			return IssueResult{}, errors.Wrap(err, "lookup existing issuance")
		}
	}

	coupon, err := c.buildInstance(ctx, policyID, userID)
	if err != nil {
		return IssueResult{}, err
	}

	var id int64
	err = c.tx.WithinTx(ctx, func(ctx context.Context) error {
		var txErr error
		id, txErr = c.coupons.InsertIdempotent(ctx, coupon)
		return txErr
	})
	if errors.Is(err, ErrAlreadyIssued) {
		// Lost the race or the hint was cold: surface the winner's instance.
		existing, findErr := c.coupons.FindByPolicyAndUser(ctx, policyID, userID)
		if findErr != nil {
			return IssueResult{}, errors.Wrap(findErr, "lookup winning issuance")
		}
		c.hint.Remember(policyID, userID)
		return IssueResult{CouponID: existing.ID, Existing: true}, nil
	}
	if err != nil {
		return IssueResult{}, errors.Wrap(err, "insert coupon")
	}

	c.hint.Remember(policyID, userID)
	return IssueResult{CouponID: id}, nil
}

// Redeem consumes an AVAILABLE coupon exactly once. Expiry is evaluated at
// read time and takes priority over a stale AVAILABLE status. Exactly one of
// any concurrent callers wins the transition; the rest get ErrInvalidState.
func (c *Coordinator) Redeem(ctx context.Context, instanceID, userID int64) error {
	coupon, err := c.coupons.GetByID(ctx, instanceID)
	if err != nil {
		return err
	}
	if coupon.UserID != userID {
		return ErrCouponNotFound
	}

	now := c.now()
	switch coupon.EffectiveStatus(now) {
	case StatusUsed:
		return ErrInvalidState
	case StatusExpired:
		if coupon.Status == StatusAvailable {
			// Persist the lazily observed expiry; the redeem fails either way.
			if mErr := c.coupons.MarkExpired(ctx, instanceID); mErr != nil {
				return errors.Wrap(mErr, "mark expired")
			}
		}
		return ErrInvalidState
	}

	return c.tx.WithinTx(ctx, func(ctx context.Context) error {
		won, txErr := c.coupons.MarkUsed(ctx, instanceID, now)
		if txErr != nil {
			return errors.Wrap(txErr, "mark used")
		}
		if !won {
			return ErrInvalidState
		}
		return nil
	})
}

// Get returns the coupon with lazy expiry applied to the view.
func (c *Coordinator) Get(ctx context.Context, instanceID int64) (*Coupon, error) {
	coupon, err := c.coupons.GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	coupon.Status = coupon.EffectiveStatus(c.now())
	return coupon, nil
}

func (c *Coordinator) buildInstance(ctx context.Context, policyID, userID int64) (*Coupon, error) {
	p, err := c.policies.GetByID(ctx, policyID)
	if err != nil {
		if errors.Is(err, policy.ErrPolicyNotFound) {
			return nil, policy.ErrPolicyNotFound
		}
		return nil, errors.Wrap(err, "load policy")
	}

	now := c.now()
	if !p.ValidAt(now) {
		return nil, ErrPolicyUnavailable
	}

	return &Coupon{
		PolicyID:  policyID,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: p.InstanceExpiry(now),
		Status:    StatusAvailable,
	}, nil
}
