package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buzzbook/coupon-service/internal/domain/issuance"
)

const (
	insertCouponSQL = `INSERT INTO coupon_instances
		(policy_id, user_id, created_at, expires_at, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	// Claiming the key first keeps the transaction free of constraint
	// errors: a duplicate simply inserts nothing.
	claimIssuanceKeySQL = `INSERT INTO issuance_keys (policy_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (policy_id, user_id) DO NOTHING
		RETURNING id`

	attachIssuanceKeySQL = `UPDATE issuance_keys SET coupon_id = $2 WHERE id = $1`

	couponColumns = `id, policy_id, user_id, created_at, expires_at, status, used_at`

	getCouponByIDSQL = `SELECT ` + couponColumns + ` FROM coupon_instances WHERE id = $1`

	findByPolicyAndUserSQL = `SELECT ` + couponColumns + `
		FROM coupon_instances
		WHERE id = (SELECT coupon_id FROM issuance_keys
			WHERE policy_id = $1 AND user_id = $2)`

	markUsedSQL = `UPDATE coupon_instances
		SET status = 'USED', used_at = $2
		WHERE id = $1 AND status = 'AVAILABLE'`

	markExpiredSQL = `UPDATE coupon_instances
		SET status = 'EXPIRED'
		WHERE id = $1 AND status = 'AVAILABLE'`
)

var _ issuance.Repository = (*CouponRepository)(nil)

// CouponRepository implements issuance.Repository backed by PostgreSQL.
// All statements run against the ambient transaction when one is present.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// Insert persists a new coupon instance and returns its id.
func (r *CouponRepository) Insert(ctx context.Context, c *issuance.Coupon) (int64, error) {
	var id int64
	err := querierFrom(ctx, r.pool).QueryRow(ctx, insertCouponSQL,
		c.PolicyID, c.UserID, c.CreatedAt, c.ExpiresAt, string(c.Status),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting coupon for user %d: %w", c.UserID, err)
	}
	return id, nil
}

// InsertIdempotent claims the (policy, user) uniqueness key, then inserts the
// instance and attaches it to the key. A concurrent claimer blocks on the
// unique index until the first transaction commits, then observes the
// conflict, so exactly one instance is ever created per pair.
func (r *CouponRepository) InsertIdempotent(ctx context.Context, c *issuance.Coupon) (int64, error) {
	q := querierFrom(ctx, r.pool)

	var keyID int64
	err := q.QueryRow(ctx, claimIssuanceKeySQL, c.PolicyID, c.UserID).Scan(&keyID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, issuance.ErrAlreadyIssued
		}
		return 0, fmt.Errorf("claiming issuance key: %w", err)
	}

	id, err := r.Insert(ctx, c)
	if err != nil {
		return 0, err
	}
	if _, err := q.Exec(ctx, attachIssuanceKeySQL, keyID, id); err != nil {
		return 0, fmt.Errorf("attaching coupon %d to issuance key: %w", id, err)
	}
	return id, nil
}

// GetByID returns the coupon instance, or issuance.ErrCouponNotFound.
func (r *CouponRepository) GetByID(ctx context.Context, id int64) (*issuance.Coupon, error) {
	rows, err := querierFrom(ctx, r.pool).Query(ctx, getCouponByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("finding coupon %d: %w", id, err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, issuance.ErrCouponNotFound
		}
		return nil, fmt.Errorf("finding coupon %d: %w", id, err)
	}
	return &c, nil
}

// FindByPolicyAndUser returns the instance recorded under the idempotency
// key, or issuance.ErrCouponNotFound.
func (r *CouponRepository) FindByPolicyAndUser(ctx context.Context, policyID, userID int64) (*issuance.Coupon, error) {
	rows, err := querierFrom(ctx, r.pool).Query(ctx, findByPolicyAndUserSQL, policyID, userID)
	if err != nil {
		return nil, fmt.Errorf("finding coupon for policy %d user %d: %w", policyID, userID, err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, issuance.ErrCouponNotFound
		}
		return nil, fmt.Errorf("finding coupon for policy %d user %d: %w", policyID, userID, err)
	}
	return &c, nil
}

// MarkUsed performs the conditional AVAILABLE -> USED transition. The status
// predicate serializes concurrent redeems: only one caller affects a row.
func (r *CouponRepository) MarkUsed(ctx context.Context, id int64, usedAt time.Time) (bool, error) {
	tag, err := querierFrom(ctx, r.pool).Exec(ctx, markUsedSQL, id, usedAt)
	if err != nil {
		return false, fmt.Errorf("marking coupon %d used: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkExpired persists a lazily observed expiry.
func (r *CouponRepository) MarkExpired(ctx context.Context, id int64) error {
	_, err := querierFrom(ctx, r.pool).Exec(ctx, markExpiredSQL, id)
	if err != nil {
		return fmt.Errorf("marking coupon %d expired: %w", id, err)
	}
	return nil
}

func scanCoupon(row pgx.CollectableRow) (issuance.Coupon, error) {
	var (
		c      issuance.Coupon
		status string
	)
	err := row.Scan(
		&c.ID, &c.PolicyID, &c.UserID, &c.CreatedAt, &c.ExpiresAt,
		&status, &c.UsedAt,
	)
	c.Status = issuance.Status(status)
	return c, err
}
