package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buzzbook/coupon-service/internal/domain/policy"
)

const (
	insertPolicySQL = `INSERT INTO coupon_policies
		(name, discount_type, discount_rate, discount_amount, max_discount_amount,
		 standard_price, start_date, end_date, period_days, coupon_type_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	policyColumns = `id, name, discount_type, discount_rate, discount_amount,
		max_discount_amount, standard_price, start_date, end_date, period_days,
		coupon_type_id, deleted, created_at`

	getPolicyByIDSQL = `SELECT ` + policyColumns + ` FROM coupon_policies WHERE id = $1`

	getPolicyByNameSQL = `SELECT ` + policyColumns + `
		FROM coupon_policies WHERE name = $1 AND NOT deleted
		ORDER BY id LIMIT 1`

	listPoliciesSQL = `SELECT ` + policyColumns + `
		FROM coupon_policies WHERE NOT deleted
		ORDER BY id OFFSET $1 LIMIT $2`

	updateEndDateSQL = `UPDATE coupon_policies SET end_date = $2
		WHERE id = $1 AND NOT deleted`

	softDeletePolicySQL = `UPDATE coupon_policies SET deleted = TRUE
		WHERE id = $1 AND NOT deleted`

	lockPolicySQL = `SELECT id FROM coupon_policies WHERE id = $1 FOR UPDATE`

	bindCategorySQL = `INSERT INTO category_coupons (policy_id, category_id)
		SELECT $1, $2
		WHERE NOT EXISTS (SELECT 1 FROM specific_coupons WHERE policy_id = $1)
		ON CONFLICT (policy_id) DO NOTHING`

	bindItemSQL = `INSERT INTO specific_coupons (policy_id, item_id)
		SELECT $1, $2
		WHERE NOT EXISTS (SELECT 1 FROM category_coupons WHERE policy_id = $1)
		ON CONFLICT (policy_id) DO NOTHING`

	getScopeSQL = `SELECT
		COALESCE(c.category_id, 0), COALESCE(s.item_id, 0)
		FROM coupon_policies p
		LEFT JOIN category_coupons c ON c.policy_id = p.id
		LEFT JOIN specific_coupons s ON s.policy_id = p.id
		WHERE p.id = $1`

	// Most-specific scopes first; final ordering is applied by the resolver.
	findCandidatesSQL = `SELECT ` + prefixedPolicyColumns + `, 2 AS specificity
		FROM coupon_policies p
		JOIN specific_coupons s ON s.policy_id = p.id AND s.item_id = $1
		WHERE NOT p.deleted
	UNION ALL
	SELECT ` + prefixedPolicyColumns + `, 1
		FROM coupon_policies p
		JOIN category_coupons c ON c.policy_id = p.id AND c.category_id = $2
		WHERE NOT p.deleted
	UNION ALL
	SELECT ` + prefixedPolicyColumns + `, 0
		FROM coupon_policies p
		LEFT JOIN specific_coupons s ON s.policy_id = p.id
		LEFT JOIN category_coupons c ON c.policy_id = p.id
		WHERE s.policy_id IS NULL AND c.policy_id IS NULL AND NOT p.deleted
	ORDER BY specificity DESC, id`

	prefixedPolicyColumns = `p.id, p.name, p.discount_type, p.discount_rate,
		p.discount_amount, p.max_discount_amount, p.standard_price, p.start_date,
		p.end_date, p.period_days, p.coupon_type_id, p.deleted, p.created_at`

	existsByCategorySQL = `SELECT EXISTS (
		SELECT 1 FROM category_coupons WHERE category_id = $1)`

	upsertCouponTypeSQL = `INSERT INTO coupon_types (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`

	listCouponTypesSQL = `SELECT id, name FROM coupon_types ORDER BY id`
)

var (
	_ policy.Repository      = (*PolicyRepository)(nil)
	_ policy.ScopeRepository = (*PolicyRepository)(nil)
)

// PolicyRepository implements policy.Repository and policy.ScopeRepository
// backed by PostgreSQL. Scope associations live in two tables with a unique
// policy_id each; exclusivity across the tables is enforced by serializing
// binds on the policy row lock.
type PolicyRepository struct {
	pool   *pgxpool.Pool
	runner *TxRunner
}

// NewPolicyRepository returns a PolicyRepository that uses the given pool.
func NewPolicyRepository(pool *pgxpool.Pool) *PolicyRepository {
	return &PolicyRepository{pool: pool, runner: NewTxRunner(pool)}
}

// Create persists the policy and its scope association atomically.
func (r *PolicyRepository) Create(ctx context.Context, p *policy.Policy, scope policy.Scope) (int64, error) {
	var id int64
	err := r.runner.WithinTx(ctx, func(ctx context.Context) error {
		q := querierFrom(ctx, r.pool)
		err := q.QueryRow(ctx, insertPolicySQL,
			p.Name, string(p.DiscountType), p.DiscountRate, p.DiscountAmount,
			p.MaxDiscountAmount, p.StandardPrice, p.StartDate, p.EndDate,
			p.PeriodDays, p.CouponTypeID,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("inserting policy %q: %w", p.Name, err)
		}
		if scope.RangeWide() {
			return nil
		}
		return r.Bind(ctx, id, scope)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetByID returns the policy row, including soft-deleted ones with the
// Deleted flag set. Returns policy.ErrPolicyNotFound when the id is unknown.
func (r *PolicyRepository) GetByID(ctx context.Context, id int64) (*policy.Policy, error) {
	rows, err := querierFrom(ctx, r.pool).Query(ctx, getPolicyByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("finding policy %d: %w", id, err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanPolicy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, policy.ErrPolicyNotFound
		}
		return nil, fmt.Errorf("finding policy %d: %w", id, err)
	}
	return &p, nil
}

// GetByName returns the oldest non-deleted policy with the given name.
// Returns policy.ErrPolicyNotFound when none exists.
func (r *PolicyRepository) GetByName(ctx context.Context, name string) (*policy.Policy, error) {
	rows, err := querierFrom(ctx, r.pool).Query(ctx, getPolicyByNameSQL, name)
	if err != nil {
		return nil, fmt.Errorf("finding policy by name %q: %w", name, err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanPolicy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, policy.ErrPolicyNotFound
		}
		return nil, fmt.Errorf("finding policy by name %q: %w", name, err)
	}
	return &p, nil
}

// List returns non-deleted policies in insertion order.
func (r *PolicyRepository) List(ctx context.Context, offset, limit int) ([]policy.Policy, error) {
	rows, err := querierFrom(ctx, r.pool).Query(ctx, listPoliciesSQL, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("listing policies: %w", err)
	}

	policies, err := pgx.CollectRows(rows, scanPolicy)
	if err != nil {
		return nil, fmt.Errorf("listing policies: %w", err)
	}
	return policies, nil
}

// UpdateEndDate replaces the end date of a live policy.
func (r *PolicyRepository) UpdateEndDate(ctx context.Context, id int64, endDate time.Time) error {
	tag, err := querierFrom(ctx, r.pool).Exec(ctx, updateEndDateSQL, id, endDate)
	if err != nil {
		return fmt.Errorf("updating end date of policy %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return policy.ErrPolicyNotFound
	}
	return nil
}

// SoftDelete marks the policy deleted. The second delete of the same policy
// affects no rows and fails with policy.ErrPolicyNotFound.
func (r *PolicyRepository) SoftDelete(ctx context.Context, id int64) error {
	tag, err := querierFrom(ctx, r.pool).Exec(ctx, softDeletePolicySQL, id)
	if err != nil {
		return fmt.Errorf("deleting policy %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return policy.ErrPolicyNotFound
	}
	return nil
}

// Bind creates the scope association, refusing a second association of any
// kind with policy.ErrScopeConflict. The policy row is locked for the
// duration of the transaction: concurrent binds of different kinds would
// otherwise both pass the cross-table NOT EXISTS check under read committed
// and leave the policy with two associations.
func (r *PolicyRepository) Bind(ctx context.Context, policyID int64, scope policy.Scope) error {
	var (
		sql    string
		target int64
	)
	switch scope.Kind {
	case policy.ScopeCategory:
		sql, target = bindCategorySQL, scope.CategoryID
	case policy.ScopeItem:
		sql, target = bindItemSQL, scope.ItemID
	default:
		return fmt.Errorf("cannot bind scope kind %q", scope.Kind)
	}

	return r.runner.WithinTx(ctx, func(ctx context.Context) error {
		q := querierFrom(ctx, r.pool)

		var locked int64
		if err := q.QueryRow(ctx, lockPolicySQL, policyID).Scan(&locked); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return policy.ErrPolicyNotFound
			}
			return fmt.Errorf("locking policy %d: %w", policyID, err)
		}

		tag, err := q.Exec(ctx, sql, policyID, target)
		if err != nil {
			return fmt.Errorf("binding %s scope to policy %d: %w", scope.Kind, policyID, err)
		}
		if tag.RowsAffected() == 0 {
			return policy.ErrScopeConflict
		}
		return nil
	})
}

// Get returns the policy's scope association, or a range-wide scope when it
// has none. Unknown policies yield policy.ErrPolicyNotFound.
func (r *PolicyRepository) Get(ctx context.Context, policyID int64) (policy.Scope, error) {
	var categoryID, itemID int64
	err := querierFrom(ctx, r.pool).QueryRow(ctx, getScopeSQL, policyID).Scan(&categoryID, &itemID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return policy.Scope{}, policy.ErrPolicyNotFound
		}
		return policy.Scope{}, fmt.Errorf("loading scope of policy %d: %w", policyID, err)
	}

	switch {
	case itemID > 0:
		return policy.Scope{Kind: policy.ScopeItem, ItemID: itemID}, nil
	case categoryID > 0:
		return policy.Scope{Kind: policy.ScopeCategory, CategoryID: categoryID}, nil
	default:
		return policy.Scope{Kind: policy.ScopeRangeWide}, nil
	}
}

// FindCandidates returns non-deleted policies whose scope matches the item,
// its category, or no association at all, tagged with match specificity.
func (r *PolicyRepository) FindCandidates(ctx context.Context, itemID, categoryID int64) ([]policy.Applicable, error) {
	rows, err := querierFrom(ctx, r.pool).Query(ctx, findCandidatesSQL, itemID, categoryID)
	if err != nil {
		return nil, fmt.Errorf("finding applicable policies: %w", err)
	}

	candidates, err := pgx.CollectRows(rows, scanApplicable)
	if err != nil {
		return nil, fmt.Errorf("finding applicable policies: %w", err)
	}
	return candidates, nil
}

// ExistsByCategory reports whether any policy is scoped to the category.
func (r *PolicyRepository) ExistsByCategory(ctx context.Context, categoryID int64) (bool, error) {
	var exists bool
	err := querierFrom(ctx, r.pool).QueryRow(ctx, existsByCategorySQL, categoryID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking category %d: %w", categoryID, err)
	}
	return exists, nil
}

// EnsureCouponType inserts the named coupon type if absent and returns its id.
func (r *PolicyRepository) EnsureCouponType(ctx context.Context, name string) (int64, error) {
	var id int64
	err := querierFrom(ctx, r.pool).QueryRow(ctx, upsertCouponTypeSQL, name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ensuring coupon type %q: %w", name, err)
	}
	return id, nil
}

// ListCouponTypes returns all coupon types in insertion order.
func (r *PolicyRepository) ListCouponTypes(ctx context.Context) ([]policy.CouponType, error) {
	rows, err := querierFrom(ctx, r.pool).Query(ctx, listCouponTypesSQL)
	if err != nil {
		return nil, fmt.Errorf("listing coupon types: %w", err)
	}

	types, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (policy.CouponType, error) {
		var t policy.CouponType
		err := row.Scan(&t.ID, &t.Name)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("listing coupon types: %w", err)
	}
	return types, nil
}

func scanPolicy(row pgx.CollectableRow) (policy.Policy, error) {
	var (
		p            policy.Policy
		discountType string
	)
	err := row.Scan(
		&p.ID, &p.Name, &discountType, &p.DiscountRate, &p.DiscountAmount,
		&p.MaxDiscountAmount, &p.StandardPrice, &p.StartDate, &p.EndDate,
		&p.PeriodDays, &p.CouponTypeID, &p.Deleted, &p.CreatedAt,
	)
	p.DiscountType = policy.DiscountType(discountType)
	return p, err
}

func scanApplicable(row pgx.CollectableRow) (policy.Applicable, error) {
	var (
		a            policy.Applicable
		discountType string
		specificity  int16
	)
	err := row.Scan(
		&a.Policy.ID, &a.Policy.Name, &discountType, &a.Policy.DiscountRate,
		&a.Policy.DiscountAmount, &a.Policy.MaxDiscountAmount,
		&a.Policy.StandardPrice, &a.Policy.StartDate, &a.Policy.EndDate,
		&a.Policy.PeriodDays, &a.Policy.CouponTypeID, &a.Policy.Deleted,
		&a.Policy.CreatedAt, &specificity,
	)
	a.Policy.DiscountType = policy.DiscountType(discountType)
	a.Specificity = policy.Specificity(specificity)
	return a, err
}
