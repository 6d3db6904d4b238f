package policy

import (
	"context"
	"sort"
	"time"

	"github.com/go-faster/errors"
)

// ScopeKind enumerates how a policy is targeted at purchasable items.
type ScopeKind string

const (
	// ScopeRangeWide applies the policy to every item of its coupon type.
	ScopeRangeWide ScopeKind = "range"
	// ScopeCategory applies the policy to a single category.
	ScopeCategory ScopeKind = "category"
	// ScopeItem applies the policy to a single item.
	ScopeItem ScopeKind = "item"
)

// Scope binds a policy to exactly one targeting kind. The zero value is
// range-wide. A category and an item target are mutually exclusive.
type Scope struct {
	Kind       ScopeKind
	CategoryID int64
	ItemID     int64
}

// RangeWide reports whether the scope carries no association.
func (s Scope) RangeWide() bool {
	return s.Kind == "" || s.Kind == ScopeRangeWide
}

func (s Scope) validate() error {
	if s.CategoryID > 0 && s.ItemID > 0 {
		return errors.New("category and item targets are mutually exclusive")
	}
	switch s.Kind {
	case "", ScopeRangeWide:
		if s.CategoryID > 0 || s.ItemID > 0 {
			return errors.New("range-wide scope must not carry a target")
		}
	case ScopeCategory:
		if s.CategoryID <= 0 {
			return errors.New("category scope requires a category id")
		}
	case ScopeItem:
		if s.ItemID < 1 {
			return errors.New("item scope requires an item id")
		}
	default:
		return errors.Errorf("unknown scope kind %q", s.Kind)
	}
	return nil
}

// Specificity orders applicable policies: a policy scoped to a single item
// beats a category-scoped one, which beats a range-wide one.
type Specificity int8

const (
	SpecificityRangeWide Specificity = iota
	SpecificityCategory
	SpecificityItem
)

// Applicable pairs a policy with the specificity of the scope that matched.
type Applicable struct {
	Policy      Policy
	Specificity Specificity
}

// ScopeRepository stores and queries policy scope associations.
type ScopeRepository interface {
	// Bind creates the association. Implementations must refuse a second
	// association of any kind with ErrScopeConflict.
	Bind(ctx context.Context, policyID int64, scope Scope) error
	// Get returns the current association, or a range-wide scope when none
	// exists.
	Get(ctx context.Context, policyID int64) (Scope, error)
	// FindCandidates returns non-deleted policies whose scope matches the
	// item or its category, plus range-wide policies, each tagged with the
	// specificity of the match. No validity filtering is performed.
	FindCandidates(ctx context.Context, itemID, categoryID int64) ([]Applicable, error)
	// ExistsByCategory reports whether any category association references
	// the given category.
	ExistsByCategory(ctx context.Context, categoryID int64) (bool, error)
}

// Resolver answers which policies apply to an item and manages scope
// bindings, enforcing scope exclusivity per policy.
type Resolver struct {
	policies Repository
	scopes   ScopeRepository
	now      func() time.Time
}

// NewResolver creates a Resolver over the given repositories.
func NewResolver(policies Repository, scopes ScopeRepository) *Resolver {
	return &Resolver{policies: policies, scopes: scopes, now: time.Now}
}

// BindScope associates a policy with a category or specific item. Binding a
// second association of either kind fails with ErrScopeConflict; range-wide
// is the absence of an association and cannot be bound explicitly.
func (r *Resolver) BindScope(ctx context.Context, policyID int64, scope Scope) error {
	if scope.RangeWide() {
		return errors.Wrap(ErrScopeConflict, "range-wide is the default and has no association")
	}
	if err := scope.validate(); err != nil {
		return err
	}

	p, err := r.policies.GetByID(ctx, policyID)
	if err != nil {
		return err
	}
	if p.Deleted {
		return ErrPolicyNotFound
	}

	existing, err := r.scopes.Get(ctx, policyID)
	if err != nil {
		return errors.Wrap(err, "load existing scope")
	}
	if !existing.RangeWide() {
		return ErrScopeConflict
	}

	return r.scopes.Bind(ctx, policyID, scope)
}

// ResolveApplicable returns the currently-valid, non-deleted policies whose
// scope matches the item, ordered most-specific first (item > category >
// range-wide). Overlapping matches are valid and expected; only identity
// dedup applies.
func (r *Resolver) ResolveApplicable(ctx context.Context, itemID, categoryID int64) ([]Applicable, error) {
	candidates, err := r.scopes.FindCandidates(ctx, itemID, categoryID)
	if err != nil {
		return nil, errors.Wrap(err, "find scope candidates")
	}

	now := r.now()
	type identity struct {
		policyID    int64
		specificity Specificity
	}
	applicable := make([]Applicable, 0, len(candidates))
	seen := make(map[identity]struct{}, len(candidates))
	for _, c := range candidates {
		if !c.Policy.ValidAt(now) {
			continue
		}
		id := identity{policyID: c.Policy.ID, specificity: c.Specificity}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		applicable = append(applicable, c)
	}

	sort.SliceStable(applicable, func(i, j int) bool {
		return applicable[i].Specificity > applicable[j].Specificity
	})
	return applicable, nil
}

// ExistsByCategory reports whether any policy is scoped to the category.
// Unknown categories return false, never an error.
func (r *Resolver) ExistsByCategory(ctx context.Context, categoryID int64) bool {
	if categoryID <= 0 {
		return false
	}
	ok, err := r.scopes.ExistsByCategory(ctx, categoryID)
	if err != nil {
		return false
	}
	return ok
}
