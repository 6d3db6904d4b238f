package policy

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// Service bundles the policy lifecycle: validated creation with a scope
// association, paginated listing, the single permitted mutation (end date),
// and soft deletion.
type Service struct {
	repo      Repository
	validator *Validator
}

// NewService creates a policy Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, validator: NewValidator()}
}

// Create validates the input and persists the policy together with its scope
// association in one write.
func (s *Service) Create(ctx context.Context, input CreatePolicy) (*Policy, error) {
	p, err := s.validator.ValidateCreate(input)
	if err != nil {
		return nil, err
	}

	id, err := s.repo.Create(ctx, p, input.Scope)
	if err != nil {
		return nil, errors.Wrap(err, "persist policy")
	}
	p.ID = id
	return p, nil
}

// Get returns the policy by id, ErrPolicyNotFound when unknown or deleted.
func (s *Service) Get(ctx context.Context, id int64) (*Policy, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Deleted {
		return nil, ErrPolicyNotFound
	}
	return p, nil
}

// List returns policies in insertion order, paginated.
func (s *Service) List(ctx context.Context, page, size int) ([]Policy, error) {
	if page < 0 {
		page = 0
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	return s.repo.List(ctx, page*size, size)
}

// UpdateEndDate replaces the policy's end date, the only mutable field, and
// returns the updated policy. Every other field is preserved unchanged.
func (s *Service) UpdateEndDate(ctx context.Context, id int64, newEnd time.Time) (*Policy, error) {
	existing, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrPolicyNotFound) {
			return nil, ErrPolicyNotFound
		}
		return nil, errors.Wrap(err, "load policy")
	}

	if err := s.validator.ValidateUpdate(existing, newEnd); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateEndDate(ctx, id, newEnd); err != nil {
		return nil, errors.Wrap(err, "update end date")
	}

	existing.EndDate = newEnd
	return existing, nil
}

// Delete soft-deletes the policy. A second delete of the same policy fails
// with ErrPolicyNotFound.
func (s *Service) Delete(ctx context.Context, id int64) error {
	return s.repo.SoftDelete(ctx, id)
}
