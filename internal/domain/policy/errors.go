package policy

import (
	"fmt"
	"strings"

	"github.com/go-faster/errors"
)

// Sentinel errors shared across the policy domain.
var (
	// ErrPolicyNotFound is returned when a policy id or name is unknown or
	// the policy has been soft-deleted.
	ErrPolicyNotFound = errors.New("coupon policy not found")
	// ErrScopeConflict is returned when a policy would simultaneously hold a
	// category and a specific-item scope association.
	ErrScopeConflict = errors.New("policy already has a conflicting scope association")
	// ErrIneligiblePurchase is returned when a purchase price is below the
	// policy's minimum qualifying price.
	ErrIneligiblePurchase = errors.New("purchase price below policy standard price")
	// ErrInvalidEndDate is returned when an updated end date is not strictly
	// after the policy's start date or lies in the past.
	ErrInvalidEndDate = errors.New("end date must be after the start date and not in the past")
)

// FieldError describes a single violated field in a create request.
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ValidationError aggregates one entry per violated field.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Error()
	}
	return "invalid policy: " + strings.Join(parts, "; ")
}

// Has reports whether the error carries an entry for the given field.
func (e *ValidationError) Has(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

func (e *ValidationError) add(field, reason string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Reason: reason})
}
