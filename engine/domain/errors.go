package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for validation failures.
var (
	ErrEmptyName     = errors.New("name is empty")
	ErrEmptyID       = errors.New("id is empty")
	ErrEmptyCategory = errors.New("category is empty")
	ErrBadLocation   = errors.New("location is not a finite coordinate")
	ErrUnknownPlan   = errors.New("unknown plan")
)

// ValidationError wraps a sentinel with the offending field.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, err error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: err}
}

// ValidateBusiness checks a record before it reaches the store.
func ValidateBusiness(b Business) error {
	if b.ID == "" {
		return NewValidationError("id", "", ErrEmptyID)
	}
	if strings.TrimSpace(b.Name) == "" {
		return NewValidationError("name", b.Name, ErrEmptyName)
	}
	if b.Category == "" {
		return NewValidationError("category", "", ErrEmptyCategory)
	}
	if b.Location != nil && !b.Location.Valid() {
		return NewValidationError("location", fmt.Sprintf("%v,%v", b.Location.Lat, b.Location.Lng), ErrBadLocation)
	}
	if !b.Plan.Valid() {
		return NewValidationError("plan", string(b.Plan), ErrUnknownPlan)
	}
	return nil
}
