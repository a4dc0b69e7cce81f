// Package repo defines the generic Repository interface and list options.
package repo

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no entity matches the requested id or filter.
var ErrNotFound = errors.New("repo: not found")

// Repository is a generic keyed store with merge (upsert) semantics.
type Repository[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	List(ctx context.Context, opts ListOpts) ([]T, error)
	Merge(ctx context.Context, entity T) (created bool, err error)
	SetProps(ctx context.Context, id ID, props map[string]any) error
	Count(ctx context.Context) (int64, error)
}

// ListOpts controls pagination and filtering for List operations.
type ListOpts struct {
	Offset int
	Limit  int
	// Filter matches properties by equality.
	Filter map[string]any
	// Contains matches string properties by substring.
	Contains map[string]string
}
