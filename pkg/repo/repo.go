// Package repo defines a generic keyed Repository and its Neo4j
// implementation.
package repo

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no entity has the requested id.
var ErrNotFound = errors.New("repo: not found")

// Repository stores entities keyed by ID. Upsert is idempotent.
type Repository[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	List(ctx context.Context, opts ListOpts) ([]T, error)
	Upsert(ctx context.Context, entity T) error
}

// ListOpts controls pagination and ordering for List.
type ListOpts struct {
	Offset int
	Limit  int
	// OrderBy names a property to sort ascending by. Empty keeps store order.
	OrderBy string
}
