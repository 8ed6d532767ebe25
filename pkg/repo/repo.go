// Package repo defines a generic keyed repository and a Neo4j implementation.
package repo

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no entity has the requested id.
var ErrNotFound = errors.New("repo: not found")

// Repository is a generic keyed store.
type Repository[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	List(ctx context.Context, opts ListOpts) ([]T, error)
	Upsert(ctx context.Context, entity T) error
	Delete(ctx context.Context, id ID) error
}

// ListOpts controls pagination and filtering for List. Filter entries are
// equality matches on entity properties.
type ListOpts struct {
	Offset int
	Limit  int
	Filter map[string]any
}

// All pages through every entity of r, pageSize at a time.
func All[T any, ID comparable](ctx context.Context, r Repository[T, ID], pageSize int, filter map[string]any) ([]T, error) {
	if pageSize <= 0 {
		pageSize = DefaultLimit
	}
	var out []T
	for offset := 0; ; offset += pageSize {
		page, err := r.List(ctx, ListOpts{Offset: offset, Limit: pageSize, Filter: filter})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < pageSize {
			return out, nil
		}
	}
}
