package repository

import (
	"context"

	"gorm.io/gorm"
)

// Repository is a gorm-backed store for reference tables that are looked up
// by example and written one row at a time, such as the patient registry.
type Repository[T any] interface {
	// FindOne returns nil without error when nothing matches.
	FindOne(ctx context.Context, query *T) (*T, error)
	Count(ctx context.Context, query *T) (int64, error)
	Create(ctx context.Context, resource *T) error
}

func ProvideStore[T any](db *gorm.DB) Repository[T] {
	return &store[T]{db: db}
}
