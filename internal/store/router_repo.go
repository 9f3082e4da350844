package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type gormRouterRepository struct {
	db *gorm.DB
}

// NewRouterRepository returns a RouterRepository backed by db.
func NewRouterRepository(db *gorm.DB) RouterRepository {
	return &gormRouterRepository{db: db}
}

func (r *gormRouterRepository) GetByID(ctx context.Context, id uuid.UUID) (*Router, error) {
	var router Router
	if err := r.db.WithContext(ctx).First(&router, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("routers: get by id: %w", err)
	}
	return &router, nil
}

func (r *gormRouterRepository) Create(ctx context.Context, router *Router) error {
	if err := r.db.WithContext(ctx).Create(router).Error; err != nil {
		return fmt.Errorf("routers: create: %w", err)
	}
	return nil
}

func (r *gormRouterRepository) Update(ctx context.Context, router *Router) error {
	result := r.db.WithContext(ctx).Save(router)
	if result.Error != nil {
		return fmt.Errorf("routers: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
