package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type gormAttachmentRepository struct {
	db *gorm.DB
}

// NewAttachmentRepository returns an AttachmentRepository backed by db.
func NewAttachmentRepository(db *gorm.DB) AttachmentRepository {
	return &gormAttachmentRepository{db: db}
}

func (r *gormAttachmentRepository) Create(ctx context.Context, att *Attachment) error {
	if err := r.db.WithContext(ctx).Create(att).Error; err != nil {
		return fmt.Errorf("attachments: create: %w", err)
	}
	return nil
}

func (r *gormAttachmentRepository) GetByID(ctx context.Context, id uuid.UUID) (*Attachment, error) {
	var att Attachment
	if err := r.db.WithContext(ctx).First(&att, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("attachments: get by id: %w", err)
	}
	return &att, nil
}
