package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type gormMessageRepository struct {
	db *gorm.DB
}

// NewMessageRepository returns a MessageRepository backed by db.
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &gormMessageRepository{db: db}
}

func (r *gormMessageRepository) GetByID(ctx context.Context, id uuid.UUID) (*Message, error) {
	var msg Message
	if err := r.db.WithContext(ctx).First(&msg, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("messages: get by id: %w", err)
	}
	return &msg, nil
}

func (r *gormMessageRepository) ListByRoom(ctx context.Context, roomID uuid.UUID, opts ListOptions) ([]Message, error) {
	var messages []Message
	q := r.db.WithContext(ctx).Where("room_id = ?", roomID).Order("created_at ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("messages: list by room: %w", err)
	}
	return messages, nil
}
