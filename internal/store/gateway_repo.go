package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type gormGatewayRepository struct {
	db *gorm.DB
}

// NewGatewayRepository returns a GatewayRepository backed by db.
func NewGatewayRepository(db *gorm.DB) GatewayRepository {
	return &gormGatewayRepository{db: db}
}

// Upsert inserts or replaces a gateway record by its caller-chosen id — a
// gateway reconnecting with the same GatewayId updates its existing row
// rather than creating a duplicate (spec §3 Gateway record).
func (r *gormGatewayRepository) Upsert(ctx context.Context, gw *Gateway) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner_user_id", "platform", "hostname", "agent_ids", "connected_at", "disconnected_at"}),
	}).Create(gw).Error
	if err != nil {
		return fmt.Errorf("gateways: upsert: %w", err)
	}
	return nil
}

func (r *gormGatewayRepository) GetByID(ctx context.Context, id string) (*Gateway, error) {
	var gw Gateway
	if err := r.db.WithContext(ctx).First(&gw, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("gateways: get by id: %w", err)
	}
	return &gw, nil
}

// MarkDisconnected records the disconnect time without deleting the row;
// the agent rows it hosted are not touched, so room memberships
// referencing those AgentIds survive the gateway's absence.
func (r *gormGatewayRepository) MarkDisconnected(ctx context.Context, id string, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&Gateway{}).Where("id = ?", id).Update("disconnected_at", at)
	if result.Error != nil {
		return fmt.Errorf("gateways: mark disconnected: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
