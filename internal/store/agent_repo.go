package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type gormAgentRepository struct {
	db *gorm.DB
}

// NewAgentRepository returns an AgentRepository backed by db.
func NewAgentRepository(db *gorm.DB) AgentRepository {
	return &gormAgentRepository{db: db}
}

func (r *gormAgentRepository) Create(ctx context.Context, agent *Agent) error {
	if err := r.db.WithContext(ctx).Create(agent).Error; err != nil {
		return fmt.Errorf("agents: create: %w", err)
	}
	return nil
}

func (r *gormAgentRepository) GetByID(ctx context.Context, id string) (*Agent, error) {
	var agent Agent
	if err := r.db.WithContext(ctx).First(&agent, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by id: %w", err)
	}
	return &agent, nil
}

// ListByOwner returns every agent owned by ownerUserID, private or shared.
func (r *gormAgentRepository) ListByOwner(ctx context.Context, ownerUserID uuid.UUID) ([]Agent, error) {
	var agents []Agent
	if err := r.db.WithContext(ctx).
		Where("owner_user_id = ?", ownerUserID).
		Order("created_at ASC").
		Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("agents: list by owner: %w", err)
	}
	return agents, nil
}

// ListShared returns every agent with Visibility "shared", regardless of
// owner — used when resolving the eligible-agent set for broadcast routing
// outside the owner's own room (spec §4.7).
func (r *gormAgentRepository) ListShared(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	if err := r.db.WithContext(ctx).
		Where("visibility = ?", "shared").
		Order("created_at ASC").
		Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("agents: list shared: %w", err)
	}
	return agents, nil
}

func (r *gormAgentRepository) Update(ctx context.Context, agent *Agent) error {
	result := r.db.WithContext(ctx).Save(agent)
	if result.Error != nil {
		return fmt.Errorf("agents: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
