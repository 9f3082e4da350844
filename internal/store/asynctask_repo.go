package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type gormAsyncTaskRepository struct {
	db *gorm.DB
}

// NewAsyncTaskRepository returns an AsyncTaskRepository backed by db.
func NewAsyncTaskRepository(db *gorm.DB) AsyncTaskRepository {
	return &gormAsyncTaskRepository{db: db}
}

func (r *gormAsyncTaskRepository) Create(ctx context.Context, task *AsyncTask) error {
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("async_tasks: create: %w", err)
	}
	return nil
}

func (r *gormAsyncTaskRepository) GetByTaskKey(ctx context.Context, serviceAgentID, providerTaskID string) (*AsyncTask, error) {
	var task AsyncTask
	err := r.db.WithContext(ctx).
		First(&task, "service_agent_id = ? AND provider_task_id = ?", serviceAgentID, providerTaskID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("async_tasks: get by task key: %w", err)
	}
	return &task, nil
}

func (r *gormAsyncTaskRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&AsyncTask{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("async_tasks: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountActive returns the number of in-flight tasks, used to enforce
// MaxActiveTasks (spec §4.9).
func (r *gormAsyncTaskRepository) CountActive(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&AsyncTask{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("async_tasks: count active: %w", err)
	}
	return count, nil
}

// ListActive returns every in-flight task, used to resume poll timers after
// a server restart.
func (r *gormAsyncTaskRepository) ListActive(ctx context.Context) ([]AsyncTask, error) {
	var tasks []AsyncTask
	if err := r.db.WithContext(ctx).Order("started_at ASC").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("async_tasks: list active: %w", err)
	}
	return tasks, nil
}
