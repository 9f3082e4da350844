package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type gormRoomRepository struct {
	db *gorm.DB
}

// NewRoomRepository returns a RoomRepository backed by db.
func NewRoomRepository(db *gorm.DB) RoomRepository {
	return &gormRoomRepository{db: db}
}

func (r *gormRoomRepository) Create(ctx context.Context, room *Room) error {
	if err := r.db.WithContext(ctx).Omit("Members").Create(room).Error; err != nil {
		return fmt.Errorf("rooms: create: %w", err)
	}
	return nil
}

func (r *gormRoomRepository) GetByID(ctx context.Context, id uuid.UUID) (*Room, error) {
	var room Room
	if err := r.db.WithContext(ctx).First(&room, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("rooms: get by id: %w", err)
	}
	return &room, nil
}

// Delete triggers the room's deletion. Eviction broadcasts (room-removed)
// are the caller's responsibility once this returns (spec §3 lifecycle).
func (r *gormRoomRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&Room{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("rooms: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormRoomRepository) Update(ctx context.Context, room *Room) error {
	result := r.db.WithContext(ctx).Omit("Members").Save(room)
	if result.Error != nil {
		return fmt.Errorf("rooms: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormRoomRepository) AddMember(ctx context.Context, member *RoomMember) error {
	if err := r.db.WithContext(ctx).Create(member).Error; err != nil {
		return fmt.Errorf("rooms: add member: %w", err)
	}
	return nil
}

func (r *gormRoomRepository) RemoveMember(ctx context.Context, roomID uuid.UUID, memberID string) error {
	result := r.db.WithContext(ctx).
		Where("room_id = ? AND member_id = ?", roomID, memberID).
		Delete(&RoomMember{})
	if result.Error != nil {
		return fmt.Errorf("rooms: remove member: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormRoomRepository) ListMembers(ctx context.Context, roomID uuid.UUID) ([]RoomMember, error) {
	var members []RoomMember
	if err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at ASC").
		Find(&members).Error; err != nil {
		return nil, fmt.Errorf("rooms: list members: %w", err)
	}
	return members, nil
}

// IsMember reports whether memberID (a UserId or AgentId) is a member of
// roomID. Used by the transactional send's membership check (I2, §4.8).
func (r *gormRoomRepository) IsMember(ctx context.Context, roomID uuid.UUID, memberID string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&RoomMember{}).
		Where("room_id = ? AND member_id = ?", roomID, memberID).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("rooms: is member: %w", err)
	}
	return count > 0, nil
}

// ListAgentMemberNames returns the display names of agent-type members of
// roomID, used to resolve @mention tokens against the room's roster
// (spec §4.6 mention parsing).
func (r *gormRoomRepository) ListAgentMemberNames(ctx context.Context, roomID uuid.UUID) ([]string, error) {
	var names []string
	if err := r.db.WithContext(ctx).Model(&RoomMember{}).
		Where("room_id = ? AND member_type = ?", roomID, "agent").
		Pluck("display_name", &names).Error; err != nil {
		return nil, fmt.Errorf("rooms: list agent member names: %w", err)
	}
	return names, nil
}

// ListRoomsForMember returns every room memberID belongs to, plus rooms it
// created (I2's membership superset).
func (r *gormRoomRepository) ListRoomsForMember(ctx context.Context, memberID string) ([]Room, error) {
	var rooms []Room
	err := r.db.WithContext(ctx).
		Where("id IN (SELECT room_id FROM room_members WHERE member_id = ?) OR created_by = ?", memberID, memberID).
		Order("created_at ASC").
		Find(&rooms).Error
	if err != nil {
		return nil, fmt.Errorf("rooms: list for member: %w", err)
	}
	return rooms, nil
}
