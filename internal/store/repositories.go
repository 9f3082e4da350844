package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// UserRepository persists human principals.
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
}

// AgentRepository persists agent principals.
type AgentRepository interface {
	Create(ctx context.Context, agent *Agent) error
	GetByID(ctx context.Context, id string) (*Agent, error)
	ListByOwner(ctx context.Context, ownerUserID uuid.UUID) ([]Agent, error)
	ListShared(ctx context.Context) ([]Agent, error)
	Update(ctx context.Context, agent *Agent) error
}

// GatewayRepository persists gateway connection records.
type GatewayRepository interface {
	Upsert(ctx context.Context, gw *Gateway) error
	GetByID(ctx context.Context, id string) (*Gateway, error)
	MarkDisconnected(ctx context.Context, id string, at time.Time) error
}

// RoomRepository persists rooms and room membership.
type RoomRepository interface {
	Create(ctx context.Context, room *Room) error
	GetByID(ctx context.Context, id uuid.UUID) (*Room, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Update(ctx context.Context, room *Room) error

	AddMember(ctx context.Context, member *RoomMember) error
	RemoveMember(ctx context.Context, roomID uuid.UUID, memberID string) error
	ListMembers(ctx context.Context, roomID uuid.UUID) ([]RoomMember, error)
	IsMember(ctx context.Context, roomID uuid.UUID, memberID string) (bool, error)
	ListAgentMemberNames(ctx context.Context, roomID uuid.UUID) ([]string, error)
	ListRoomsForMember(ctx context.Context, memberID string) ([]Room, error)
}

// MessageRepository reads persisted messages. Writes happen only through
// Sender.SendMessage (the transactional send, spec §4.8).
type MessageRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Message, error)
	ListByRoom(ctx context.Context, roomID uuid.UUID, opts ListOptions) ([]Message, error)
}

// AttachmentRepository manages uploaded-but-not-yet-linked attachments.
type AttachmentRepository interface {
	Create(ctx context.Context, att *Attachment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Attachment, error)
}

// RouterRepository persists router configuration (spec §3 Router).
type RouterRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Router, error)
	Create(ctx context.Context, router *Router) error
	Update(ctx context.Context, router *Router) error
}

// AsyncTaskRepository persists in-flight generation tasks (spec §3, §4.9).
type AsyncTaskRepository interface {
	Create(ctx context.Context, task *AsyncTask) error
	GetByTaskKey(ctx context.Context, serviceAgentID, providerTaskID string) (*AsyncTask, error)
	Delete(ctx context.Context, id uuid.UUID) error
	CountActive(ctx context.Context) (int64, error)
	ListActive(ctx context.Context) ([]AsyncTask, error)
}
