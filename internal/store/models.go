package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all UUID-keyed models. ID uses
// UUID v7 (time-ordered) so rows sort chronologically without a separate
// index on created_at.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate assigns a UUIDv7 if one hasn't already been chosen by the
// caller (Message.Id is chosen by the sender per I4; most other rows let
// GORM assign one here).
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Principals
// -----------------------------------------------------------------------------

// User is the human principal (spec §3 Principal).
type User struct {
	base
	Username    string `gorm:"uniqueIndex;not null"`
	DisplayName string `gorm:"not null"`
	PasswordHash string `gorm:"not null"`

	// ConnLimitOverride overrides the default per-user WebSocket connection
	// cap (spec §4.3 "Connection limit"). Zero means no override.
	ConnLimitOverride int `gorm:"not null;default:0"`
}

// Agent is the autonomous-agent principal. AgentId is a caller-chosen string
// (not a UUID) because agents are named by the gateway that registers them
// and must remain stable across gateway reconnects (I3).
type Agent struct {
	ID               string `gorm:"type:text;primaryKey"`
	Type             string `gorm:"not null"`
	Name             string `gorm:"not null"`
	WorkingDirectory string `gorm:"not null;default:''"`
	OwnerUserID      uuid.UUID `gorm:"type:text;not null;index"`
	ConnectionType   string    `gorm:"not null"` // "cli" | "api"
	Capabilities     string    `gorm:"type:text;not null;default:'[]'"` // JSON array
	Visibility       string    `gorm:"not null;default:'private'"`      // "private" | "shared"
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Gateway
// -----------------------------------------------------------------------------

// Gateway records a gateway process's registration. GatewayId is chosen by
// the gateway at login time and is globally unique per owner, so it is the
// primary key rather than a server-assigned UUID.
type Gateway struct {
	ID             string `gorm:"type:text;primaryKey"`
	OwnerUserID    uuid.UUID `gorm:"type:text;not null;index"`
	Platform       string    `gorm:"not null;default:''"`
	Hostname       string    `gorm:"not null;default:''"`
	AgentIDs       string    `gorm:"type:text;not null;default:'[]'"` // JSON array of hosted agent ids
	ConnectedAt    time.Time `gorm:"not null"`
	DisconnectedAt *time.Time
}

// -----------------------------------------------------------------------------
// Room
// -----------------------------------------------------------------------------

// Room is a multi-participant conversation (spec §3 Room).
type Room struct {
	base
	CreatedBy     uuid.UUID `gorm:"type:text;not null;index"`
	BroadcastMode bool      `gorm:"not null;default:false"`
	SystemPrompt  string    `gorm:"type:text;default:''"`
	RouterID      *uuid.UUID `gorm:"type:text"`

	// Members is populated by repository queries, not by GORM association
	// resolution (RoomMember.MemberID references either a User or an Agent
	// depending on MemberType, which GORM cannot express as a foreign key).
	Members []RoomMember `gorm:"-"`
}

// RoomMember is a Room's member list entry. MemberID is a UserID (uuid
// string) or AgentId (arbitrary string) depending on MemberType.
type RoomMember struct {
	base
	RoomID      uuid.UUID `gorm:"type:text;not null;index"`
	MemberID    string    `gorm:"type:text;not null;index"`
	MemberType  string    `gorm:"not null"` // "user" | "agent"
	DisplayName string    `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Message & Attachment
// -----------------------------------------------------------------------------

// Message is a single posted message (spec §3 Message). Id is chosen by the
// sender before insertion so the broadcast and the persisted row share the
// same identity (I4).
type Message struct {
	base
	RoomID     uuid.UUID `gorm:"type:text;not null;index"`
	SenderID   string    `gorm:"type:text;not null"`
	SenderType string    `gorm:"not null"` // "user" | "agent"
	SenderName string    `gorm:"not null"`
	Type       string    `gorm:"not null;default:'text'"` // "text" | "agent_response"
	Content    string    `gorm:"type:text;not null"`
	Mentions   string    `gorm:"type:text;not null;default:'[]'"` // JSON array of names
	ReplyToID  *uuid.UUID `gorm:"type:text"`

	// Attachments is populated by a manual query after linking (I6), not by
	// GORM association resolution.
	Attachments []Attachment `gorm:"-"`
}

// Attachment is uploaded out-of-band and linked to a Message only once, by
// the transactional send (I6). MessageID is nil until linked.
type Attachment struct {
	base
	MessageID  *uuid.UUID `gorm:"type:text;index"`
	UploadedBy string     `gorm:"type:text;not null;index"`
	Filename   string     `gorm:"not null"`
	MimeType   string     `gorm:"not null"`
	Size       int64      `gorm:"not null"`
	URL        string     `gorm:"type:text;not null"`
}

// -----------------------------------------------------------------------------
// Router
// -----------------------------------------------------------------------------

// Router configures the chat-completion endpoint used to select agents for
// broadcast routing (spec §4.7). LlmApiKey is encrypted at rest and only
// decrypted in-process when invoking the router.
type Router struct {
	base
	Name             string          `gorm:"not null"`
	Scope            string          `gorm:"not null"` // "personal" | "global"
	LlmBaseUrl       string          `gorm:"not null"`
	LlmApiKey        EncryptedString `gorm:"type:text"`
	LlmModel         string          `gorm:"not null"`
	MaxChainDepth    int             `gorm:"not null;default:3"`
	RateLimitWindow  int             `gorm:"not null;default:60"` // seconds
	RateLimitMax     int             `gorm:"not null;default:20"`
	Visibility       string          `gorm:"not null;default:'all'"` // "all" | "allow-list" | "deny-list"
	VisibilityUserIDs string         `gorm:"type:text;not null;default:'[]'"` // JSON array, used with allow/deny-list
}

// -----------------------------------------------------------------------------
// Async Task
// -----------------------------------------------------------------------------

// AsyncTask tracks a long-running generation invocation (spec §3, §4.9).
// TaskKey is (ServiceAgentID, ProviderTaskID); both are part of the unique
// index so a provider task id collision across agents cannot collide rows.
type AsyncTask struct {
	base
	ServiceAgentID   string    `gorm:"type:text;not null;uniqueIndex:idx_task_key"`
	ProviderTaskID   string    `gorm:"not null;uniqueIndex:idx_task_key"`
	RoomID           uuid.UUID `gorm:"type:text;not null;index"`
	ServiceAgentName string    `gorm:"not null"`
	Config           string    `gorm:"type:text;not null;default:'{}'"`
	Provider         string    `gorm:"type:text;not null;default:'[]'"` // JSON capability set {invoke, poll}
	StatusMessageID  uuid.UUID `gorm:"type:text;not null"`
	StartedAt        time.Time `gorm:"not null"`
	MaxWaitMs        int64     `gorm:"not null"`
	PollIntervalMs   int64     `gorm:"not null"`
}
