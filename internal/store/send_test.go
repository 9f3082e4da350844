package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(Config{
		Driver: "sqlite",
		DSN:    "file::memory:?cache=shared",
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return db
}

func TestSender_SendMessage_CreatorNeedsNoMembership(t *testing.T) {
	db := newTestDB(t)
	users := NewUserRepository(db)
	rooms := NewRoomRepository(db)
	sender := NewSender(db)
	ctx := context.Background()

	owner := &User{Username: "alice", DisplayName: "Alice", PasswordHash: "x"}
	require.NoError(t, users.Create(ctx, owner))

	room := &Room{CreatedBy: owner.ID}
	require.NoError(t, rooms.Create(ctx, room))

	msgID := uuid.Must(uuid.NewV7())
	msg, err := sender.SendMessage(ctx, SendParams{
		MessageID:  msgID,
		RoomID:     room.ID,
		SenderID:   owner.ID.String(),
		SenderType: "user",
		SenderName: "Alice",
		Type:       "text",
		Content:    "hello room",
	})
	require.NoError(t, err)
	require.Equal(t, msgID, msg.ID)
}

func TestSender_SendMessage_NonMemberRejected(t *testing.T) {
	db := newTestDB(t)
	users := NewUserRepository(db)
	rooms := NewRoomRepository(db)
	sender := NewSender(db)
	ctx := context.Background()

	owner := &User{Username: "bob", DisplayName: "Bob", PasswordHash: "x"}
	require.NoError(t, users.Create(ctx, owner))
	room := &Room{CreatedBy: owner.ID}
	require.NoError(t, rooms.Create(ctx, room))

	stranger := uuid.Must(uuid.NewV7())
	_, err := sender.SendMessage(ctx, SendParams{
		MessageID:  uuid.Must(uuid.NewV7()),
		RoomID:     room.ID,
		SenderID:   stranger.String(),
		SenderType: "user",
		SenderName: "Stranger",
		Type:       "text",
		Content:    "hi",
	})
	require.ErrorIs(t, err, ErrNotAMember)
}

func TestSender_SendMessage_RoomNotFound(t *testing.T) {
	db := newTestDB(t)
	sender := NewSender(db)
	ctx := context.Background()

	_, err := sender.SendMessage(ctx, SendParams{
		MessageID:  uuid.Must(uuid.NewV7()),
		RoomID:     uuid.Must(uuid.NewV7()),
		SenderID:   uuid.Must(uuid.NewV7()).String(),
		SenderType: "user",
		SenderName: "Nobody",
		Type:       "text",
		Content:    "hi",
	})
	require.ErrorIs(t, err, ErrRoomNotFound)
}

func TestSender_SendMessage_LinksOnlyOwnUnlinkedAttachments(t *testing.T) {
	db := newTestDB(t)
	users := NewUserRepository(db)
	rooms := NewRoomRepository(db)
	attachments := NewAttachmentRepository(db)
	sender := NewSender(db)
	ctx := context.Background()

	owner := &User{Username: "carol", DisplayName: "Carol", PasswordHash: "x"}
	require.NoError(t, users.Create(ctx, owner))
	room := &Room{CreatedBy: owner.ID}
	require.NoError(t, rooms.Create(ctx, room))

	ownAttachment := &Attachment{UploadedBy: owner.ID.String(), Filename: "a.png", MimeType: "image/png", Size: 10, URL: "https://example.com/a.png"}
	require.NoError(t, attachments.Create(ctx, ownAttachment))

	otherUserID := uuid.Must(uuid.NewV7())
	othersAttachment := &Attachment{UploadedBy: otherUserID.String(), Filename: "b.png", MimeType: "image/png", Size: 10, URL: "https://example.com/b.png"}
	require.NoError(t, attachments.Create(ctx, othersAttachment))

	msg, err := sender.SendMessage(ctx, SendParams{
		MessageID:     uuid.Must(uuid.NewV7()),
		RoomID:        room.ID,
		SenderID:      owner.ID.String(),
		SenderType:    "user",
		SenderName:    "Carol",
		Type:          "text",
		Content:       "see attached",
		AttachmentIDs: []uuid.UUID{ownAttachment.ID, othersAttachment.ID},
	})
	require.NoError(t, err)
	require.Len(t, msg.Attachments, 1)
	require.Equal(t, ownAttachment.ID, msg.Attachments[0].ID)
}

func TestSender_SendMessage_TooManyAttachmentsRejected(t *testing.T) {
	db := newTestDB(t)
	users := NewUserRepository(db)
	rooms := NewRoomRepository(db)
	sender := NewSender(db)
	ctx := context.Background()

	owner := &User{Username: "dave", DisplayName: "Dave", PasswordHash: "x"}
	require.NoError(t, users.Create(ctx, owner))
	room := &Room{CreatedBy: owner.ID}
	require.NoError(t, rooms.Create(ctx, room))

	ids := make([]uuid.UUID, 21)
	for i := range ids {
		ids[i] = uuid.Must(uuid.NewV7())
	}

	_, err := sender.SendMessage(ctx, SendParams{
		MessageID:     uuid.Must(uuid.NewV7()),
		RoomID:        room.ID,
		SenderID:      owner.ID.String(),
		SenderType:    "user",
		SenderName:    "Dave",
		Type:          "text",
		Content:       "too many",
		AttachmentIDs: ids,
	})
	require.ErrorIs(t, err, ErrTooManyAttachments)
}
