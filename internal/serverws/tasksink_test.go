package serverws

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/NoPKT/AgentIM-sub003/internal/store"
	"github.com/NoPKT/AgentIM-sub003/internal/taskpoller"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := store.Open(store.Config{
		Driver: "sqlite",
		DSN:    "file::memory:?cache=shared",
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return db
}

func newTestServer(db *gorm.DB) *Server {
	return &Server{
		logger: zap.NewNop(),
		tables: NewTables(),
		repos: Repos{
			Users:       store.NewUserRepository(db),
			Rooms:       store.NewRoomRepository(db),
			Messages:    store.NewMessageRepository(db),
			Attachments: store.NewAttachmentRepository(db),
			Sender:      store.NewSender(db),
		},
	}
}

func seedRoomWithStatusMessage(t *testing.T, srv *Server) (roomID uuid.UUID, statusMessageID uuid.UUID) {
	t.Helper()
	ctx := context.Background()

	// The shared-cache in-memory DB outlives each test, so usernames must be unique.
	owner := &store.User{Username: "owner-" + uuid.NewString(), DisplayName: "Owner", PasswordHash: "x"}
	require.NoError(t, srv.repos.Users.Create(ctx, owner))

	room := &store.Room{CreatedBy: owner.ID}
	require.NoError(t, srv.repos.Rooms.Create(ctx, room))

	// agent-1 posts the status message and the completion, so it must be a member (I2).
	require.NoError(t, srv.repos.Rooms.AddMember(ctx, &store.RoomMember{
		RoomID: room.ID, MemberID: "agent-1", MemberType: "agent", DisplayName: "Agent",
	}))

	msg, err := srv.repos.Sender.SendMessage(ctx, store.SendParams{
		MessageID:  uuid.Must(uuid.NewV7()),
		RoomID:     room.ID,
		SenderID:   "agent-1",
		SenderType: "agent",
		SenderName: "Agent",
		Type:       "agent_response",
		Content:    "generating…",
	})
	require.NoError(t, err)

	return room.ID, msg.ID
}

func TestServer_Complete_PersistsTextResponse(t *testing.T) {
	srv := newTestServer(newTestDB(t))
	roomID, statusMsgID := seedRoomWithStatusMessage(t, srv)

	task := store.AsyncTask{
		ServiceAgentID:   "agent-1",
		ServiceAgentName: "Agent",
		RoomID:           roomID,
		StatusMessageID:  statusMsgID,
	}

	err := srv.Complete(context.Background(), task, taskpoller.PollResult{
		Status: taskpoller.StatusText,
		Text:   "the final answer",
	}, nil)
	require.NoError(t, err)
}

func TestServer_Complete_MediaResultCreatesAttachment(t *testing.T) {
	srv := newTestServer(newTestDB(t))
	roomID, statusMsgID := seedRoomWithStatusMessage(t, srv)

	task := store.AsyncTask{
		ServiceAgentID:   "agent-1",
		ServiceAgentName: "Agent",
		RoomID:           roomID,
		StatusMessageID:  statusMsgID,
		ProviderTaskID:   "task-xyz",
	}

	err := srv.Complete(context.Background(), task, taskpoller.PollResult{
		Status:   taskpoller.StatusMedia,
		MediaURL: "https://example.com/out.png",
		MimeType: "image/png",
	}, []byte("fake-bytes"))
	require.NoError(t, err)
}

func TestServer_Fail_RetractsStatusMessage(t *testing.T) {
	srv := newTestServer(newTestDB(t))
	roomID, statusMsgID := seedRoomWithStatusMessage(t, srv)

	task := store.AsyncTask{
		ServiceAgentID:   "agent-1",
		ServiceAgentName: "Agent",
		RoomID:           roomID,
		StatusMessageID:  statusMsgID,
	}

	err := srv.Fail(context.Background(), task, "provider timed out")
	require.NoError(t, err)
}

func TestServer_Fail_UnknownStatusMessageErrors(t *testing.T) {
	srv := newTestServer(newTestDB(t))
	roomID, _ := seedRoomWithStatusMessage(t, srv)

	task := store.AsyncTask{
		ServiceAgentID:   "agent-1",
		ServiceAgentName: "Agent",
		RoomID:           roomID,
		StatusMessageID:  uuid.Must(uuid.NewV7()),
	}

	err := srv.Fail(context.Background(), task, "provider timed out")
	require.Error(t, err)
}
