package serverws

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/NoPKT/AgentIM-sub003/internal/protocol"
	"github.com/NoPKT/AgentIM-sub003/internal/store"
	"github.com/NoPKT/AgentIM-sub003/internal/taskpoller"
)

// Server implements taskpoller.Sink: the poller only knows how to drive a
// provider's poll loop, not how to persist or broadcast the outcome, so it
// calls back into the connection manager for both (spec §4.9).
var _ taskpoller.Sink = (*Server)(nil)

// Complete persists the final generated message (attaching the already
// downloaded media first when the result is media-typed) and broadcasts it
// to the task's room as a new message. The "generating…" status message
// posted before the poll started is left as it is.
func (s *Server) Complete(ctx context.Context, task store.AsyncTask, result taskpoller.PollResult, mediaBytes []byte) error {
	content := result.Text
	var attachmentIDs []uuid.UUID

	if result.Status == taskpoller.StatusMedia {
		att := &store.Attachment{
			UploadedBy: task.ServiceAgentID,
			Filename:   fmt.Sprintf("%s.bin", task.ProviderTaskID),
			MimeType:   result.MimeType,
			Size:       int64(len(mediaBytes)),
			URL:        result.MediaURL,
		}
		if err := s.repos.Attachments.Create(ctx, att); err != nil {
			return fmt.Errorf("tasksink: creating attachment: %w", err)
		}
		attachmentIDs = []uuid.UUID{att.ID}
	}

	messageID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("tasksink: generating message id: %w", err)
	}

	msg, err := s.repos.Sender.SendMessage(ctx, store.SendParams{
		MessageID:     messageID,
		RoomID:        task.RoomID,
		SenderID:      task.ServiceAgentID,
		SenderType:    "agent",
		SenderName:    task.ServiceAgentName,
		Type:          "agent_response",
		Content:       content,
		Mentions:      []string{},
		AttachmentIDs: attachmentIDs,
	})
	if err != nil {
		return fmt.Errorf("tasksink: sending completion message: %w", err)
	}

	s.BroadcastToRoom(task.RoomID.String(), protocol.MustEncode(protocol.TypeServerNewMessage, toWireMessage(msg)), nil)
	return nil
}

// Fail reports a poll failure or timeout. There is no message-edit
// operation in the store, so the "generating…" status message is retracted
// with server:message_deleted and the reason is logged rather than shown
// inline.
func (s *Server) Fail(ctx context.Context, task store.AsyncTask, reason string) error {
	msg, err := s.repos.Messages.GetByID(ctx, task.StatusMessageID)
	if err != nil {
		return fmt.Errorf("tasksink: loading status message: %w", err)
	}

	s.logger.Warn("async task failed",
		zap.String("room_id", task.RoomID.String()),
		zap.String("service_agent_id", task.ServiceAgentID),
		zap.String("reason", reason))

	s.BroadcastToRoom(task.RoomID.String(), protocol.MustEncode(protocol.TypeServerMessageDeleted, protocol.ServerMessageDeletedPayload{
		RoomID:    task.RoomID.String(),
		MessageID: msg.ID.String(),
	}), nil)
	return nil
}
