package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// maxAttachmentsPerMessage bounds the attachmentIds list a single send may
// reference (spec §4.8 step 4).
const maxAttachmentsPerMessage = 20

// SendParams are the inputs to the transactional send. MessageID is chosen
// by the caller before the call so the broadcast and the persisted row
// share the same identity (I4).
type SendParams struct {
	MessageID     uuid.UUID
	RoomID        uuid.UUID
	SenderID      string
	SenderType    string
	SenderName    string
	Type          string
	Content       string
	Mentions      []string
	ReplyToID     *uuid.UUID
	AttachmentIDs []uuid.UUID
}

// Sender performs the transactional send described in spec §4.8: inside a
// single DB transaction, fetch the room, check membership, insert the
// message, and link any claimed attachments — all four steps succeed or
// fail together.
type Sender struct {
	db *gorm.DB
}

// NewSender returns a Sender backed by db.
func NewSender(db *gorm.DB) *Sender {
	return &Sender{db: db}
}

// SendMessage executes the transactional send and returns the persisted
// Message (with its linked Attachments populated) on success.
func (s *Sender) SendMessage(ctx context.Context, p SendParams) (*Message, error) {
	if len(p.AttachmentIDs) > maxAttachmentsPerMessage {
		return nil, ErrTooManyAttachments
	}

	mentionsJSON, err := json.Marshal(p.Mentions)
	if err != nil {
		return nil, fmt.Errorf("store: marshaling mentions: %w", err)
	}

	var result Message

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var room Room
		if err := tx.First(&room, "id = ?", p.RoomID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRoomNotFound
			}
			return fmt.Errorf("fetching room: %w", err)
		}

		if room.CreatedBy.String() != p.SenderID {
			var memberCount int64
			if err := tx.Model(&RoomMember{}).
				Where("room_id = ? AND member_id = ?", p.RoomID, p.SenderID).
				Count(&memberCount).Error; err != nil {
				return fmt.Errorf("checking membership: %w", err)
			}
			if memberCount == 0 {
				return ErrNotAMember
			}
		}

		msg := Message{
			base:       base{ID: p.MessageID},
			RoomID:     p.RoomID,
			SenderID:   p.SenderID,
			SenderType: p.SenderType,
			SenderName: p.SenderName,
			Type:       p.Type,
			Content:    p.Content,
			Mentions:   string(mentionsJSON),
			ReplyToID:  p.ReplyToID,
		}
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}

		if len(p.AttachmentIDs) > 0 {
			// The three-way filter (id IN, uploaded_by = sender, message_id
			// IS NULL) prevents stealing another user's attachment or
			// re-linking one already attached to a prior message (I6).
			linkResult := tx.Model(&Attachment{}).
				Where("id IN ? AND uploaded_by = ? AND message_id IS NULL", p.AttachmentIDs, p.SenderID).
				Update("message_id", msg.ID)
			if linkResult.Error != nil {
				return fmt.Errorf("linking attachments: %w", linkResult.Error)
			}

			var linked []Attachment
			if err := tx.Where("message_id = ?", msg.ID).Find(&linked).Error; err != nil {
				return fmt.Errorf("re-reading linked attachments: %w", err)
			}
			msg.Attachments = linked
		}

		result = msg
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &result, nil
}
