package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/gorm"

	"threadhub/internal/apperr"
	"threadhub/internal/audit"
	"threadhub/internal/store"
)

// SendMessage persists a message and fans it out. Online members receive an
// envelope on every session; members absent at send time get a spool row in
// the same transaction. Transport failures after commit are logged, never
// rolled back: reconnecting clients recover via History, not the spool.
func (s *Service) SendMessage(ctx context.Context, in SendMessageInput) (MessageView, error) {
	if !validMessageType(in.Type) {
		return MessageView{}, apperr.BadRequest("unknown message type")
	}
	if strings.TrimSpace(in.Content) == "" {
		return MessageView{}, apperr.BadRequest("content is required")
	}
	if len(in.Content) > maxMessageLength {
		return MessageView{}, apperr.BadRequest("message too long")
	}
	if in.FileSize != nil && *in.FileSize > maxFileSize {
		return MessageView{}, apperr.BadRequest("file too large")
	}

	release, err := s.locks.Acquire(ctx, in.ConversationID, s.lockTimeout)
	if err != nil {
		return MessageView{}, s.mapErr("acquire conversation lock", err)
	}
	defer release()

	var model store.MessageModel
	var online []int64
	err = store.WithTx(ctx, s.db, s.txTimeout, &in.ConversationID, func(tx *gorm.DB) error {
		if _, err := s.loadConversation(tx, in.ConversationID); err != nil {
			return err
		}
		active, err := s.isActiveMember(tx, in.ConversationID, in.SenderID)
		if err != nil {
			return err
		}
		if !active {
			return apperr.Unprocessable("sender is not a member")
		}

		now := s.clock.Now()
		model = store.MessageModel{
			ConversationID: in.ConversationID,
			SenderID:       in.SenderID,
			Type:           in.Type,
			Content:        in.Content,
			FileURL:        in.FileURL,
			FileName:       in.FileName,
			FileSize:       in.FileSize,
			CreatedAt:      now,
		}
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		var memberIDs []int64
		if err := tx.Model(&store.ConversationMemberModel{}).
			Where("conversation_id = ? AND left_at IS NULL", in.ConversationID).
			Pluck("user_id", &memberIDs).Error; err != nil {
			return fmt.Errorf("list members: %w", err)
		}

		online = online[:0]
		for _, memberID := range memberIDs {
			if memberID == in.SenderID {
				continue
			}
			if s.presence != nil && s.presence.IsOnline(memberID) {
				online = append(online, memberID)
				continue
			}
			spool := store.OfflineMessageModel{UserID: memberID, MessageID: model.ID, CreatedAt: now}
			if err := tx.Create(&spool).Error; err != nil {
				return fmt.Errorf("insert spool row: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return MessageView{}, s.mapErr("send message", err)
	}

	view := messageFromModel(model)
	if s.sender != nil {
		for _, memberID := range online {
			for _, handle := range s.presence.Sessions(memberID) {
				if err := s.sender.Send(handle, view); err != nil {
					slog.Warn("realtime delivery failed",
						"message_id", view.ID, "user_id", memberID, "session", handle, "error", err)
				}
			}
		}
	}

	s.publish(ctx, "message.sent", map[string]any{"id": view.ID, "conversation_id": view.ConversationID})
	s.record(audit.Entry{
		ActorID:      in.SenderID,
		Action:       "message.send",
		ResourceType: "message",
		ResourceID:   view.ID,
		TraceID:      in.TraceID,
	})
	return view, nil
}

// DrainOffline delivers every spooled message to the user's current sessions
// in ascending message id order, then clears the spool. Any delivery failure
// aborts the transaction so the spool is retried on next connect.
func (s *Service) DrainOffline(ctx context.Context, userID int64) error {
	if s.presence == nil || s.sender == nil {
		return apperr.Unavailable("transport not wired")
	}
	err := store.WithTx(ctx, s.db, s.txTimeout, nil, func(tx *gorm.DB) error {
		var spooled []store.MessageModel
		err := tx.Raw(`
			SELECT m.* FROM messages m
			INNER JOIN offline_messages om ON om.message_id = m.id
			WHERE om.user_id = ?
			ORDER BY m.id ASC`, userID).Scan(&spooled).Error
		if err != nil {
			return fmt.Errorf("load spool: %w", err)
		}
		if len(spooled) == 0 {
			return nil
		}

		handles := s.presence.Sessions(userID)
		for _, m := range spooled {
			view := messageFromModel(m)
			for _, handle := range handles {
				if err := s.sender.Send(handle, view); err != nil {
					return apperr.Wrap(apperr.CodeInternal, "spool delivery failed", err)
				}
			}
		}
		if err := tx.Where("user_id = ?", userID).Delete(&store.OfflineMessageModel{}).Error; err != nil {
			return fmt.Errorf("clear spool: %w", err)
		}
		return nil
	})
	if err != nil {
		return s.mapErr("drain offline spool", err)
	}
	return nil
}
