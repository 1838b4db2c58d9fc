package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"threadhub/internal/apperr"
	"threadhub/internal/audit"
	"threadhub/internal/events"
	"threadhub/internal/store"
	"threadhub/internal/util"
)

// Service implements conversations, membership and message delivery with
// at-least-once offline spooling.
type Service struct {
	db       *gorm.DB
	locks    *store.KeyedLocks
	presence Presence
	sender   Sender
	events   *events.Publisher
	audit    *audit.Writer
	clock    util.Clock

	lockTimeout time.Duration
	txTimeout   time.Duration
}

// Options wires the service dependencies.
type Options struct {
	DB          *gorm.DB
	Locks       *store.KeyedLocks
	Presence    Presence
	Sender      Sender
	Events      *events.Publisher
	Audit       *audit.Writer
	Clock       util.Clock
	LockTimeout time.Duration
	TxTimeout   time.Duration
}

// NewService builds the chat engine.
func NewService(opts Options) *Service {
	clock := opts.Clock
	if clock == nil {
		clock = util.SystemClock{}
	}
	locks := opts.Locks
	if locks == nil {
		locks = store.NewKeyedLocks()
	}
	lockTimeout := opts.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = 10 * time.Second
	}
	txTimeout := opts.TxTimeout
	if txTimeout <= 0 {
		txTimeout = 30 * time.Second
	}
	return &Service{
		db:          opts.DB,
		locks:       locks,
		presence:    opts.Presence,
		sender:      opts.Sender,
		events:      opts.Events,
		audit:       opts.Audit,
		clock:       clock,
		lockTimeout: lockTimeout,
		txTimeout:   txTimeout,
	}
}

// SetSender attaches the transport broker after construction; the broker and
// the engine reference each other, so one side binds late during wiring.
func (s *Service) SetSender(sender Sender) {
	s.sender = sender
}

// CreatePrivateConversation returns the active private conversation for the
// unordered pair {a, b}, creating one when none exists.
func (s *Service) CreatePrivateConversation(ctx context.Context, a, b int64) (ConversationView, error) {
	if a == b {
		return ConversationView{}, apperr.BadRequest("a private conversation needs two distinct users")
	}

	var existing store.ConversationModel
	err := s.db.WithContext(ctx).Raw(`
		SELECT c.* FROM conversations c
		INNER JOIN conversation_members m1 ON m1.conversation_id = c.id AND m1.user_id = ? AND m1.left_at IS NULL
		INNER JOIN conversation_members m2 ON m2.conversation_id = c.id AND m2.user_id = ? AND m2.left_at IS NULL
		WHERE c.kind = ? AND c.deleted_at IS NULL
		LIMIT 1`, a, b, KindPrivate).Scan(&existing).Error
	if err != nil {
		return ConversationView{}, s.mapErr("lookup private conversation", err)
	}
	if existing.ID != 0 {
		return conversationFromModel(existing), nil
	}

	now := s.clock.Now()
	model := store.ConversationModel{Kind: KindPrivate, CreatedAt: now}
	err = store.WithTx(ctx, s.db, s.txTimeout, nil, func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		members := []store.ConversationMemberModel{
			{ConversationID: model.ID, UserID: a, JoinedAt: now},
			{ConversationID: model.ID, UserID: b, JoinedAt: now},
		}
		if err := tx.Create(&members).Error; err != nil {
			return fmt.Errorf("insert members: %w", err)
		}
		return nil
	})
	if err != nil {
		return ConversationView{}, s.mapErr("create private conversation", err)
	}
	return conversationFromModel(model), nil
}

// CreateGroupConversation creates a group owned by owner with the
// deduplicated initial members.
func (s *Service) CreateGroupConversation(ctx context.Context, owner int64, name string, members []int64) (ConversationView, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ConversationView{}, apperr.BadRequest("group name is required")
	}
	if len([]rune(name)) > maxGroupName {
		return ConversationView{}, apperr.BadRequest("group name too long")
	}

	unique := dedupe(members, owner)
	if len(unique)+1 > maxGroupMembers {
		return ConversationView{}, apperr.Unprocessable("group member limit exceeded")
	}

	now := s.clock.Now()
	model := store.ConversationModel{Kind: KindGroup, Name: name, OwnerID: &owner, CreatedAt: now}
	err := store.WithTx(ctx, s.db, s.txTimeout, nil, func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		rows := make([]store.ConversationMemberModel, 0, len(unique)+1)
		rows = append(rows, store.ConversationMemberModel{ConversationID: model.ID, UserID: owner, JoinedAt: now})
		for _, id := range unique {
			rows = append(rows, store.ConversationMemberModel{ConversationID: model.ID, UserID: id, JoinedAt: now})
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("insert members: %w", err)
		}
		return nil
	})
	if err != nil {
		return ConversationView{}, s.mapErr("create group conversation", err)
	}

	s.record(audit.Entry{ActorID: owner, Action: "conversation.create", ResourceType: "conversation", ResourceID: model.ID})
	return conversationFromModel(model), nil
}

// InviteToGroup adds members to a group. The inviter must be an active
// member; users already active are skipped.
func (s *Service) InviteToGroup(ctx context.Context, conversationID, inviterID int64, userIDs []int64) error {
	if len(userIDs) == 0 {
		return apperr.BadRequest("invite list is empty")
	}

	release, err := s.locks.Acquire(ctx, conversationID, s.lockTimeout)
	if err != nil {
		return s.mapErr("acquire conversation lock", err)
	}
	defer release()

	err = store.WithTx(ctx, s.db, s.txTimeout, &conversationID, func(tx *gorm.DB) error {
		conv, err := s.loadConversation(tx, conversationID)
		if err != nil {
			return err
		}
		if conv.Kind != KindGroup {
			return apperr.Unprocessable("only groups accept invites")
		}
		active, err := s.isActiveMember(tx, conversationID, inviterID)
		if err != nil {
			return err
		}
		if !active {
			return apperr.Unprocessable("inviter is not a member")
		}

		var current int64
		if err := tx.Model(&store.ConversationMemberModel{}).
			Where("conversation_id = ? AND left_at IS NULL", conversationID).
			Count(&current).Error; err != nil {
			return fmt.Errorf("count members: %w", err)
		}
		unique := dedupe(userIDs, 0)
		if current+int64(len(unique)) > maxGroupMembers {
			return apperr.Unprocessable("group member limit exceeded")
		}

		now := s.clock.Now()
		for _, userID := range unique {
			active, err := s.isActiveMember(tx, conversationID, userID)
			if err != nil {
				return err
			}
			if active {
				continue
			}
			row := store.ConversationMemberModel{ConversationID: conversationID, UserID: userID, JoinedAt: now}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("insert member: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return s.mapErr("invite to group", err)
	}

	s.record(audit.Entry{ActorID: inviterID, Action: "conversation.invite", ResourceType: "conversation", ResourceID: conversationID})
	return nil
}

// LeaveGroup marks the user as departed. The owner cannot leave without
// transferring or deleting the group.
func (s *Service) LeaveGroup(ctx context.Context, conversationID, userID int64) error {
	release, err := s.locks.Acquire(ctx, conversationID, s.lockTimeout)
	if err != nil {
		return s.mapErr("acquire conversation lock", err)
	}
	defer release()

	err = store.WithTx(ctx, s.db, s.txTimeout, &conversationID, func(tx *gorm.DB) error {
		conv, err := s.loadConversation(tx, conversationID)
		if err != nil {
			return err
		}
		if conv.Kind != KindGroup {
			return apperr.Unprocessable("only groups can be left")
		}
		if conv.OwnerID != nil && *conv.OwnerID == userID {
			return apperr.Unprocessable("owner cannot leave the group")
		}

		var member store.ConversationMemberModel
		err = tx.Where("conversation_id = ? AND user_id = ? AND left_at IS NULL", conversationID, userID).
			First(&member).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("membership not found")
			}
			return fmt.Errorf("load membership: %w", err)
		}
		now := s.clock.Now()
		return tx.Model(&store.ConversationMemberModel{}).
			Where("id = ? AND left_at IS NULL", member.ID).
			Update("left_at", now).Error
	})
	if err != nil {
		return s.mapErr("leave group", err)
	}

	s.record(audit.Entry{ActorID: userID, Action: "conversation.leave", ResourceType: "conversation", ResourceID: conversationID})
	return nil
}

// DeleteConversation soft-deletes a conversation and its messages and purges
// their spool rows. Groups may only be deleted by the owner; private
// conversations by an active member.
func (s *Service) DeleteConversation(ctx context.Context, conversationID, actorID int64) error {
	release, err := s.locks.Acquire(ctx, conversationID, s.lockTimeout)
	if err != nil {
		return s.mapErr("acquire conversation lock", err)
	}
	defer release()

	err = store.WithTx(ctx, s.db, s.txTimeout, &conversationID, func(tx *gorm.DB) error {
		conv, err := s.loadConversation(tx, conversationID)
		if err != nil {
			return err
		}
		if conv.Kind == KindGroup {
			if conv.OwnerID == nil || *conv.OwnerID != actorID {
				return apperr.Unprocessable("only the owner can delete a group")
			}
		} else {
			active, err := s.isActiveMember(tx, conversationID, actorID)
			if err != nil {
				return err
			}
			if !active {
				return apperr.Unprocessable("actor is not a member")
			}
		}

		now := s.clock.Now()
		res := tx.Model(&store.ConversationModel{}).
			Where("id = ? AND deleted_at IS NULL", conversationID).
			Update("deleted_at", now)
		if res.Error != nil {
			return fmt.Errorf("delete conversation: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.Gone("conversation already deleted")
		}
		if err := tx.Model(&store.MessageModel{}).
			Where("conversation_id = ? AND deleted_at IS NULL", conversationID).
			Update("deleted_at", now).Error; err != nil {
			return fmt.Errorf("cascade messages: %w", err)
		}
		messageIDs := tx.Model(&store.MessageModel{}).Select("id").Where("conversation_id = ?", conversationID)
		if err := tx.Where("message_id IN (?)", messageIDs).
			Delete(&store.OfflineMessageModel{}).Error; err != nil {
			return fmt.Errorf("purge spool: %w", err)
		}
		return nil
	})
	if err != nil {
		return s.mapErr("delete conversation", err)
	}

	s.publish(ctx, "conversation.deleted", map[string]any{"id": conversationID})
	s.record(audit.Entry{ActorID: actorID, Action: "conversation.delete", ResourceType: "conversation", ResourceID: conversationID})
	return nil
}

// ListConversations returns the user's active conversations, most recently
// active first.
func (s *Service) ListConversations(ctx context.Context, userID int64) ([]ConversationView, error) {
	var models []store.ConversationModel
	err := s.db.WithContext(ctx).Raw(`
		SELECT c.* FROM conversations c
		INNER JOIN conversation_members m ON m.conversation_id = c.id AND m.user_id = ? AND m.left_at IS NULL
		WHERE c.deleted_at IS NULL
		ORDER BY COALESCE(
			(SELECT MAX(msg.created_at) FROM messages msg WHERE msg.conversation_id = c.id AND msg.deleted_at IS NULL),
			c.created_at
		) DESC, c.id DESC`, userID).Scan(&models).Error
	if err != nil {
		return nil, s.mapErr("list conversations", err)
	}
	out := make([]ConversationView, 0, len(models))
	for _, m := range models {
		out = append(out, conversationFromModel(m))
	}
	return out, nil
}

// History returns messages newest first. Past members may still read.
func (s *Service) History(ctx context.Context, conversationID, requesterID int64, limit, offset int) ([]MessageView, error) {
	var conv store.ConversationModel
	err := s.db.WithContext(ctx).Where("id = ?", conversationID).First(&conv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("conversation not found")
		}
		return nil, s.mapErr("load conversation", err)
	}

	var membership int64
	err = s.db.WithContext(ctx).Model(&store.ConversationMemberModel{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, requesterID).
		Count(&membership).Error
	if err != nil {
		return nil, s.mapErr("check membership", err)
	}
	if membership == 0 {
		return nil, apperr.Unprocessable("requester was never a member")
	}

	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var models []store.MessageModel
	err = s.db.WithContext(ctx).
		Where("conversation_id = ? AND deleted_at IS NULL", conversationID).
		Order("created_at DESC, id DESC").
		Limit(limit).Offset(offset).
		Find(&models).Error
	if err != nil {
		return nil, s.mapErr("list messages", err)
	}
	out := make([]MessageView, 0, len(models))
	for _, m := range models {
		out = append(out, messageFromModel(m))
	}
	return out, nil
}

func (s *Service) loadConversation(tx *gorm.DB, conversationID int64) (store.ConversationModel, error) {
	var conv store.ConversationModel
	err := store.ForShareNoWait(tx).Where("id = ?", conversationID).First(&conv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return conv, apperr.NotFound("conversation not found")
		}
		if store.IsLockContention(err) {
			return conv, apperr.Wrap(apperr.CodeLocked, "conversation busy", err)
		}
		return conv, fmt.Errorf("load conversation: %w", err)
	}
	if conv.DeletedAt != nil {
		return conv, apperr.Gone("conversation deleted")
	}
	return conv, nil
}

func (s *Service) isActiveMember(tx *gorm.DB, conversationID, userID int64) (bool, error) {
	var count int64
	err := tx.Model(&store.ConversationMemberModel{}).
		Where("conversation_id = ? AND user_id = ? AND left_at IS NULL", conversationID, userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return count > 0, nil
}

func (s *Service) publish(ctx context.Context, key string, payload any) {
	s.events.Publish(ctx, key, payload)
}

func (s *Service) record(e audit.Entry) {
	if s.audit != nil {
		s.audit.Record(e)
	}
}

func (s *Service) mapErr(op string, err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, store.ErrLockTimeout) || store.IsLockContention(err) {
		return apperr.Wrap(apperr.CodeLocked, "resource busy", err)
	}
	if store.IsDeadline(err) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.CodeTimeout, op+" timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.CodeTimeout, op+" cancelled", err)
	}
	return apperr.Wrap(apperr.CodeInternal, op+" failed", err)
}

func dedupe(ids []int64, exclude int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id == exclude {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
