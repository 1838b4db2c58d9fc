package discussion

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"threadhub/internal/apperr"
	"threadhub/internal/audit"
	"threadhub/internal/store"
)

// DeletePost soft-deletes a post and cascades to its comments and every
// reaction targeting the post or those comments. The cascade never clears an
// already-set deletion stamp; re-deleting reports Gone.
func (s *Service) DeletePost(ctx context.Context, postID, actorID int64, traceID string) error {
	release, err := s.locks.Acquire(ctx, postID, s.lockTimeout)
	if err != nil {
		return s.mapErr("acquire post lock", err)
	}
	defer release()

	err = store.WithTx(ctx, s.db, s.txTimeout, &postID, func(tx *gorm.DB) error {
		post, err := s.loadPost(tx, postID)
		if err != nil {
			return err
		}
		if post.DeletedAt != nil {
			return apperr.Gone("post already deleted")
		}

		now := s.clock.Now()
		if err := tx.Model(&store.PostModel{}).
			Where("id = ? AND deleted_at IS NULL", postID).
			Updates(map[string]any{"deleted_at": now, "updated_at": now}).Error; err != nil {
			return fmt.Errorf("delete post: %w", err)
		}
		if err := tx.Model(&store.CommentModel{}).
			Where("post_id = ? AND deleted_at IS NULL", postID).
			Updates(map[string]any{"deleted_at": now, "updated_at": now}).Error; err != nil {
			return fmt.Errorf("cascade comments: %w", err)
		}
		if err := tx.Model(&store.ReactionModel{}).
			Where("resource_type = ? AND resource_id = ? AND deleted_at IS NULL", ResourcePost, postID).
			Updates(map[string]any{"deleted_at": now, "updated_at": now}).Error; err != nil {
			return fmt.Errorf("cascade post reactions: %w", err)
		}
		commentIDs := tx.Model(&store.CommentModel{}).Select("id").Where("post_id = ?", postID)
		if err := tx.Model(&store.ReactionModel{}).
			Where("resource_type = ? AND resource_id IN (?) AND deleted_at IS NULL", ResourceComment, commentIDs).
			Updates(map[string]any{"deleted_at": now, "updated_at": now}).Error; err != nil {
			return fmt.Errorf("cascade comment reactions: %w", err)
		}
		return nil
	})
	if err != nil {
		return s.mapErr("delete post", err)
	}

	s.publish(ctx, "post.deleted", map[string]any{"id": postID})
	s.record(audit.Entry{
		ActorID:      actorID,
		Action:       "post.delete",
		ResourceType: ResourcePost,
		ResourceID:   postID,
		TraceID:      traceID,
	})
	return nil
}

// DeleteComment soft-deletes a comment. Top-level comments cascade to their
// replies and to reactions on either; replies cascade only to their own
// reactions.
func (s *Service) DeleteComment(ctx context.Context, commentID, actorID int64, traceID string) error {
	var probe store.CommentModel
	err := s.db.WithContext(ctx).Where("id = ?", commentID).First(&probe).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("comment not found")
		}
		return s.mapErr("load comment", err)
	}
	postID := probe.PostID

	release, err := s.locks.Acquire(ctx, postID, s.lockTimeout)
	if err != nil {
		return s.mapErr("acquire post lock", err)
	}
	defer release()

	err = store.WithTx(ctx, s.db, s.txTimeout, &postID, func(tx *gorm.DB) error {
		var comment store.CommentModel
		err := store.ForShareNoWait(tx).Where("id = ?", commentID).First(&comment).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("comment not found")
			}
			return fmt.Errorf("load comment: %w", err)
		}
		if comment.DeletedAt != nil {
			return apperr.Gone("comment already deleted")
		}

		now := s.clock.Now()
		if err := tx.Model(&store.CommentModel{}).
			Where("id = ? AND deleted_at IS NULL", commentID).
			Updates(map[string]any{"deleted_at": now, "updated_at": now}).Error; err != nil {
			return fmt.Errorf("delete comment: %w", err)
		}

		targetIDs := []int64{commentID}
		if comment.ParentCommentID == nil {
			var replyIDs []int64
			if err := tx.Model(&store.CommentModel{}).
				Where("parent_comment_id = ?", commentID).
				Pluck("id", &replyIDs).Error; err != nil {
				return fmt.Errorf("list replies: %w", err)
			}
			if len(replyIDs) > 0 {
				if err := tx.Model(&store.CommentModel{}).
					Where("parent_comment_id = ? AND deleted_at IS NULL", commentID).
					Updates(map[string]any{"deleted_at": now, "updated_at": now}).Error; err != nil {
					return fmt.Errorf("cascade replies: %w", err)
				}
				targetIDs = append(targetIDs, replyIDs...)
			}
		}
		if err := tx.Model(&store.ReactionModel{}).
			Where("resource_type = ? AND resource_id IN ? AND deleted_at IS NULL", ResourceComment, targetIDs).
			Updates(map[string]any{"deleted_at": now, "updated_at": now}).Error; err != nil {
			return fmt.Errorf("cascade reactions: %w", err)
		}
		return nil
	})
	if err != nil {
		return s.mapErr("delete comment", err)
	}

	s.publish(ctx, "comment.deleted", map[string]any{"id": commentID, "post_id": postID})
	s.record(audit.Entry{
		ActorID:      actorID,
		Action:       "comment.delete",
		ResourceType: ResourceComment,
		ResourceID:   commentID,
		TraceID:      traceID,
	})
	return nil
}

// LockPost closes a post to new comments. Reads and reactions stay allowed.
func (s *Service) LockPost(ctx context.Context, postID, actorID int64, traceID string) error {
	return s.setPostLock(ctx, postID, actorID, traceID, true)
}

// UnlockPost reopens a post to new comments.
func (s *Service) UnlockPost(ctx context.Context, postID, actorID int64, traceID string) error {
	return s.setPostLock(ctx, postID, actorID, traceID, false)
}

func (s *Service) setPostLock(ctx context.Context, postID, actorID int64, traceID string, lock bool) error {
	release, err := s.locks.Acquire(ctx, postID, s.lockTimeout)
	if err != nil {
		return s.mapErr("acquire post lock", err)
	}
	defer release()

	err = store.WithTx(ctx, s.db, s.txTimeout, &postID, func(tx *gorm.DB) error {
		post, err := s.loadPost(tx, postID)
		if err != nil {
			return err
		}
		if post.DeletedAt != nil {
			return apperr.Gone("post deleted")
		}
		now := s.clock.Now()
		var lockedAt any
		if lock {
			lockedAt = now
		}
		return tx.Model(&store.PostModel{}).
			Where("id = ?", postID).
			Updates(map[string]any{"locked_at": lockedAt, "updated_at": now}).Error
	})
	if err != nil {
		return s.mapErr("update post lock", err)
	}

	action := "post.lock"
	if !lock {
		action = "post.unlock"
	}
	s.record(audit.Entry{
		ActorID:      actorID,
		Action:       action,
		ResourceType: ResourcePost,
		ResourceID:   postID,
		TraceID:      traceID,
	})
	return nil
}
