package discussion

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"threadhub/internal/apperr"
	"threadhub/internal/audit"
	"threadhub/internal/store"
)

// reactionLockBuckets spreads comment reactions over a bounded key space so
// the lock table stays small under wide fan-in.
const reactionLockBuckets = 1024

// CreateReaction records a reaction idempotently. The target must exist and
// be live; favoriting one's own content is rejected, liking it is allowed.
func (s *Service) CreateReaction(ctx context.Context, in CreateReactionInput) (Reaction, error) {
	if in.ReactionType != ReactionLike && in.ReactionType != ReactionFavorite {
		return Reaction{}, apperr.BadRequest("unknown reaction type")
	}
	if in.ResourceType != ResourcePost && in.ResourceType != ResourceComment {
		return Reaction{}, apperr.BadRequest("unknown resource type")
	}
	if in.IdempotencyKey == "" {
		return Reaction{}, apperr.BadRequest("idempotency key is required")
	}

	lockKey := in.ResourceID
	if in.ResourceType == ResourceComment {
		lockKey = in.ResourceID % reactionLockBuckets
	}
	release, err := s.locks.Acquire(ctx, lockKey, s.lockTimeout)
	if err != nil {
		return Reaction{}, s.mapErr("acquire reaction lock", err)
	}
	defer release()

	var model store.ReactionModel
	err = store.WithTx(ctx, s.db, s.txTimeout, &lockKey, func(tx *gorm.DB) error {
		authorID, err := s.loadReactionTarget(tx, in.ResourceType, in.ResourceID)
		if err != nil {
			return err
		}
		if in.ReactionType == ReactionFavorite && authorID == in.ReactorID {
			return apperr.Unprocessable("cannot favorite own content")
		}

		now := s.clock.Now()
		model = store.ReactionModel{
			ResourceType:   in.ResourceType,
			ResourceID:     in.ResourceID,
			ReactorID:      in.ReactorID,
			ReactionType:   in.ReactionType,
			IdempotencyKey: in.IdempotencyKey,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
		if res.Error != nil {
			return fmt.Errorf("insert reaction: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return tx.Where(
				"reactor_id = ? AND resource_type = ? AND resource_id = ? AND reaction_type = ? AND idempotency_key = ?",
				in.ReactorID, in.ResourceType, in.ResourceID, in.ReactionType, in.IdempotencyKey,
			).First(&model).Error
		}
		return nil
	})
	if err != nil {
		return Reaction{}, s.mapErr("create reaction", err)
	}

	s.publish(ctx, "reaction.created", map[string]any{
		"resource_type": in.ResourceType,
		"resource_id":   in.ResourceID,
		"reaction_type": in.ReactionType,
	})
	s.record(audit.Entry{
		ActorID:      in.ReactorID,
		Action:       "reaction.create",
		ResourceType: in.ResourceType,
		ResourceID:   in.ResourceID,
		IP:           in.ClientIP,
		UserAgent:    in.UserAgent,
		TraceID:      in.TraceID,
	})
	return reactionFromModel(model), nil
}

func (s *Service) loadReactionTarget(tx *gorm.DB, resourceType string, resourceID int64) (authorID int64, err error) {
	switch resourceType {
	case ResourcePost:
		var post store.PostModel
		err = tx.Where("id = ?", resourceID).First(&post).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return 0, apperr.NotFound("post not found")
			}
			return 0, fmt.Errorf("load post: %w", err)
		}
		if post.DeletedAt != nil {
			return 0, apperr.Gone("post deleted")
		}
		return post.AuthorID, nil
	default:
		var comment store.CommentModel
		err = tx.Where("id = ?", resourceID).First(&comment).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return 0, apperr.NotFound("comment not found")
			}
			return 0, fmt.Errorf("load comment: %w", err)
		}
		if comment.DeletedAt != nil {
			return 0, apperr.Gone("comment deleted")
		}
		return comment.AuthorID, nil
	}
}
