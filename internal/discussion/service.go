package discussion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"threadhub/internal/apperr"
	"threadhub/internal/audit"
	"threadhub/internal/events"
	"threadhub/internal/store"
	"threadhub/internal/util"
)

// Service implements the discussion engine: a two-level comment tree with
// idempotent creation, cascade soft delete and per-post serialization.
// Consumers poll; no real-time events are required for correctness.
type Service struct {
	db      *gorm.DB
	locks   *store.KeyedLocks
	limiter CommentLimiter
	events  *events.Publisher
	audit   *audit.Writer
	clock   util.Clock

	lockTimeout time.Duration
	txTimeout   time.Duration
}

// Options wires the service dependencies.
type Options struct {
	DB          *gorm.DB
	Locks       *store.KeyedLocks
	Limiter     CommentLimiter
	Events      *events.Publisher
	Audit       *audit.Writer
	Clock       util.Clock
	LockTimeout time.Duration
	TxTimeout   time.Duration
}

// NewService builds the discussion engine.
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
		limiter:     opts.Limiter,
		events:      opts.Events,
		audit:       opts.Audit,
		clock:       clock,
		lockTimeout: lockTimeout,
		txTimeout:   txTimeout,
	}
}

// CreateComment creates a comment under the per-post lock. Replays of the
// same (author, post, idempotency key) return the original row untouched.
func (s *Service) CreateComment(ctx context.Context, in CreateCommentInput) (Comment, error) {
	if strings.TrimSpace(in.Content) == "" {
		return Comment{}, apperr.BadRequest("content is required")
	}
	if strings.TrimSpace(in.IdempotencyKey) == "" {
		return Comment{}, apperr.BadRequest("idempotency key is required")
	}

	// Idempotent replay short-circuits before rate limiting so retries of an
	// already-applied call never burn quota.
	var existing store.CommentModel
	err := s.db.WithContext(ctx).
		Where("author_id = ? AND post_id = ? AND idempotency_key = ?", in.AuthorID, in.PostID, in.IdempotencyKey).
		First(&existing).Error
	if err == nil {
		return commentFromModel(existing), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Comment{}, s.mapErr("lookup comment", err)
	}

	if s.limiter != nil {
		if err := s.limiter.Check(ctx, in.AuthorID, in.ClientIP, in.PostID); err != nil {
			return Comment{}, err
		}
	}

	release, err := s.locks.Acquire(ctx, in.PostID, s.lockTimeout)
	if err != nil {
		return Comment{}, s.mapErr("acquire post lock", err)
	}
	defer release()

	var model store.CommentModel
	err = store.WithTx(ctx, s.db, s.txTimeout, &in.PostID, func(tx *gorm.DB) error {
		post, err := s.loadPost(tx, in.PostID)
		if err != nil {
			return err
		}
		if post.DeletedAt != nil {
			return apperr.Gone("post deleted")
		}
		if post.LockedAt != nil {
			return apperr.Locked("post locked")
		}

		if in.ParentCommentID != nil {
			var parent store.CommentModel
			err := store.ForShareNoWait(tx).Where("id = ?", *in.ParentCommentID).First(&parent).Error
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return apperr.NotFound("parent comment not found")
				}
				return fmt.Errorf("load parent comment: %w", err)
			}
			if parent.DeletedAt != nil {
				return apperr.Gone("parent comment deleted")
			}
			if parent.ParentCommentID != nil {
				return apperr.Unprocessable("maximum thread depth exceeded")
			}
		}

		now := s.clock.Now()
		model = store.CommentModel{
			PostID:          in.PostID,
			AuthorID:        in.AuthorID,
			ParentCommentID: in.ParentCommentID,
			Content:         in.Content,
			AtUserID:        in.AtUserID,
			IdempotencyKey:  in.IdempotencyKey,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
		if res.Error != nil {
			return fmt.Errorf("insert comment: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// A concurrent retry won the race; return its row.
			return tx.Where("author_id = ? AND post_id = ? AND idempotency_key = ?",
				in.AuthorID, in.PostID, in.IdempotencyKey).First(&model).Error
		}
		return nil
	})
	if err != nil {
		return Comment{}, s.mapErr("create comment", err)
	}

	if s.limiter != nil {
		s.limiter.RecordSuccess(ctx, in.AuthorID, in.PostID)
	}
	s.publish(ctx, "comment.created", map[string]any{"id": model.ID, "post_id": model.PostID})
	s.record(audit.Entry{
		ActorID:      in.AuthorID,
		Action:       "comment.create",
		ResourceType: ResourceComment,
		ResourceID:   model.ID,
		IP:           in.ClientIP,
		UserAgent:    in.UserAgent,
		TraceID:      in.TraceID,
	})
	return commentFromModel(model), nil
}

// ListComments assembles the two-level tree for a post, newest first with id
// as tie-break, deleted rows absent.
func (s *Service) ListComments(ctx context.Context, postID int64) ([]CommentThread, error) {
	var post store.PostModel
	err := s.db.WithContext(ctx).Where("id = ?", postID).First(&post).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("post not found")
		}
		return nil, s.mapErr("load post", err)
	}
	if post.DeletedAt != nil {
		return nil, apperr.Gone("post deleted")
	}

	var topLevel []store.CommentModel
	err = s.db.WithContext(ctx).
		Where("post_id = ? AND parent_comment_id IS NULL AND deleted_at IS NULL", postID).
		Order("created_at DESC, id DESC").
		Find(&topLevel).Error
	if err != nil {
		return nil, s.mapErr("list comments", err)
	}

	threads := make([]CommentThread, 0, len(topLevel))
	if len(topLevel) == 0 {
		return threads, nil
	}

	parentIDs := make([]int64, 0, len(topLevel))
	for _, c := range topLevel {
		parentIDs = append(parentIDs, c.ID)
	}
	var replies []store.CommentModel
	err = s.db.WithContext(ctx).
		Where("parent_comment_id IN ? AND deleted_at IS NULL", parentIDs).
		Order("created_at DESC, id DESC").
		Find(&replies).Error
	if err != nil {
		return nil, s.mapErr("list replies", err)
	}

	byParent := make(map[int64][]Comment, len(topLevel))
	for _, r := range replies {
		byParent[*r.ParentCommentID] = append(byParent[*r.ParentCommentID], commentFromModel(r))
	}
	for _, c := range topLevel {
		thread := CommentThread{Comment: commentFromModel(c), Replies: byParent[c.ID]}
		if thread.Replies == nil {
			thread.Replies = []Comment{}
		}
		threads = append(threads, thread)
	}
	return threads, nil
}

// Probe reports post availability without raising errors, for
// pre-navigation checks.
func (s *Service) Probe(ctx context.Context, postID int64) PostStatus {
	var post store.PostModel
	err := s.db.WithContext(ctx).Where("id = ?", postID).First(&post).Error
	if err != nil {
		return PostStatus{Advisory: "post not found"}
	}
	status := PostStatus{Exists: true}
	if post.DeletedAt != nil {
		status.Deleted = true
		status.Advisory = "post deleted"
		return status
	}
	if post.LockedAt != nil {
		status.Locked = true
		status.Advisory = "post locked to new comments"
	}
	return status
}

func (s *Service) loadPost(tx *gorm.DB, postID int64) (store.PostModel, error) {
	var post store.PostModel
	err := store.ForShareNoWait(tx).Where("id = ?", postID).First(&post).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return post, apperr.NotFound("post not found")
		}
		return post, fmt.Errorf("load post: %w", err)
	}
	return post, nil
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
