package discussion

import (
	"context"
	"time"

	"threadhub/internal/store"
)

// Resource and reaction kinds accepted by the engine.
const (
	ResourcePost    = "post"
	ResourceComment = "comment"

	ReactionLike     = "like"
	ReactionFavorite = "favorite"
)

// CommentLimiter is the admission contract for comment creation: both rate
// dimensions plus the per-(actor, post) cooldown.
type CommentLimiter interface {
	Check(ctx context.Context, actorID int64, ip string, postID int64) error
	RecordSuccess(ctx context.Context, actorID, postID int64)
}

// CreateCommentInput carries one comment creation request.
type CreateCommentInput struct {
	PostID          int64
	AuthorID        int64
	ParentCommentID *int64
	Content         string
	AtUserID        *int64
	IdempotencyKey  string

	ClientIP  string
	UserAgent string
	TraceID   string
}

// CreateReactionInput carries one reaction request.
type CreateReactionInput struct {
	ResourceType   string
	ResourceID     int64
	ReactorID      int64
	ReactionType   string
	IdempotencyKey string

	ClientIP  string
	UserAgent string
	TraceID   string
}

// Comment is the caller-facing comment row.
type Comment struct {
	ID              int64     `json:"id"`
	PostID          int64     `json:"post_id"`
	AuthorID        int64     `json:"author_id"`
	ParentCommentID *int64    `json:"parent_comment_id,omitempty"`
	Content         string    `json:"content"`
	AtUserID        *int64    `json:"at_user_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// CommentThread is a top-level comment with its replies.
type CommentThread struct {
	Comment
	Replies []Comment `json:"replies"`
}

// Reaction is the caller-facing reaction row.
type Reaction struct {
	ID           int64     `json:"id"`
	ResourceType string    `json:"resource_type"`
	ResourceID   int64     `json:"resource_id"`
	ReactorID    int64     `json:"reactor_id"`
	ReactionType string    `json:"reaction_type"`
	CreatedAt    time.Time `json:"created_at"`
}

// PostStatus is the error-free pre-navigation probe result.
type PostStatus struct {
	Exists   bool   `json:"exists"`
	Deleted  bool   `json:"deleted"`
	Locked   bool   `json:"locked"`
	Advisory string `json:"advisory,omitempty"`
}

func commentFromModel(m store.CommentModel) Comment {
	return Comment{
		ID:              m.ID,
		PostID:          m.PostID,
		AuthorID:        m.AuthorID,
		ParentCommentID: m.ParentCommentID,
		Content:         m.Content,
		AtUserID:        m.AtUserID,
		CreatedAt:       m.CreatedAt,
	}
}

func reactionFromModel(m store.ReactionModel) Reaction {
	return Reaction{
		ID:           m.ID,
		ResourceType: m.ResourceType,
		ResourceID:   m.ResourceID,
		ReactorID:    m.ReactorID,
		ReactionType: m.ReactionType,
		CreatedAt:    m.CreatedAt,
	}
}
