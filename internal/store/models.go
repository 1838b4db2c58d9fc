package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence. Table names match the wire-level schema
// consumed by external collaborators.

type PostModel struct {
	ID        int64  `gorm:"primaryKey"`
	AuthorID  int64  `gorm:"not null;index"`
	Title     string `gorm:"type:text"`
	Content   string `gorm:"type:text"`
	LockedAt  *time.Time
	DeletedAt *time.Time `gorm:"index"`
	CreatedAt time.Time  `gorm:"not null"`
	UpdatedAt time.Time  `gorm:"not null"`
}

func (PostModel) TableName() string { return "posts" }

type CommentModel struct {
	ID              int64  `gorm:"primaryKey"`
	PostID          int64  `gorm:"not null;index;uniqueIndex:idx_comments_idem,priority:2"`
	AuthorID        int64  `gorm:"not null;uniqueIndex:idx_comments_idem,priority:1"`
	ParentCommentID *int64 `gorm:"index"`
	Content         string `gorm:"type:text;not null"`
	AtUserID        *int64
	IdempotencyKey  string     `gorm:"not null;uniqueIndex:idx_comments_idem,priority:3"`
	DeletedAt       *time.Time `gorm:"index"`
	CreatedAt       time.Time  `gorm:"not null;index"`
	UpdatedAt       time.Time  `gorm:"not null"`
}

func (CommentModel) TableName() string { return "comments" }

type ReactionModel struct {
	ID             int64      `gorm:"primaryKey"`
	ResourceType   string     `gorm:"not null;uniqueIndex:idx_reactions_idem,priority:2"`
	ResourceID     int64      `gorm:"not null;index;uniqueIndex:idx_reactions_idem,priority:3"`
	ReactorID      int64      `gorm:"not null;uniqueIndex:idx_reactions_idem,priority:1"`
	ReactionType   string     `gorm:"not null;uniqueIndex:idx_reactions_idem,priority:4"`
	IdempotencyKey string     `gorm:"not null;uniqueIndex:idx_reactions_idem,priority:5"`
	DeletedAt      *time.Time `gorm:"index"`
	CreatedAt      time.Time  `gorm:"not null"`
	UpdatedAt      time.Time  `gorm:"not null"`
}

func (ReactionModel) TableName() string { return "reactions" }

type ConversationModel struct {
	ID        int64  `gorm:"primaryKey"`
	Kind      string `gorm:"not null"`
	Name      string
	OwnerID   *int64
	DeletedAt *time.Time `gorm:"index"`
	CreatedAt time.Time  `gorm:"not null"`
}

func (ConversationModel) TableName() string { return "conversations" }

type ConversationMemberModel struct {
	ID             int64     `gorm:"primaryKey"`
	ConversationID int64     `gorm:"not null;index:idx_members_conv"`
	UserID         int64     `gorm:"not null;index:idx_members_user"`
	JoinedAt       time.Time `gorm:"not null"`
	LeftAt         *time.Time
}

func (ConversationMemberModel) TableName() string { return "conversation_members" }

type MessageModel struct {
	ID             int64  `gorm:"primaryKey"`
	ConversationID int64  `gorm:"not null;index"`
	SenderID       int64  `gorm:"not null;index"`
	Type           string `gorm:"not null"`
	Content        string `gorm:"type:text;not null"`
	FileURL        *string
	FileName       *string
	FileSize       *int64
	DeletedAt      *time.Time `gorm:"index"`
	CreatedAt      time.Time  `gorm:"not null;index"`
}

func (MessageModel) TableName() string { return "messages" }

type OfflineMessageModel struct {
	ID        int64     `gorm:"primaryKey"`
	UserID    int64     `gorm:"not null;index"`
	MessageID int64     `gorm:"not null;index"`
	CreatedAt time.Time `gorm:"not null"`
}

func (OfflineMessageModel) TableName() string { return "offline_messages" }

type TempSecretKeyModel struct {
	ID        int64  `gorm:"primaryKey"`
	KeyHash   string `gorm:"not null;uniqueIndex"`
	UserID    int64  `gorm:"not null;index"`
	KeyType   string `gorm:"not null"`
	Used      bool   `gorm:"not null;default:false"`
	UsedAt    *time.Time
	ExpiresAt time.Time         `gorm:"not null;index"`
	Metadata  datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"not null"`
}

func (TempSecretKeyModel) TableName() string { return "temp_secret_keys" }

type AuditLogModel struct {
	ID           int64  `gorm:"primaryKey"`
	ActorID      int64  `gorm:"not null;index"`
	Action       string `gorm:"not null"`
	ResourceType string `gorm:"not null"`
	ResourceID   int64  `gorm:"not null"`
	IP           string
	UserAgent    string
	TraceID      string    `gorm:"index"`
	CreatedAt    time.Time `gorm:"not null;index"`
}

func (AuditLogModel) TableName() string { return "audit_logs" }
