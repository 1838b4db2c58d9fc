package store

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const migrateLockID int64 = 48125190

// Open connects to the durable store and runs auto-migrations. Postgres is
// the production backend; a sqlite DSN is accepted for tests and local runs.
func Open(dsn string) (*gorm.DB, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		return tx.AutoMigrate(
			&PostModel{},
			&CommentModel{},
			&ReactionModel{},
			&ConversationModel{},
			&ConversationMemberModel{},
			&MessageModel{},
			&OfflineMessageModel{},
			&TempSecretKeyModel{},
			&AuditLogModel{},
		)
	}); err != nil {
		return nil, err
	}
	return db, nil
}

var memorySeq atomic.Int64

// OpenMemory opens a fresh in-memory sqlite store for tests. Each call gets
// its own database; cache=shared keeps it visible across pooled connections.
func OpenMemory() (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:mem%d?mode=memory&cache=shared&_busy_timeout=5000&_foreign_keys=1", memorySeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	if err := db.AutoMigrate(
		&PostModel{},
		&CommentModel{},
		&ReactionModel{},
		&ConversationModel{},
		&ConversationMemberModel{},
		&MessageModel{},
		&OfflineMessageModel{},
		&TempSecretKeyModel{},
		&AuditLogModel{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return db, nil
}

// IsPostgres reports whether db speaks postgres; pg-only statements
// (advisory locks, row-lock options, statement timeouts) are gated on it.
func IsPostgres(db *gorm.DB) bool {
	return db.Dialector.Name() == "postgres"
}

// withMigrationLock serializes schema migration across nodes using a
// session-level advisory lock. On non-postgres backends it runs fn directly.
func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	if !IsPostgres(db) {
		if err := fn(db); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	if err := fn(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
