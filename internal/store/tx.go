package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WithTx runs fn inside a transaction bounded by timeout. On postgres the
// statement and lock timeouts are applied server-side and, when lockKey is
// non-nil, a transactional advisory lock on that key is taken first.
func WithTx(ctx context.Context, db *gorm.DB, timeout time.Duration, lockKey *int64, fn func(tx *gorm.DB) error) error {
	txCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return db.WithContext(txCtx).Transaction(func(tx *gorm.DB) error {
		if IsPostgres(tx) {
			if err := tx.Exec(fmt.Sprintf("SET LOCAL statement_timeout = %d", timeout.Milliseconds())).Error; err != nil {
				return fmt.Errorf("set statement timeout: %w", err)
			}
			if err := tx.Exec("SET LOCAL lock_timeout = '10s'").Error; err != nil {
				return fmt.Errorf("set lock timeout: %w", err)
			}
			if lockKey != nil {
				if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", *lockKey).Error; err != nil {
					if IsLockContention(err) {
						return ErrLockTimeout
					}
					return fmt.Errorf("advisory lock: %w", err)
				}
			}
		}
		return fn(tx)
	})
}

// ForShareNoWait applies a SHARE NOWAIT row lock on postgres; other dialects
// run without one (single-writer test backends do not need it).
func ForShareNoWait(tx *gorm.DB) *gorm.DB {
	if !IsPostgres(tx) {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "SHARE", Options: "NOWAIT"})
}

// IsLockContention reports whether err is a row/advisory lock conflict.
func IsLockContention(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrLockTimeout) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "could not obtain lock") ||
		strings.Contains(msg, "lock timeout") ||
		strings.Contains(msg, "canceling statement due to lock timeout")
}

// IsDuplicate reports whether err is a unique-constraint violation.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

// IsDeadline reports whether err is a statement or context deadline.
func IsDeadline(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return strings.Contains(err.Error(), "statement timeout")
}
