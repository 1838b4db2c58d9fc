package audit

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"threadhub/internal/store"
	"threadhub/internal/util"
)

// Entry describes one successful mutation for the audit trail.
type Entry struct {
	ActorID      int64
	Action       string
	ResourceType string
	ResourceID   int64
	IP           string
	UserAgent    string
	TraceID      string
}

// Writer persists audit entries out-of-band with respect to the mutations
// they describe. Overflow and store faults drop the record, never the
// user-facing operation.
type Writer struct {
	db    *gorm.DB
	clock util.Clock
	ch    chan Entry
	done  chan struct{}
}

// NewWriter builds an audit writer with the given queue depth.
func NewWriter(db *gorm.DB, clock util.Clock, depth int) *Writer {
	if clock == nil {
		clock = util.SystemClock{}
	}
	if depth <= 0 {
		depth = 256
	}
	return &Writer{
		db:    db,
		clock: clock,
		ch:    make(chan Entry, depth),
		done:  make(chan struct{}),
	}
}

// Record enqueues an entry without blocking the caller.
func (w *Writer) Record(e Entry) {
	select {
	case w.ch <- e:
	default:
		slog.Warn("audit queue full, dropping entry", "action", e.Action, "resource_type", e.ResourceType)
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is pending.
func (w *Writer) Run(ctx context.Context) error {
	defer close(w.done)
	for {
		select {
		case e := <-w.ch:
			w.write(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-w.ch:
					w.write(e)
				default:
					return nil
				}
			}
		}
	}
}

// Wait blocks until Run has returned.
func (w *Writer) Wait() {
	<-w.done
}

func (w *Writer) write(e Entry) {
	model := store.AuditLogModel{
		ActorID:      e.ActorID,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		IP:           e.IP,
		UserAgent:    e.UserAgent,
		TraceID:      e.TraceID,
		CreatedAt:    w.clock.Now(),
	}
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.db.WithContext(writeCtx).Create(&model).Error; err != nil {
		slog.Warn("audit write failed", "action", e.Action, "error", err)
	}
}
