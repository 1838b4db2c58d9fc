package audit

import (
	"context"
	"testing"
	"time"

	"threadhub/internal/store"
	"threadhub/internal/util"
)

func TestWriterPersistsEntries(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	clock := util.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	w := NewWriter(db, clock, 16)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()

	w.Record(Entry{
		ActorID:      100,
		Action:       "comment.create",
		ResourceType: "comment",
		ResourceID:   1,
		IP:           "10.0.0.1",
		UserAgent:    "test/1.0",
		TraceID:      "trace-1",
	})

	cancel()
	w.Wait()

	var rows []store.AuditLogModel
	if err := db.Find(&rows).Error; err != nil {
		t.Fatalf("read audit rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 audit row, got %d", len(rows))
	}
	if rows[0].Action != "comment.create" || rows[0].TraceID != "trace-1" {
		t.Fatalf("unexpected row: %+v", rows[0])
	}
}

func TestRecordDropsOnFullQueue(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	w := NewWriter(db, nil, 1)

	// No Run loop: the second record overflows and must not block.
	done := make(chan struct{})
	go func() {
		w.Record(Entry{Action: "a"})
		w.Record(Entry{Action: "b"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full queue")
	}
}
