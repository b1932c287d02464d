package storage

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "snapshots.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&SnapshotRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewStore(StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("unexpected store constructor error: %v", err)
	}
	return store
}

func TestLoadReturnsNotFoundForUnknownDoc(t *testing.T) {
	store := newTestStore(t)
	_, found, err := store.Load(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if found {
		t.Fatalf("expected no snapshot for unknown document")
	}
}

func TestSaveIncrementsVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Save(ctx, "doc-1", []byte("snapshot-one"))
	if err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if first != 1 {
		t.Fatalf("expected version 1, got %d", first)
	}

	second, err := store.Save(ctx, "doc-1", []byte("snapshot-two"))
	if err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if second != 2 {
		t.Fatalf("expected version 2, got %d", second)
	}

	record, found, err := store.Load(ctx, "doc-1")
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if !found {
		t.Fatalf("expected snapshot to exist")
	}
	if !bytes.Equal(record.Snapshot, []byte("snapshot-two")) {
		t.Fatalf("unexpected snapshot payload %q", record.Snapshot)
	}
	if record.Version != 2 {
		t.Fatalf("unexpected stored version %d", record.Version)
	}
}

func TestSaveRejectsEmptySnapshot(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Save(context.Background(), "doc-1", nil); !errors.Is(err, ErrEmptySnapshot) {
		t.Fatalf("expected empty snapshot error, got %v", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Save(ctx, "doc-1", []byte("snapshot")); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if err := store.Delete(ctx, "doc-1"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if err := store.Delete(ctx, "doc-1"); err != nil {
		t.Fatalf("expected second delete to succeed: %v", err)
	}
	_, found, err := store.Load(ctx, "doc-1")
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if found {
		t.Fatalf("expected snapshot to be gone")
	}
}

func TestStatsReportsSizes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Save(ctx, "doc-1", []byte("abcd")); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if _, err := store.Save(ctx, "doc-2", []byte("abcdefgh")); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("unexpected stats error: %v", err)
	}
	if stats.DocumentCount != 2 {
		t.Fatalf("unexpected document count %d", stats.DocumentCount)
	}
	if stats.TotalBytes != 12 {
		t.Fatalf("unexpected total bytes %d", stats.TotalBytes)
	}
	if stats.BytesByDoc["doc-2"] != 8 {
		t.Fatalf("unexpected per-doc bytes %#v", stats.BytesByDoc)
	}
}

func TestAutosaverCoalescesBursts(t *testing.T) {
	store := newTestStore(t)
	saver := NewAutosaver(store, 30*time.Millisecond, nil)
	defer saver.Close()

	var mu sync.Mutex
	encodes := 0
	encode := func() []byte {
		mu.Lock()
		encodes++
		mu.Unlock()
		return []byte("latest")
	}

	for i := 0; i < 5; i++ {
		saver.Touch("doc-1", encode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		record, found, err := store.Load(context.Background(), "doc-1")
		if err != nil {
			t.Fatalf("unexpected load error: %v", err)
		}
		if found {
			if record.Version != 1 {
				t.Fatalf("expected one coalesced save, got version %d", record.Version)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("autosave never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	total := encodes
	mu.Unlock()
	if total != 1 {
		t.Fatalf("expected a single encode, got %d", total)
	}
}

func TestFlushWritesSynchronouslyAndCancelsDebounce(t *testing.T) {
	store := newTestStore(t)
	saver := NewAutosaver(store, time.Hour, nil)
	defer saver.Close()

	saver.Touch("doc-1", func() []byte { return []byte("pending") })
	if err := saver.Flush(context.Background(), "doc-1", []byte("final")); err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}

	record, found, err := store.Load(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if !found {
		t.Fatalf("expected flushed snapshot")
	}
	if !bytes.Equal(record.Snapshot, []byte("final")) {
		t.Fatalf("unexpected snapshot payload %q", record.Snapshot)
	}
	if record.Version != 1 {
		t.Fatalf("expected no debounced write before flush, got version %d", record.Version)
	}
}
