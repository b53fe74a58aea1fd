package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lamim/copyforge/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memBackend records every save and can be told to fail
type memBackend struct {
	mu     sync.Mutex
	stored *models.CheckpointFile
	saves  []Snapshot
	fail   error
	closed bool
}

func (b *memBackend) Load(context.Context) (*models.CheckpointFile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stored == nil {
		return emptyFile(), nil
	}
	return b.stored, nil
}

func (b *memBackend) Save(_ context.Context, snap Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	b.saves = append(b.saves, snap)
	f := snap.File
	b.stored = &f
	return nil
}

func (b *memBackend) Close() error {
	b.closed = true
	return nil
}

func (b *memBackend) saveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.saves)
}

type flushCounter struct {
	mu       sync.Mutex
	ok, fail int
}

func (f *flushCounter) RecordCheckpointFlush(success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if success {
		f.ok++
	} else {
		f.fail++
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	mgr := NewManager(&memBackend{}, Options{FlushEvery: 100}, testLogger(), nil)

	mgr.Upsert("r1", models.CheckpointEntry{Status: models.StatusError, Error: "boom"})
	mgr.Upsert("r1", models.CheckpointEntry{Status: models.StatusGenerated})

	if mgr.Len() != 1 {
		t.Fatalf("Expected 1 entry, got %d", mgr.Len())
	}
	got, ok := mgr.Get("r1")
	if !ok {
		t.Fatal("Entry r1 missing")
	}
	if got.Status != models.StatusGenerated || got.Error != "" {
		t.Errorf("Expected second entry to win, got %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("Expected UpdatedAt to be stamped")
	}
}

func TestIsDone(t *testing.T) {
	mgr := NewManager(&memBackend{}, Options{}, testLogger(), nil)
	mgr.Upsert("gen", models.CheckpointEntry{Status: models.StatusGenerated})
	mgr.Upsert("existing", models.CheckpointEntry{Status: models.StatusSkippedExisting})
	mgr.Upsert("ineligible", models.CheckpointEntry{Status: models.StatusSkippedIneligible})
	mgr.Upsert("failed", models.CheckpointEntry{Status: models.StatusError})

	tests := map[string]bool{
		"gen":        true,
		"existing":   true,
		"ineligible": false,
		"failed":     false,
		"unknown":    false,
	}
	for id, want := range tests {
		if got := mgr.IsDone(id); got != want {
			t.Errorf("IsDone(%s) = %v, want %v", id, got, want)
		}
	}
}

func TestFlushWritesOnlyDirtyIDs(t *testing.T) {
	backend := &memBackend{}
	rec := &flushCounter{}
	mgr := NewManager(backend, Options{RunID: "run-1", ConfigHash: "abc", FlushEvery: 100}, testLogger(), rec)
	ctx := context.Background()

	mgr.Upsert("a", models.CheckpointEntry{Status: models.StatusGenerated})
	mgr.Upsert("b", models.CheckpointEntry{Status: models.StatusError})
	if err := mgr.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	// Nothing changed, nothing written
	if err := mgr.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	if backend.saveCount() != 1 {
		t.Fatalf("Expected 1 save, got %d", backend.saveCount())
	}

	mgr.Upsert("b", models.CheckpointEntry{Status: models.StatusGenerated})
	if err := mgr.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	last := backend.saves[1]
	if len(last.Dirty) != 1 || last.Dirty[0] != "b" {
		t.Errorf("Expected only b to be dirty, got %v", last.Dirty)
	}
	if len(last.File.Entries) != 2 {
		t.Errorf("Expected full snapshot with 2 entries, got %d", len(last.File.Entries))
	}
	if last.File.RunID != "run-1" || last.File.ConfigHash != "abc" || last.File.Version != FormatVersion {
		t.Errorf("Unexpected header: %+v", last.File)
	}
	if rec.ok != 2 {
		t.Errorf("Expected 2 recorded flushes, got %d", rec.ok)
	}
}

func TestFailedFlushKeepsIDsDirty(t *testing.T) {
	backend := &memBackend{fail: errors.New("disk full")}
	rec := &flushCounter{}
	mgr := NewManager(backend, Options{FlushEvery: 100}, testLogger(), rec)
	ctx := context.Background()

	mgr.Upsert("a", models.CheckpointEntry{Status: models.StatusGenerated})
	if err := mgr.Flush(ctx); err == nil {
		t.Fatal("Expected flush error")
	}
	if rec.fail != 1 {
		t.Errorf("Expected 1 failed flush recorded, got %d", rec.fail)
	}

	backend.mu.Lock()
	backend.fail = nil
	backend.mu.Unlock()

	if err := mgr.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	if backend.saveCount() != 1 {
		t.Fatalf("Expected retry to save, got %d saves", backend.saveCount())
	}
	if got := backend.saves[0].Dirty; len(got) != 1 || got[0] != "a" {
		t.Errorf("Expected a to be written on retry, got %v", got)
	}
}

func TestFlushEveryTriggersBackgroundWrite(t *testing.T) {
	backend := &memBackend{}
	mgr := NewManager(backend, Options{FlushEvery: 3}, testLogger(), nil)
	mgr.Start()

	for i := 0; i < 3; i++ {
		mgr.Upsert(fmt.Sprintf("r%d", i), models.CheckpointEntry{Status: models.StatusGenerated})
	}

	deadline := time.Now().Add(2 * time.Second)
	for backend.saveCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if backend.saveCount() == 0 {
		t.Fatal("Expected a background flush after 3 upserts")
	}

	if err := mgr.Close(context.Background()); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if !backend.closed {
		t.Error("Expected backend to be closed")
	}
}

func TestFlushIntervalTriggersWrite(t *testing.T) {
	backend := &memBackend{}
	mgr := NewManager(backend, Options{FlushEvery: 1000, FlushInterval: 20 * time.Millisecond}, testLogger(), nil)
	mgr.Start()
	defer func() { _ = mgr.Close(context.Background()) }()

	mgr.Upsert("r1", models.CheckpointEntry{Status: models.StatusGenerated})

	deadline := time.Now().Add(2 * time.Second)
	for backend.saveCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if backend.saveCount() == 0 {
		t.Fatal("Expected the interval ticker to flush")
	}
}

func TestConcurrentUpsertsWithFlush(t *testing.T) {
	backend := &memBackend{}
	mgr := NewManager(backend, Options{FlushEvery: 7}, testLogger(), nil)
	mgr.Start()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				mgr.Upsert(fmt.Sprintf("w%d-%d", w, i), models.CheckpointEntry{Status: models.StatusGenerated})
			}
		}(w)
	}
	wg.Wait()

	if err := mgr.Close(context.Background()); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if got := len(backend.stored.Entries); got != 400 {
		t.Errorf("Expected 400 persisted entries, got %d", got)
	}
}

func TestReadOnlyNeverSaves(t *testing.T) {
	backend := &memBackend{}
	mgr := NewManager(backend, Options{FlushEvery: 1, ReadOnly: true}, testLogger(), nil)
	mgr.Start()

	mgr.Upsert("r1", models.CheckpointEntry{Status: models.StatusGenerated})
	if err := mgr.Close(context.Background()); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if backend.saveCount() != 0 {
		t.Errorf("Expected no saves in read-only mode, got %d", backend.saveCount())
	}
	if !mgr.IsDone("r1") {
		t.Error("Expected in-memory entry to be kept")
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "checkpoint.json")
	ctx := context.Background()

	mgr := NewManager(NewFileBackend(path), Options{RunID: "run-1", ConfigHash: "h1", FlushEvery: 10}, testLogger(), nil)
	if err := mgr.Load(ctx); err != nil {
		t.Fatalf("Load() on missing file failed: %v", err)
	}
	if mgr.PreviousConfigHash() != "" {
		t.Errorf("Expected empty previous hash, got %q", mgr.PreviousConfigHash())
	}

	mgr.Upsert("r1", models.CheckpointEntry{
		Status: models.StatusGenerated,
		Meta:   &models.OutputMeta{Provider: "primary", Attempts: 2, WordCount: 160},
	})
	mgr.Upsert("r2", models.CheckpointEntry{Status: models.StatusError, Error: "validation failed"})
	if err := mgr.Close(ctx); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	reloaded := NewManager(NewFileBackend(path), Options{RunID: "run-2", ConfigHash: "h2"}, testLogger(), nil)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if reloaded.PreviousConfigHash() != "h1" {
		t.Errorf("Expected previous hash h1, got %q", reloaded.PreviousConfigHash())
	}
	e, ok := reloaded.Get("r1")
	if !ok || e.Status != models.StatusGenerated || e.Meta == nil || e.Meta.Provider != "primary" {
		t.Errorf("Unexpected r1 after reload: %+v", e)
	}
	counts := reloaded.Counts()
	if counts[models.StatusGenerated] != 1 || counts[models.StatusError] != 1 {
		t.Errorf("Unexpected counts: %v", counts)
	}
}

func TestFileBackendRejectsNewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	b := NewFileBackend(path)
	snap := Snapshot{File: models.CheckpointFile{Version: FormatVersion + 1}}
	if err := b.Save(context.Background(), snap); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if _, err := b.Load(context.Background()); err == nil {
		t.Error("Expected error for unsupported version")
	}
}
