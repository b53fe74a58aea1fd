// Package checkpoint records the outcome of every record so interrupted runs
// can resume without repeating finished work.
package checkpoint

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/lamim/copyforge/pkg/models"
)

// FormatVersion is written into every checkpoint header
const FormatVersion = 1

// FlushRecorder receives flush outcomes. *metrics.Collector satisfies it.
type FlushRecorder interface {
	RecordCheckpointFlush(success bool)
}

// Options tunes a Manager
type Options struct {
	RunID         string
	ConfigHash    string
	FlushEvery    int           // Queue a flush after this many upserts
	FlushInterval time.Duration // Flush at least this often while running, zero = never
	ReadOnly      bool          // Never persist (dry runs)
}

// Manager holds checkpoint entries in memory and persists them through a
// Backend. Flushes run in a background writer so workers never wait on disk.
type Manager struct {
	backend  Backend
	opts     Options
	logger   *slog.Logger
	recorder FlushRecorder
	now      func() time.Time

	mu           sync.RWMutex
	entries      map[string]models.CheckpointEntry
	dirty        map[string]struct{}
	upserts      int
	previousHash string

	// Async write support
	flushReq    chan struct{}
	stopWriter  chan struct{}
	writeWg     sync.WaitGroup
	writeMu     sync.Mutex // Serializes backend writes
	started     bool
	writerError error
	errorMu     sync.Mutex
}

// NewManager creates a manager over backend
func NewManager(backend Backend, opts Options, logger *slog.Logger, recorder FlushRecorder) *Manager {
	if opts.FlushEvery < 1 {
		opts.FlushEvery = 1
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		backend:    backend,
		opts:       opts,
		logger:     logger,
		recorder:   recorder,
		now:        time.Now,
		entries:    make(map[string]models.CheckpointEntry),
		dirty:      make(map[string]struct{}),
		flushReq:   make(chan struct{}, 1),
		stopWriter: make(chan struct{}),
	}
}

// Load reads existing entries from the backend. Entries are kept whether or
// not the run resumes, so the checkpoint keeps its history.
func (m *Manager) Load(ctx context.Context) error {
	file, err := m.backend.Load(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range file.Entries {
		m.entries[id] = e
	}
	m.previousHash = file.ConfigHash

	if len(file.Entries) > 0 {
		m.logger.Info("Checkpoint loaded",
			"entries", len(file.Entries),
			"previous_run", file.RunID,
			"updated_at", file.UpdatedAt)
	}
	return nil
}

// PreviousConfigHash returns the config hash stored by the run that last wrote
// the checkpoint, empty when there was none
func (m *Manager) PreviousConfigHash() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.previousHash
}

// Start runs the background writer until Close
func (m *Manager) Start() {
	if m.opts.ReadOnly || m.started {
		return
	}
	m.started = true

	m.writeWg.Add(1)
	go func() {
		defer m.writeWg.Done()

		var tick <-chan time.Time
		if m.opts.FlushInterval > 0 {
			ticker := time.NewTicker(m.opts.FlushInterval)
			defer ticker.Stop()
			tick = ticker.C
		}

		for {
			select {
			case <-m.flushReq:
				m.backgroundFlush()
			case <-tick:
				m.backgroundFlush()
			case <-m.stopWriter:
				return
			}
		}
	}()
}

func (m *Manager) backgroundFlush() {
	if err := m.Flush(context.Background()); err != nil {
		m.errorMu.Lock()
		m.writerError = err
		m.errorMu.Unlock()
		m.logger.Error("Failed to write checkpoint", "error", err)
	}
}

// Upsert records the outcome for id, replacing any earlier entry
func (m *Manager) Upsert(id string, entry models.CheckpointEntry) {
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = m.now().UTC()
	}

	m.mu.Lock()
	m.entries[id] = entry
	m.dirty[id] = struct{}{}
	m.upserts++
	shouldFlush := m.upserts >= m.opts.FlushEvery
	if shouldFlush {
		m.upserts = 0
	}
	m.mu.Unlock()

	if shouldFlush && !m.opts.ReadOnly {
		// Coalesce with a flush already queued
		select {
		case m.flushReq <- struct{}{}:
		default:
		}
	}
}

// Get returns the entry for id
func (m *Manager) Get(id string) (models.CheckpointEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

// IsDone reports whether id finished in an earlier or the current run
func (m *Manager) IsDone(id string) bool {
	e, ok := m.Get(id)
	return ok && e.Status.Done()
}

// Len returns the number of entries
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Counts returns the number of entries per status
func (m *Manager) Counts() map[models.CheckpointStatus]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return CountByStatus(m.entries)
}

// Entries returns a copy of all entries
func (m *Manager) Entries() map[string]models.CheckpointEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyEntries(m.entries)
}

// Flush writes entries changed since the last flush. The snapshot is taken
// under the lock and written outside it; ids whose write fails are marked
// dirty again.
func (m *Manager) Flush(ctx context.Context) error {
	if m.opts.ReadOnly {
		return nil
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	if len(m.dirty) == 0 {
		m.mu.Unlock()
		return nil
	}
	dirty := make([]string, 0, len(m.dirty))
	for id := range m.dirty {
		dirty = append(dirty, id)
	}
	m.dirty = make(map[string]struct{})
	snap := Snapshot{
		File: models.CheckpointFile{
			Version:    FormatVersion,
			RunID:      m.opts.RunID,
			ConfigHash: m.opts.ConfigHash,
			UpdatedAt:  m.now().UTC(),
			Entries:    copyEntries(m.entries),
		},
		Dirty: dirty,
	}
	m.mu.Unlock()

	err := m.backend.Save(ctx, snap)
	if m.recorder != nil {
		m.recorder.RecordCheckpointFlush(err == nil)
	}
	if err != nil {
		m.mu.Lock()
		for _, id := range dirty {
			m.dirty[id] = struct{}{}
		}
		m.mu.Unlock()
		return err
	}

	m.logger.Debug("Checkpoint saved", "changed", len(dirty), "entries", len(snap.File.Entries))
	return nil
}

// Close stops the writer, flushes what is left and closes the backend. It
// returns the first error from the final flush, a background flush or the
// backend.
func (m *Manager) Close(ctx context.Context) error {
	if m.started {
		close(m.stopWriter)
		m.writeWg.Wait()
		m.started = false
	}

	flushErr := m.Flush(ctx)

	m.errorMu.Lock()
	writerErr := m.writerError
	m.errorMu.Unlock()
	// A later successful flush supersedes an earlier background failure
	if flushErr == nil {
		writerErr = nil
	}

	return errors.Join(flushErr, writerErr, m.backend.Close())
}

func copyEntries(src map[string]models.CheckpointEntry) map[string]models.CheckpointEntry {
	out := make(map[string]models.CheckpointEntry, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
