package records

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/lamim/copyforge/internal/writer"
	"github.com/lamim/copyforge/pkg/models"
)

// journalEntry is one accepted output in the append-only journal
type journalEntry struct {
	ID        string    `json:"id"`
	Output    string    `json:"output"`
	WrittenAt time.Time `json:"written_at"`
}

// JSONFileStore serves records from a JSON array file. Outputs are appended
// to a journal next to it so a crash never corrupts the source; the journal
// is replayed on open and can be merged back into the source on close.
type JSONFileStore struct {
	path         string
	journalPath  string
	mergeOnClose bool
	mapping      Mapping
	logger       *slog.Logger

	mu      sync.RWMutex
	docs    []map[string]any
	index   map[string]int
	journal *writer.JSONLWriter
	written int
}

// OpenJSONFile loads path and replays journalPath onto it
func OpenJSONFile(path, journalPath string, mergeOnClose bool, m Mapping, logger *slog.Logger) (*JSONFileStore, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "jsonfile_source")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var docs []map[string]any
	if err := dec.Decode(&docs); err != nil {
		return nil, fmt.Errorf("%w: failed to parse %s: %v", ErrSourceUnavailable, path, err)
	}

	s := &JSONFileStore{
		path:         path,
		journalPath:  journalPath,
		mergeOnClose: mergeOnClose,
		mapping:      m,
		logger:       logger,
		docs:         docs,
		index:        make(map[string]int, len(docs)),
	}
	for i, doc := range docs {
		if id := scalarString(lookup(doc, m.ID)); id != "" {
			s.index[id] = i
		}
	}

	if journalPath != "" {
		replayed, err := s.replay()
		if err != nil {
			return nil, err
		}
		if replayed > 0 {
			logger.Info("Replayed output journal", "path", journalPath, "outputs", replayed)
		}
		s.journal, err = writer.NewJSONLWriter(journalPath, false, logger)
		if err != nil {
			return nil, err
		}
	}

	logger.Info("Loaded records", "path", path, "records", len(docs))
	return s, nil
}

// replay applies journaled outputs. A torn last line left by a crash is
// cut off so the next append starts on a fresh line.
func (s *JSONFileStore) replay() (int, error) {
	data, err := os.ReadFile(s.journalPath)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: failed to read journal: %v", ErrSourceUnavailable, err)
	}

	if n := len(data); n > 0 && data[n-1] != '\n' {
		keep := bytes.LastIndexByte(data, '\n') + 1
		s.logger.Warn("Truncating torn journal tail", "path", s.journalPath, "bytes", n-keep)
		if err := os.Truncate(s.journalPath, int64(keep)); err != nil {
			return 0, fmt.Errorf("%w: failed to repair journal: %v", ErrSourceUnavailable, err)
		}
		data = data[:keep]
	}

	applied := 0
	for i, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e journalEntry
		if err := json.Unmarshal(line, &e); err != nil {
			s.logger.Warn("Skipping unreadable journal line", "line", i+1, "error", err)
			continue
		}
		if idx, ok := s.index[e.ID]; ok {
			assign(s.docs[idx], s.mapping.Output, e.Output)
			applied++
		}
	}
	return applied, nil
}

func (s *JSONFileStore) FetchPage(_ context.Context, offset, limit int) (Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if offset >= len(s.docs) {
		return Page{}, nil
	}
	end := min(offset+limit, len(s.docs))

	out := make([]models.Record, 0, end-offset)
	for i := offset; i < end; i++ {
		r, err := s.mapping.Decode(s.docs[i])
		if err != nil {
			s.logger.Warn("Skipping undecodable record", "index", i, "error", err)
			continue
		}
		out = append(out, r)
	}
	return Page{Records: out, Rows: end - offset}, nil
}

func (s *JSONFileStore) Get(_ context.Context, id string) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r, err := s.mapping.Decode(s.docs[i])
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *JSONFileStore) WriteOutput(_ context.Context, id, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if s.journal != nil {
		if err := s.journal.Write(journalEntry{ID: id, Output: text, WrittenAt: time.Now().UTC()}); err != nil {
			return err
		}
	}
	assign(s.docs[i], s.mapping.Output, text)
	s.written++
	return nil
}

// Close closes the journal and, when configured, folds the outputs back into
// the source file and removes the journal
func (s *JSONFileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			return err
		}
		s.journal = nil
	}
	if !s.mergeOnClose {
		return nil
	}

	if err := s.rewriteSource(); err != nil {
		return err
	}
	if s.journalPath != "" {
		if err := os.Remove(s.journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove merged journal: %w", err)
		}
	}
	s.logger.Info("Merged outputs into source", "path", s.path, "written", s.written)
	return nil
}

func (s *JSONFileStore) rewriteSource() error {
	data, err := json.MarshalIndent(s.docs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal records: %w", err)
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write records: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace records file: %w", err)
	}
	return nil
}
