package records

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/lamim/copyforge/pkg/models"
)

// MemoryStore keeps records in memory, ordered by id. It backs tests and
// small embedded runs.
type MemoryStore struct {
	mu       sync.Mutex
	records  []models.Record
	index    map[string]int
	writes   map[string]int
	failNext map[string]error
}

// NewMemoryStore creates a store holding recs
func NewMemoryStore(recs ...models.Record) *MemoryStore {
	sorted := append([]models.Record(nil), recs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	s := &MemoryStore{
		records:  sorted,
		index:    make(map[string]int, len(sorted)),
		writes:   make(map[string]int),
		failNext: make(map[string]error),
	}
	for i, r := range sorted {
		s.index[r.ID] = i
	}
	return s
}

func (s *MemoryStore) FetchPage(_ context.Context, offset, limit int) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset >= len(s.records) {
		return Page{}, nil
	}
	end := min(offset+limit, len(s.records))
	recs := append([]models.Record(nil), s.records[offset:end]...)
	return Page{Records: recs, Rows: len(recs)}, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r := s.records[i]
	return &r, nil
}

func (s *MemoryStore) WriteOutput(_ context.Context, id, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failNext[id]; ok {
		delete(s.failNext, id)
		return err
	}
	i, ok := s.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.records[i].Output = text
	s.writes[id]++
	return nil
}

// FailNextWrite makes the next write for id return err
func (s *MemoryStore) FailNextWrite(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[id] = err
}

// Writes returns how many times id was written
func (s *MemoryStore) Writes(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[id]
}

// TotalWrites returns the number of successful writes
func (s *MemoryStore) TotalWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.writes {
		n += c
	}
	return n
}

func (s *MemoryStore) Close() error { return nil }
