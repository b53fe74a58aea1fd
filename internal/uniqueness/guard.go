// Package uniqueness rejects generated text that repeats sentences accepted
// earlier or closely resembles recently accepted text.
package uniqueness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ErrConflict is matched by errors.Is when text fails the uniqueness check
var ErrConflict = errors.New("uniqueness conflict")

// Conflict reasons, also used as metric labels
const (
	ReasonSentence   = "sentence"
	ReasonSimilarity = "similarity"
)

// ConflictError describes why text was rejected
type ConflictError struct {
	Reason     string
	Sentences  []string // Sentences already accepted elsewhere, as written in the new text
	Similarity float64  // Highest Jaccard similarity against the recent window
}

func (e *ConflictError) Error() string {
	if e.Reason == ReasonSimilarity {
		return fmt.Sprintf("%s: near-duplicate of recent output (similarity %.2f)", ErrConflict, e.Similarity)
	}
	return fmt.Sprintf("%s: %d repeated sentence(s): %s", ErrConflict, len(e.Sentences), strings.Join(e.Sentences, " | "))
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// Options tunes the guard
type Options struct {
	MinSentenceWords int     // Shorter sentences are ignored
	ShingleSize      int     // Words per shingle
	WindowSize       int     // Recent texts compared for near-duplicates
	Threshold        float64 // Jaccard similarity above this rejects
}

// DefaultOptions returns the stock tuning
func DefaultOptions() Options {
	return Options{
		MinSentenceWords: 4,
		ShingleSize:      3,
		WindowSize:       100,
		Threshold:        0.35,
	}
}

// Result is the outcome of a check
type Result struct {
	Unique     bool
	Reason     string
	Conflicts  []string
	Similarity float64
}

// Err returns the result as a *ConflictError, or nil when unique
func (r Result) Err() error {
	if r.Unique {
		return nil
	}
	return &ConflictError{Reason: r.Reason, Sentences: r.Conflicts, Similarity: r.Similarity}
}

// Admission identifies an accepted text so it can be withdrawn
type Admission struct {
	id           uint64
	fingerprints []string
}

type windowEntry struct {
	id       uint64
	shingles map[string]struct{}
}

// Guard holds the fingerprint index and the recent window. All methods are
// safe for concurrent use.
type Guard struct {
	mu           sync.Mutex
	opts         Options
	store        Store
	logger       *slog.Logger
	fingerprints map[string]struct{}
	window       []windowEntry // Oldest first
	nextID       uint64
	pending      map[string]struct{} // Added since the last flush
	removed      map[string]struct{} // Withdrawn after being flushed
}

// NewGuard creates a guard persisting fingerprints to store. Zero option
// fields take their defaults.
func NewGuard(store Store, opts Options, logger *slog.Logger) *Guard {
	def := DefaultOptions()
	if opts.MinSentenceWords <= 0 {
		opts.MinSentenceWords = def.MinSentenceWords
	}
	if opts.ShingleSize <= 0 {
		opts.ShingleSize = def.ShingleSize
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = def.WindowSize
	}
	if opts.Threshold <= 0 {
		opts.Threshold = def.Threshold
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Guard{
		opts:         opts,
		store:        store,
		logger:       logger,
		fingerprints: make(map[string]struct{}),
		pending:      make(map[string]struct{}),
		removed:      make(map[string]struct{}),
	}
}

// Load reads persisted fingerprints into the index
func (g *Guard) Load(ctx context.Context) error {
	fps, err := g.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load fingerprints: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, fp := range fps {
		g.fingerprints[fp] = struct{}{}
	}
	g.logger.Info("Loaded sentence fingerprints", "count", len(fps))
	return nil
}

// Size returns the number of known fingerprints
func (g *Guard) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.fingerprints)
}

// Check tests text without recording it
func (g *Guard) Check(text string) Result {
	sentences := SplitSentences(text, g.opts.MinSentenceWords)
	shingles := Shingles(text, g.opts.ShingleSize)

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.check(sentences, shingles)
}

func (g *Guard) check(sentences []Sentence, shingles map[string]struct{}) Result {
	var conflicts []string
	for _, s := range sentences {
		if _, ok := g.fingerprints[Fingerprint(s.Normalized)]; ok {
			conflicts = append(conflicts, s.Text)
		}
	}
	if len(conflicts) > 0 {
		return Result{Reason: ReasonSentence, Conflicts: conflicts}
	}

	best := 0.0
	for _, w := range g.window {
		if sim := Jaccard(shingles, w.shingles); sim > best {
			best = sim
		}
	}
	if best > g.opts.Threshold {
		return Result{Reason: ReasonSimilarity, Similarity: best}
	}
	return Result{Unique: true, Similarity: best}
}

// Record commits text to the index without checking it
func (g *Guard) Record(text string) {
	sentences := SplitSentences(text, g.opts.MinSentenceWords)
	shingles := Shingles(text, g.opts.ShingleSize)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.record(sentences, shingles)
}

// Admit checks and records text in one step, so two workers can never both
// accept the same sentence. A rejection returns a *ConflictError.
func (g *Guard) Admit(text string) (*Admission, error) {
	sentences := SplitSentences(text, g.opts.MinSentenceWords)
	shingles := Shingles(text, g.opts.ShingleSize)

	g.mu.Lock()
	defer g.mu.Unlock()

	if res := g.check(sentences, shingles); !res.Unique {
		return nil, res.Err()
	}
	return g.record(sentences, shingles), nil
}

func (g *Guard) record(sentences []Sentence, shingles map[string]struct{}) *Admission {
	g.nextID++
	a := &Admission{id: g.nextID}

	for _, s := range sentences {
		fp := Fingerprint(s.Normalized)
		if _, ok := g.fingerprints[fp]; ok {
			continue
		}
		g.fingerprints[fp] = struct{}{}
		g.pending[fp] = struct{}{}
		delete(g.removed, fp)
		a.fingerprints = append(a.fingerprints, fp)
	}

	g.window = append(g.window, windowEntry{id: a.id, shingles: shingles})
	if len(g.window) > g.opts.WindowSize {
		g.window = g.window[len(g.window)-g.opts.WindowSize:]
	}
	return a
}

// Forget withdraws an admitted text, used when its output could not be written
func (g *Guard) Forget(a *Admission) {
	if a == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, fp := range a.fingerprints {
		delete(g.fingerprints, fp)
		if _, ok := g.pending[fp]; ok {
			delete(g.pending, fp)
		} else {
			g.removed[fp] = struct{}{}
		}
	}
	for i, w := range g.window {
		if w.id == a.id {
			g.window = append(g.window[:i], g.window[i+1:]...)
			break
		}
	}
}

// Flush persists fingerprints added or withdrawn since the last flush. On
// failure the changes stay queued for the next flush.
func (g *Guard) Flush(ctx context.Context) error {
	g.mu.Lock()
	added := keys(g.pending)
	removed := keys(g.removed)
	g.pending = make(map[string]struct{})
	g.removed = make(map[string]struct{})
	g.mu.Unlock()

	if len(added) == 0 && len(removed) == 0 {
		return nil
	}

	var err error
	if len(added) > 0 {
		if err = g.store.Add(ctx, added); err != nil {
			g.requeue(added, nil)
			g.requeue(nil, removed)
			return fmt.Errorf("failed to persist fingerprints: %w", err)
		}
	}
	if len(removed) > 0 {
		if err = g.store.Remove(ctx, removed); err != nil {
			g.requeue(nil, removed)
			return fmt.Errorf("failed to withdraw fingerprints: %w", err)
		}
	}

	g.logger.Debug("Flushed fingerprints", "added", len(added), "removed", len(removed))
	return nil
}

func (g *Guard) requeue(added, removed []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, fp := range added {
		// Skip fingerprints withdrawn while the flush was running
		if _, ok := g.fingerprints[fp]; ok {
			g.pending[fp] = struct{}{}
		}
	}
	for _, fp := range removed {
		if _, ok := g.fingerprints[fp]; !ok {
			g.removed[fp] = struct{}{}
		}
	}
}

// Close flushes and closes the store
func (g *Guard) Close(ctx context.Context) error {
	flushErr := g.Flush(ctx)
	if err := g.store.Close(); err != nil && flushErr == nil {
		return err
	}
	return flushErr
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
