// Package report counts task outcomes for a run and renders the final summary.
package report

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lamim/copyforge/pkg/models"
)

// NewRunID returns a fresh run identifier
func NewRunID() string {
	return uuid.NewString()
}

// Reporter is updated concurrently by the scheduler and workers
type Reporter struct {
	runID string
	now   func() time.Time
	start time.Time

	scanned           atomic.Int64
	generated         atomic.Int64
	skippedExisting   atomic.Int64
	skippedIneligible atomic.Int64
	failed            atomic.Int64
	alreadyDone       atomic.Int64
	interrupted       atomic.Int64

	mu       sync.Mutex
	end      time.Time
	failures map[string]int64
}

// New starts the clock for run runID
func New(runID string) *Reporter {
	return newWithClock(runID, time.Now)
}

func newWithClock(runID string, now func() time.Time) *Reporter {
	return &Reporter{
		runID:    runID,
		now:      now,
		start:    now(),
		failures: make(map[string]int64),
	}
}

// RunID returns the run identifier
func (r *Reporter) RunID() string {
	return r.runID
}

// Scanned counts a record read from the source
func (r *Reporter) Scanned() {
	r.scanned.Add(1)
}

// AlreadyDone counts a record skipped because the checkpoint marks it finished
func (r *Reporter) AlreadyDone() {
	r.alreadyDone.Add(1)
}

// Interrupted counts a task abandoned during shutdown
func (r *Reporter) Interrupted() {
	r.interrupted.Add(1)
}

// Outcome counts a checkpointed task result
func (r *Reporter) Outcome(status models.CheckpointStatus) {
	switch status {
	case models.StatusGenerated:
		r.generated.Add(1)
	case models.StatusSkippedExisting:
		r.skippedExisting.Add(1)
	case models.StatusSkippedIneligible:
		r.skippedIneligible.Add(1)
	case models.StatusError:
		r.failed.Add(1)
	}
}

// Failure counts a failed task and its cause
func (r *Reporter) Failure(cause string) {
	r.Outcome(models.StatusError)
	r.mu.Lock()
	r.failures[cause]++
	r.mu.Unlock()
}

// Finish stops the clock; later snapshots keep the same duration
func (r *Reporter) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.end.IsZero() {
		r.end = r.now()
	}
}

// Snapshot returns the current counters. Before Finish the duration runs up
// to now.
func (r *Reporter) Snapshot() models.RunStats {
	r.mu.Lock()
	end := r.end
	r.mu.Unlock()

	stats := models.RunStats{
		RunID:             r.runID,
		StartTime:         r.start,
		EndTime:           end,
		Scanned:           r.scanned.Load(),
		Generated:         r.generated.Load(),
		SkippedExisting:   r.skippedExisting.Load(),
		SkippedIneligible: r.skippedIneligible.Load(),
		Failed:            r.failed.Load(),
		AlreadyDone:       r.alreadyDone.Load(),
		Interrupted:       r.interrupted.Load(),
	}
	if end.IsZero() {
		end = r.now()
	}
	stats.Duration = end.Sub(r.start)
	if minutes := stats.Duration.Minutes(); minutes > 0 {
		stats.PerMinute = float64(stats.Generated) / minutes
	}
	return stats
}

// Failures returns failure counts per cause
func (r *Reporter) Failures() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.failures))
	for k, v := range r.failures {
		out[k] = v
	}
	return out
}

// Summary logs the end-of-run line
func (r *Reporter) Summary(logger *slog.Logger) {
	s := r.Snapshot()
	logger.Info("Run complete",
		"run_id", s.RunID,
		"generated", s.Generated,
		"skipped_existing", s.SkippedExisting,
		"skipped_ineligible", s.SkippedIneligible,
		"failed", s.Failed,
		"already_done", s.AlreadyDone,
		"interrupted", s.Interrupted,
		"scanned", s.Scanned,
		"duration", s.Duration.Round(time.Second),
		"per_minute", fmt.Sprintf("%.1f", s.PerMinute))

	if s.Failed > 0 {
		failures := r.Failures()
		causes := make([]string, 0, len(failures))
		for c := range failures {
			causes = append(causes, c)
		}
		sort.Strings(causes)
		args := make([]any, 0, 2*len(causes))
		for _, c := range causes {
			args = append(args, c, failures[c])
		}
		logger.Warn("Run finished with failed records; they stay eligible on the next resumed run", args...)
	}
}

// Document is the JSON run report
type Document struct {
	models.RunStats
	DurationText string                 `json:"duration_text"`
	Failures     map[string]int64       `json:"failures,omitempty"`
	Providers    []models.ProviderState `json:"providers,omitempty"`
}

// WriteJSON writes the run report to path
func (r *Reporter) WriteJSON(path string, providers []models.ProviderState) error {
	s := r.Snapshot()
	doc := Document{
		RunStats:     s,
		DurationText: s.Duration.Round(time.Millisecond).String(),
		Failures:     r.Failures(),
		Providers:    providers,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write run report: %w", err)
	}
	return nil
}
