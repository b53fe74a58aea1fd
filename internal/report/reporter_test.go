package report

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamim/copyforge/pkg/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestNewRunID(t *testing.T) {
	id := NewRunID()
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.NotEqual(t, id, NewRunID())
}

func TestSnapshotCountsAndThroughput(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	r := newWithClock("run-1", clock.Now)

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Scanned()
			r.Outcome(models.StatusGenerated)
		}()
	}
	wg.Wait()
	r.Outcome(models.StatusSkippedExisting)
	r.Outcome(models.StatusSkippedIneligible)
	r.Failure("validation:word_count")
	r.Failure("validation:word_count")
	r.Failure("exhausted")
	r.AlreadyDone()
	r.Interrupted()

	clock.Advance(2 * time.Minute)
	r.Finish()
	clock.Advance(time.Hour)

	s := r.Snapshot()
	assert.Equal(t, "run-1", s.RunID)
	assert.EqualValues(t, 30, s.Scanned)
	assert.EqualValues(t, 30, s.Generated)
	assert.EqualValues(t, 1, s.SkippedExisting)
	assert.EqualValues(t, 1, s.SkippedIneligible)
	assert.EqualValues(t, 3, s.Failed)
	assert.EqualValues(t, 1, s.AlreadyDone)
	assert.EqualValues(t, 1, s.Interrupted)
	assert.Equal(t, 2*time.Minute, s.Duration)
	assert.InDelta(t, 15.0, s.PerMinute, 0.001)
	assert.Equal(t, map[string]int64{"validation:word_count": 2, "exhausted": 1}, r.Failures())
}

func TestSnapshotBeforeFinishRunsToNow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	r := newWithClock("run-2", clock.Now)
	clock.Advance(30 * time.Second)

	s := r.Snapshot()
	assert.Equal(t, 30*time.Second, s.Duration)
	assert.True(t, s.EndTime.IsZero())
}

func TestWriteJSON(t *testing.T) {
	r := New("run-3")
	r.Outcome(models.StatusGenerated)
	r.Failure("uniqueness:sentence")
	r.Finish()

	path := filepath.Join(t.TempDir(), "run_report.json")
	providers := []models.ProviderState{{Name: "primary", Healthy: true}}
	require.NoError(t, r.WriteJSON(path, providers))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "run-3", doc["run_id"])
	assert.EqualValues(t, 1, doc["generated"])
	assert.EqualValues(t, 1, doc["failed"])
	assert.Contains(t, doc, "duration_text")
	assert.Equal(t, map[string]any{"uniqueness:sentence": float64(1)}, doc["failures"])
	assert.Len(t, doc["providers"], 1)
}

func TestSummaryLogsFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	r := New("run-4")
	r.Failure("exhausted")
	r.Finish()
	r.Summary(logger)

	out := buf.String()
	assert.Contains(t, out, "Run complete")
	assert.Contains(t, out, "failed=1")
	assert.Contains(t, out, "exhausted=1")
}
