package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamim/copyforge/internal/backoff"
	"github.com/lamim/copyforge/internal/breaker"
	"github.com/lamim/copyforge/internal/checkpoint"
	"github.com/lamim/copyforge/internal/config"
	"github.com/lamim/copyforge/internal/prompt"
	"github.com/lamim/copyforge/internal/provider"
	"github.com/lamim/copyforge/internal/records"
	"github.com/lamim/copyforge/internal/report"
	"github.com/lamim/copyforge/internal/router"
	"github.com/lamim/copyforge/internal/uniqueness"
	"github.com/lamim/copyforge/internal/validator"
	"github.com/lamim/copyforge/internal/writer"
	"github.com/lamim/copyforge/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var textSeq atomic.Int64

// uniqueText returns valid copy that shares no sentence with any other call
func uniqueText() string {
	n := textSeq.Add(1)
	var b strings.Builder
	for i := 0; i < 5; i++ {
		fmt.Fprintf(&b, "Visitors praise the quiet alpha%dx%d courtyard beside beta%dx%d gardens daily. ", n, i, n, i)
	}
	return strings.TrimSpace(b.String())
}

// fakeGenerator answers every prompt through respond
type fakeGenerator struct {
	mu      sync.Mutex
	prompts []provider.Prompt
	respond func(call int, p provider.Prompt) (string, error)
}

func (g *fakeGenerator) Generate(ctx context.Context, p provider.Prompt) (*models.GenerationAttempt, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, p)
	call := len(g.prompts)
	g.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text, err := g.respond(call, p)
	if err != nil {
		return nil, err
	}
	return &models.GenerationAttempt{
		Provider:         "fake",
		Attempts:         1,
		Text:             text,
		PromptTokens:     10,
		CompletionTokens: 100,
	}, nil
}

func (g *fakeGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

func (g *fakeGenerator) prompt(i int) provider.Prompt {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prompts[i]
}

func alwaysUnique() *fakeGenerator {
	return &fakeGenerator{respond: func(int, provider.Prompt) (string, error) {
		return uniqueText(), nil
	}}
}

func record(id string, facts int) models.Record {
	r := models.Record{ID: id, Name: "Hotel " + id, Location: "Lisbon"}
	for i := 0; i < facts; i++ {
		r.SubFacts = append(r.SubFacts, models.Fact{
			Category: "park",
			Name:     fmt.Sprintf("Park %s-%d", id, i),
			Distance: "0.5 km",
		})
	}
	return r
}

func withOutput(r models.Record, text string) models.Record {
	r.Output = text
	return r
}

type fixture struct {
	store    *records.MemoryStore
	ckpt     *checkpoint.Manager
	guard    *uniqueness.Guard
	reporter *report.Reporter
	deps     Deps
	opts     Options
}

func newFixture(t *testing.T, gen Generator, recs ...models.Record) *fixture {
	t.Helper()
	dir := t.TempDir()

	validation := config.ValidationConfig{
		MinWords:  20,
		MaxWords:  400,
		Format:    "text",
		Forbidden: []string{"terrible"},
	}
	v, err := validator.New(validation)
	require.NoError(t, err)

	prompts, err := prompt.New(config.PromptTemplates{
		System:     "You write hotel copy.",
		Generation: config.GetDefaultGenerationTemplate(),
		Correction: config.GetDefaultCorrectionTemplate(),
		Rewrite:    config.GetDefaultRewriteTemplate(),
	}, validation)
	require.NoError(t, err)

	ckpt := checkpoint.NewManager(
		checkpoint.NewFileBackend(filepath.Join(dir, "checkpoint.json")),
		checkpoint.Options{RunID: "test-run", FlushEvery: 1000},
		testLogger(), nil)
	require.NoError(t, ckpt.Load(context.Background()))

	guard := uniqueness.NewGuard(uniqueness.NewMemoryStore(), uniqueness.DefaultOptions(), testLogger())
	require.NoError(t, guard.Load(context.Background()))

	store := records.NewMemoryStore(recs...)
	reporter := report.New("test-run")

	return &fixture{
		store:    store,
		ckpt:     ckpt,
		guard:    guard,
		reporter: reporter,
		deps: Deps{
			Source:      store,
			Writer:      store,
			Eligibility: records.NewEligibility(config.SourceConfig{MinSubFacts: 1}),
			Checkpoint:  ckpt,
			Generator:   gen,
			Prompts:     prompts,
			Validator:   v,
			Guard:       guard,
			Reporter:    reporter,
		},
		opts: Options{
			Concurrency:   1,
			PageSize:      2,
			ShutdownGrace: time.Minute,
		},
	}
}

func (f *fixture) run(t *testing.T, ctx context.Context) {
	t.Helper()
	require.NoError(t, New(f.deps, f.opts, testLogger()).Run(ctx))
}

func (f *fixture) status(t *testing.T, id string) models.CheckpointStatus {
	t.Helper()
	entry, ok := f.ckpt.Get(id)
	require.True(t, ok, "no checkpoint entry for %s", id)
	return entry.Status
}

func TestRunAppliesFiltersInOrder(t *testing.T) {
	gen := alwaysUnique()
	f := newFixture(t, gen,
		record("a", 2),
		record("b", 0),
		withOutput(record("c", 2), "Existing copy."),
		record("d", 1),
	)
	f.run(t, context.Background())

	assert.Equal(t, 2, gen.calls())
	assert.Equal(t, models.StatusGenerated, f.status(t, "a"))
	assert.Equal(t, models.StatusSkippedIneligible, f.status(t, "b"))
	assert.Equal(t, models.StatusSkippedExisting, f.status(t, "c"))
	assert.Equal(t, models.StatusGenerated, f.status(t, "d"))

	assert.Equal(t, 1, f.store.Writes("a"))
	assert.Equal(t, 0, f.store.Writes("c"), "existing output is never overwritten")

	stats := f.reporter.Snapshot()
	assert.Equal(t, int64(4), stats.Scanned)
	assert.Equal(t, int64(2), stats.Generated)
	assert.Equal(t, int64(1), stats.SkippedExisting)
	assert.Equal(t, int64(1), stats.SkippedIneligible)
	assert.False(t, stats.EndTime.IsZero())

	entry, _ := f.ckpt.Get("a")
	require.NotNil(t, entry.Meta)
	assert.Equal(t, "fake", entry.Meta.Provider)
	assert.Equal(t, 1, entry.Meta.Generations)
	assert.Equal(t, 50, entry.Meta.WordCount)
}

func TestPromptCarriesRecordFacts(t *testing.T) {
	gen := alwaysUnique()
	f := newFixture(t, gen, record("a", 1))
	f.run(t, context.Background())

	require.Equal(t, 1, gen.calls())
	p := gen.prompt(0)
	assert.Equal(t, "You write hotel copy.", p.System)
	assert.Contains(t, p.User, `"Hotel a" in Lisbon`)
	assert.Contains(t, p.User, "Park a-0 (park, 0.5 km)")
}

func TestResumeSkipsDoneRecords(t *testing.T) {
	gen := alwaysUnique()
	f := newFixture(t, gen, record("a", 1), record("b", 1), record("c", 1))
	f.ckpt.Upsert("a", models.CheckpointEntry{Status: models.StatusGenerated})
	f.ckpt.Upsert("b", models.CheckpointEntry{Status: models.StatusError, Error: "boom"})
	f.opts.Resume = true

	f.run(t, context.Background())

	assert.Equal(t, 2, gen.calls(), "errors are retried, generated records are not")
	assert.Equal(t, 0, f.store.Writes("a"))
	assert.Equal(t, models.StatusGenerated, f.status(t, "b"))
	assert.Equal(t, int64(1), f.reporter.Snapshot().AlreadyDone)
}

func TestForceRegeneratesExistingOutput(t *testing.T) {
	gen := alwaysUnique()
	f := newFixture(t, gen, withOutput(record("a", 1), "Old copy."))
	f.opts.Force = true

	f.run(t, context.Background())

	assert.Equal(t, 1, gen.calls())
	assert.Equal(t, models.StatusGenerated, f.status(t, "a"))
	rec, err := f.store.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.NotEqual(t, "Old copy.", rec.Output)
}

func TestLimitCapsEnqueuedTasks(t *testing.T) {
	gen := alwaysUnique()
	var recs []models.Record
	for i := 0; i < 10; i++ {
		recs = append(recs, record(fmt.Sprintf("r%02d", i), 1))
	}
	f := newFixture(t, gen, recs...)
	f.opts.Limit = 3
	f.opts.Concurrency = 2

	f.run(t, context.Background())

	assert.Equal(t, 3, gen.calls())
	assert.Equal(t, 3, f.store.TotalWrites())
	assert.Equal(t, int64(3), f.reporter.Snapshot().Generated)
}

func TestScanBoundStopsSparseSources(t *testing.T) {
	gen := alwaysUnique()
	var recs []models.Record
	for i := 0; i < 20; i++ {
		recs = append(recs, record(fmt.Sprintf("r%02d", i), 0))
	}
	recs = append(recs, record("z", 1))
	f := newFixture(t, gen, recs...)
	f.opts.Limit = 1
	f.opts.ScanFactor = 5

	f.run(t, context.Background())

	assert.Equal(t, 0, gen.calls())
	assert.Equal(t, int64(5), f.reporter.Snapshot().Scanned)
}

// jsonSource loads docs into a JSON file store and makes it the fixture's
// source and writer
func (f *fixture) jsonSource(t *testing.T, docs string) *records.JSONFileStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "records.json")
	require.NoError(t, os.WriteFile(path, []byte(docs), 0644))
	src, err := records.OpenJSONFile(path, "", false, records.Mapping{
		ID:       "id",
		Name:     "name",
		Location: "city",
		Output:   "summary",
		SubFacts: "nearby",
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })
	f.deps.Source = src
	f.deps.Writer = src
	return src
}

func TestUndecodableRecordDoesNotShiftPaging(t *testing.T) {
	gen := alwaysUnique()
	f := newFixture(t, gen)
	src := f.jsonSource(t, `[
		{"name": "No id"},
		{"id": "a", "name": "Hotel a", "city": "Lisbon", "nearby": [{"category": "park", "name": "Park a"}]},
		{"id": "b", "name": "Hotel b", "city": "Lisbon", "nearby": [{"category": "park", "name": "Park b"}]}
	]`)

	f.run(t, context.Background())

	assert.Equal(t, 2, gen.calls(), "each record is generated once")
	stats := f.reporter.Snapshot()
	assert.Equal(t, int64(2), stats.Scanned)
	assert.Equal(t, int64(2), stats.Generated)
	for _, id := range []string{"a", "b"} {
		assert.Equal(t, models.StatusGenerated, f.status(t, id))
		rec, err := src.Get(context.Background(), id)
		require.NoError(t, err)
		assert.NotEmpty(t, rec.Output)
	}
}

func TestUndecodablePageDoesNotEndScan(t *testing.T) {
	gen := alwaysUnique()
	f := newFixture(t, gen)
	f.jsonSource(t, `[
		{"name": "No id"},
		{"name": "Also no id"},
		{"id": "good", "name": "Hotel good", "city": "Lisbon", "nearby": [{"category": "park", "name": "Park good"}]}
	]`)

	f.run(t, context.Background())

	assert.Equal(t, 1, gen.calls())
	assert.Equal(t, models.StatusGenerated, f.status(t, "good"))
	assert.Equal(t, int64(1), f.reporter.Snapshot().Scanned)
}

func TestOnlyIDProcessesOneRecord(t *testing.T) {
	gen := alwaysUnique()
	f := newFixture(t, gen, record("a", 1), record("b", 1), record("c", 1))
	f.opts.OnlyID = "b"

	f.run(t, context.Background())

	assert.Equal(t, 1, gen.calls())
	assert.Equal(t, 1, f.store.Writes("b"))
	assert.Equal(t, 1, f.ckpt.Len())
}

func TestOnlyIDUnknownRecordFails(t *testing.T) {
	f := newFixture(t, alwaysUnique(), record("a", 1))
	f.opts.OnlyID = "missing"

	err := New(f.deps, f.opts, testLogger()).Run(context.Background())
	require.ErrorIs(t, err, records.ErrNotFound)
}

func TestValidationFailureGetsOneCorrection(t *testing.T) {
	gen := &fakeGenerator{respond: func(call int, _ provider.Prompt) (string, error) {
		if call == 1 {
			return "The rooms were terrible. " + uniqueText(), nil
		}
		return uniqueText(), nil
	}}
	f := newFixture(t, gen, record("a", 1))

	f.run(t, context.Background())

	require.Equal(t, 2, gen.calls())
	assert.Contains(t, gen.prompt(1).User, "Your previous answer was rejected")
	assert.Contains(t, gen.prompt(1).User, `forbidden term "terrible"`)
	assert.Equal(t, models.StatusGenerated, f.status(t, "a"))

	entry, _ := f.ckpt.Get("a")
	assert.Equal(t, 2, entry.Meta.Generations)
	assert.Equal(t, 200, entry.Meta.CompletionTokens)
}

func TestValidationFailsAfterCorrection(t *testing.T) {
	gen := &fakeGenerator{respond: func(int, provider.Prompt) (string, error) {
		return "Too short.", nil
	}}
	f := newFixture(t, gen, record("a", 1))

	f.run(t, context.Background())

	assert.Equal(t, 2, gen.calls())
	assert.Equal(t, models.StatusError, f.status(t, "a"))
	assert.Equal(t, 0, f.store.Writes("a"))
	assert.Equal(t, map[string]int64{"validation:word_count": 1}, f.reporter.Failures())
	assert.Equal(t, int64(1), f.reporter.Snapshot().Failed)
}

func TestDuplicateOutputGetsOneRewrite(t *testing.T) {
	shared := uniqueText()
	gen := &fakeGenerator{respond: func(call int, _ provider.Prompt) (string, error) {
		if call <= 2 {
			return shared, nil
		}
		return uniqueText(), nil
	}}
	f := newFixture(t, gen, record("a", 1), record("b", 1))

	f.run(t, context.Background())

	require.Equal(t, 3, gen.calls())
	assert.Contains(t, gen.prompt(2).User, "repeated wording already used")
	assert.Equal(t, models.StatusGenerated, f.status(t, "a"))
	assert.Equal(t, models.StatusGenerated, f.status(t, "b"))
}

func TestDuplicateAfterRewriteFails(t *testing.T) {
	shared := uniqueText()
	gen := &fakeGenerator{respond: func(int, provider.Prompt) (string, error) {
		return shared, nil
	}}
	f := newFixture(t, gen, record("a", 1), record("b", 1))

	f.run(t, context.Background())

	assert.Equal(t, 3, gen.calls())
	assert.Equal(t, models.StatusGenerated, f.status(t, "a"))
	assert.Equal(t, models.StatusError, f.status(t, "b"))
	assert.Equal(t, 0, f.store.Writes("b"))
	assert.Equal(t, map[string]int64{"uniqueness:sentence": 1}, f.reporter.Failures())
	stats := f.reporter.Snapshot()
	assert.Equal(t, int64(1), stats.Generated)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestWriteFailureReleasesFingerprints(t *testing.T) {
	shared := uniqueText()
	gen := &fakeGenerator{respond: func(int, provider.Prompt) (string, error) {
		return shared, nil
	}}
	f := newFixture(t, gen, record("a", 1), record("b", 1))
	f.store.FailNextWrite("a", errors.New("disk full"))

	f.run(t, context.Background())

	assert.Equal(t, models.StatusError, f.status(t, "a"))
	assert.Equal(t, models.StatusGenerated, f.status(t, "b"), "a's text was withdrawn so b may use it")
	assert.Equal(t, 2, gen.calls())

	entry, _ := f.ckpt.Get("a")
	assert.Contains(t, entry.Error, "disk full")
	assert.Equal(t, map[string]int64{"write": 1}, f.reporter.Failures())
	assert.Equal(t, int64(1), f.reporter.Snapshot().Failed)
}

func TestExhaustedProvidersRecordError(t *testing.T) {
	gen := &fakeGenerator{respond: func(int, provider.Prompt) (string, error) {
		return "", &router.ExhaustedError{Tried: []string{"fake"}, Last: errors.New("503")}
	}}
	f := newFixture(t, gen, record("a", 1), record("b", 1))

	f.run(t, context.Background())

	assert.Equal(t, models.StatusError, f.status(t, "a"))
	assert.Equal(t, models.StatusError, f.status(t, "b"))
	assert.Equal(t, map[string]int64{"exhausted": 2}, f.reporter.Failures())
	assert.Equal(t, int64(2), f.reporter.Snapshot().Failed)
}

func TestDryRunWritesPreviewOnly(t *testing.T) {
	gen := alwaysUnique()
	f := newFixture(t, gen, record("a", 1), record("b", 1))
	path := filepath.Join(t.TempDir(), "preview.jsonl")
	preview, err := writer.NewJSONLWriter(path, true, testLogger())
	require.NoError(t, err)
	f.deps.Preview = preview
	f.opts.DryRun = true

	f.run(t, context.Background())
	require.NoError(t, preview.Close())

	assert.Equal(t, 0, f.store.TotalWrites())
	assert.Equal(t, models.StatusGenerated, f.status(t, "a"))

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	lines := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		assert.Contains(t, scanner.Text(), `"provider":"fake"`)
		lines++
	}
	assert.Equal(t, 2, lines)
}

// noSleep records delays without waiting
type noSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *noSleep) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

// rateLimitedClient answers 429 a fixed number of times, then valid copy
type rateLimitedClient struct {
	limited atomic.Int32
	calls   atomic.Int32
}

func (c *rateLimitedClient) Name() string { return "primary" }

func (c *rateLimitedClient) Generate(context.Context, provider.Prompt) (*provider.Response, error) {
	c.calls.Add(1)
	if c.limited.Add(-1) >= 0 {
		return nil, &provider.Error{Kind: provider.KindRateLimited, StatusCode: 429}
	}
	return &provider.Response{Text: uniqueText(), PromptTokens: 12, CompletionTokens: 80}, nil
}

func TestRateLimitedProviderRetriedThroughRouter(t *testing.T) {
	client := &rateLimitedClient{}
	client.limited.Store(2)
	sleeper := &noSleep{}
	exec := backoff.New(backoff.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
	}, backoff.WithSleeper(sleeper.Sleep))
	breakers := breaker.New(5, time.Minute)
	r := router.New([]provider.Client{client}, breakers, exec, testLogger(), nil)

	f := newFixture(t, r, record("a", 1))
	f.run(t, context.Background())

	assert.Equal(t, models.StatusGenerated, f.status(t, "a"))
	assert.Equal(t, int32(3), client.calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.delays)

	entry, _ := f.ckpt.Get("a")
	assert.Equal(t, "primary", entry.Meta.Provider)
	assert.Equal(t, 3, entry.Meta.Attempts)
	assert.Equal(t, 0, breakers.State("primary").ConsecutiveFailures)
}

func TestStopFinishesInFlightTask(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	gen := &fakeGenerator{respond: func(int, provider.Prompt) (string, error) {
		once.Do(func() { close(started) })
		<-release
		return uniqueText(), nil
	}}
	var recs []models.Record
	for i := 0; i < 50; i++ {
		recs = append(recs, record(fmt.Sprintf("r%02d", i), 1))
	}
	f := newFixture(t, gen, recs...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(f.deps, f.opts, testLogger()).Run(ctx) }()

	<-started
	cancel()
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}

	assert.Equal(t, models.StatusGenerated, f.status(t, "r00"))
	assert.Equal(t, 1, gen.calls(), "no task starts after stop")
	assert.Equal(t, 1, f.ckpt.Len())
	_, ok := f.ckpt.Get("r01")
	assert.False(t, ok)
}

func TestGraceExpiryInterruptsTask(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	gen := &blockingGenerator{started: started, once: &once}
	f := newFixture(t, gen, record("a", 1))
	f.opts.ShutdownGrace = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(f.deps, f.opts, testLogger()).Run(ctx) }()

	<-started
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}

	_, ok := f.ckpt.Get("a")
	assert.False(t, ok, "interrupted records stay unrecorded")
	assert.Equal(t, int64(1), f.reporter.Snapshot().Interrupted)
}

// blockingGenerator waits for its context to end
type blockingGenerator struct {
	started chan struct{}
	once    *sync.Once
}

func (g *blockingGenerator) Generate(ctx context.Context, _ provider.Prompt) (*models.GenerationAttempt, error) {
	g.once.Do(func() { close(g.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}
