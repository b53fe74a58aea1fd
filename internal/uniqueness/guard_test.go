package uniqueness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	textA = "The harbor view rooms open onto a wide balcony. Breakfast is served daily in the sunny garden room. Guests can walk to the ferry terminal in minutes."
	// textB rewords one word per sentence of textA
	textB = "The harbor view suites open onto a wide balcony. Breakfast is served daily in the sunny garden cafe. Guests can walk to the ferry pier in minutes."
	textC = "Parking is free for every registered guest overnight. The lobby lounge hosts live jazz on Fridays. Pets under twenty pounds are welcome here."
)

func newTestGuard(opts Options) (*Guard, *MemoryStore) {
	store := NewMemoryStore()
	return NewGuard(store, opts, nil), store
}

func TestNormalizeAndFingerprint(t *testing.T) {
	assert.Equal(t, "hello world", Normalize("  Hello,   WORLD!! "))
	assert.Equal(t, "dont stop", Normalize("Don't stop."))
	assert.Equal(t, Fingerprint(Normalize("Hello, world.")), Fingerprint(Normalize("hello world")))
	assert.Len(t, Fingerprint("x"), 32)
}

func TestSplitSentences(t *testing.T) {
	got := SplitSentences("Book now. The rooms face the quiet bay! Is parking free for guests? <li>Pool open all year long</li>", 4)
	require.Len(t, got, 3)
	assert.Equal(t, "The rooms face the quiet bay", got[0].Text)
	assert.Equal(t, "is parking free for guests", got[1].Normalized)
	assert.Equal(t, "pool open all year long", got[2].Normalized)
}

func TestJaccard(t *testing.T) {
	a := Shingles("one two three four", 3)
	b := Shingles("two three four five", 3)
	assert.InDelta(t, 1.0/3.0, Jaccard(a, b), 1e-9)
	assert.Equal(t, 1.0, Jaccard(a, a))
	assert.Equal(t, 0.0, Jaccard(map[string]struct{}{}, map[string]struct{}{}))
	assert.Len(t, Shingles("too short", 3), 1)
}

func TestRepeatedSentenceConflicts(t *testing.T) {
	g, _ := newTestGuard(DefaultOptions())

	_, err := g.Admit(textA)
	require.NoError(t, err)

	repeat := "Parking is free for every registered guest overnight. Breakfast is served daily in the sunny garden room."
	res := g.Check(repeat)
	assert.False(t, res.Unique)
	assert.Equal(t, ReasonSentence, res.Reason)
	assert.Equal(t, []string{"Breakfast is served daily in the sunny garden room"}, res.Conflicts)

	_, err = g.Admit(repeat)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))

	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ReasonSentence, ce.Reason)
	assert.Contains(t, err.Error(), "sunny garden room")
}

func TestShortSentencesIgnored(t *testing.T) {
	g, _ := newTestGuard(DefaultOptions())

	_, err := g.Admit(textA + " Book today.")
	require.NoError(t, err)
	_, err = g.Admit(textC + " Book today.")
	assert.NoError(t, err)
}

func TestNearDuplicateRejected(t *testing.T) {
	g, _ := newTestGuard(DefaultOptions())

	_, err := g.Admit(textA)
	require.NoError(t, err)

	res := g.Check(textB)
	assert.False(t, res.Unique)
	assert.Equal(t, ReasonSimilarity, res.Reason)
	assert.Greater(t, res.Similarity, 0.35)

	res = g.Check(textC)
	assert.True(t, res.Unique)
}

func TestThresholdConfigurable(t *testing.T) {
	opts := DefaultOptions()
	opts.Threshold = 0.95
	g, _ := newTestGuard(opts)

	_, err := g.Admit(textA)
	require.NoError(t, err)
	_, err = g.Admit(textB)
	assert.NoError(t, err)
}

func TestWindowEvictsOldest(t *testing.T) {
	opts := DefaultOptions()
	opts.WindowSize = 1
	g, _ := newTestGuard(opts)

	_, err := g.Admit(textA)
	require.NoError(t, err)
	_, err = g.Admit(textC)
	require.NoError(t, err)

	// textA fell out of the window; its sentences differ from textB
	_, err = g.Admit(textB)
	assert.NoError(t, err)
}

func TestForgetWithdraws(t *testing.T) {
	g, store := newTestGuard(DefaultOptions())
	ctx := context.Background()

	a, err := g.Admit(textA)
	require.NoError(t, err)
	g.Forget(a)

	assert.True(t, g.Check(textA).Unique)
	require.NoError(t, g.Flush(ctx))
	assert.Equal(t, 0, store.Len(), "forgotten before flush never reaches the store")

	a, err = g.Admit(textA)
	require.NoError(t, err)
	require.NoError(t, g.Flush(ctx))
	assert.Equal(t, 3, store.Len())

	g.Forget(a)
	require.NoError(t, g.Flush(ctx))
	assert.Equal(t, 0, store.Len(), "forgotten after flush is removed from the store")

	g.Forget(nil)
}

func TestLoadFromStore(t *testing.T) {
	ctx := context.Background()
	first, store := newTestGuard(DefaultOptions())
	_, err := first.Admit(textA)
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	// A new process sees the fingerprints but not the window
	second := NewGuard(store, DefaultOptions(), nil)
	require.NoError(t, second.Load(ctx))
	assert.Equal(t, 3, second.Size())

	assert.False(t, second.Check(textA).Unique)
	assert.True(t, second.Check(textB).Unique)
}

func TestReadOnlyStoreDropsWrites(t *testing.T) {
	ctx := context.Background()
	backing := NewMemoryStore(Fingerprint(Normalize("Breakfast is served daily in the sunny garden room")))

	g := NewGuard(ReadOnlyStore{Store: backing}, DefaultOptions(), nil)
	require.NoError(t, g.Load(ctx))
	assert.False(t, g.Check(textA).Unique)

	_, err := g.Admit(textC)
	require.NoError(t, err)
	require.NoError(t, g.Flush(ctx))
	assert.Equal(t, 1, backing.Len())
}

type failingStore struct {
	*MemoryStore
	fail atomic.Bool
}

func (s *failingStore) Add(ctx context.Context, fps []string) error {
	if s.fail.Load() {
		return errors.New("disk full")
	}
	return s.MemoryStore.Add(ctx, fps)
}

func TestFlushFailureRequeues(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: NewMemoryStore()}
	store.fail.Store(true)
	g := NewGuard(store, DefaultOptions(), nil)

	_, err := g.Admit(textA)
	require.NoError(t, err)
	assert.Error(t, g.Flush(ctx))
	assert.Equal(t, 0, store.Len())

	store.fail.Store(false)
	require.NoError(t, g.Flush(ctx))
	assert.Equal(t, 3, store.Len())
}

func TestConcurrentAdmitNeverSharesSentences(t *testing.T) {
	g, _ := newTestGuard(DefaultOptions())
	shared := "Every room includes fresh coffee and local pastries."

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			text := fmt.Sprintf("Suite number %d has its own private entrance. %s", n, shared)
			if _, err := g.Admit(text); err == nil {
				accepted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
}
