package index

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"docqa-platform/internal/ai"
	"docqa-platform/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	mu     sync.Mutex
	calls  [][]string
	dims   int
	fail   map[string]error
	err    error
	before func(call int)
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) (*ai.BatchOutcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), texts...))
	call := len(f.calls)
	before := f.before
	f.mu.Unlock()

	if before != nil {
		before(call)
	}
	if f.err != nil {
		return nil, f.err
	}

	dims := f.dims
	if dims == 0 {
		dims = 2
	}
	out := &ai.BatchOutcome{Results: make([]ai.EmbedResult, len(texts))}
	for i, text := range texts {
		if err, ok := f.fail[text]; ok {
			out.Results[i].Err = err
			out.Failed++
			if out.FirstErr == nil {
				out.FirstErr = err
			}
			continue
		}
		vec := make([]float32, dims)
		vec[0] = float32(len(text))
		out.Results[i].Vector = vec
		out.Succeeded++
	}
	return out, nil
}

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeEmbedder) lastCall() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type memoryStore struct {
	mu   sync.Mutex
	docs map[string]*models.Document
}

func newMemoryStore() *memoryStore {
	return &memoryStore{docs: map[string]*models.Document{}}
}

func (m *memoryStore) Save(_ context.Context, doc *models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID] = doc.Clone()
	return nil
}

func (m *memoryStore) Load(_ context.Context, id string) (*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return doc.Clone(), nil
}

func (m *memoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return models.ErrNotFound
	}
	delete(m.docs, id)
	return nil
}

func (m *memoryStore) DeleteAll(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.docs))
	m.docs = map[string]*models.Document{}
	return n, nil
}

func newDoc(id string, texts ...string) *models.Document {
	chunks := make([]models.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = models.Chunk{Index: i, Text: text, Status: models.ChunkPending}
	}
	return models.NewDocument(id, id+".txt", "txt", "", chunks)
}

func TestEnsureEmbeddedEmbedsAllChunks(t *testing.T) {
	emb := &fakeEmbedder{}
	ix := New(emb, Options{})
	require.NoError(t, ix.Ingest(context.Background(), newDoc("d1", "a", "bb", "ccc")))

	outcome, err := ix.EnsureEmbedded(context.Background(), "d1")

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, outcome.Kind)
	assert.Equal(t, 3, outcome.Successful)
	assert.Equal(t, 3, outcome.Total)
	assert.Empty(t, outcome.Failures)
	assert.Equal(t, models.DocumentEmbedded, outcome.State)

	set, err := ix.GetVectors(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, 2, set.Dimensions)
	require.Len(t, set.Entries, 3)
	assert.Equal(t, []int{0, 1, 2}, []int{set.Entries[0].Chunk.Index, set.Entries[1].Chunk.Index, set.Entries[2].Chunk.Index})
	assert.Nil(t, set.Entries[0].Chunk.Vector)
	assert.Equal(t, float32(2), set.Entries[1].Vector[0])
}

func TestEnsureEmbeddedIsIdempotent(t *testing.T) {
	emb := &fakeEmbedder{}
	ix := New(emb, Options{})
	require.NoError(t, ix.Ingest(context.Background(), newDoc("d1", "a", "b")))

	_, err := ix.EnsureEmbedded(context.Background(), "d1")
	require.NoError(t, err)
	outcome, err := ix.EnsureEmbedded(context.Background(), "d1")

	require.NoError(t, err)
	assert.Equal(t, 1, emb.callCount())
	assert.Equal(t, models.OutcomeSuccess, outcome.Kind)
	assert.Equal(t, 2, outcome.Successful)
}

func TestEnsureEmbeddedPartialFailureThenRetry(t *testing.T) {
	transient := fmt.Errorf("%w: 503", models.ErrEmbeddingTransient)
	emb := &fakeEmbedder{fail: map[string]error{"bad": transient}}
	ix := New(emb, Options{})
	require.NoError(t, ix.Ingest(context.Background(), newDoc("d1", "good", "bad", "fine")))

	outcome, err := ix.EnsureEmbedded(context.Background(), "d1")

	require.NoError(t, err)
	assert.Equal(t, models.OutcomePartialFailure, outcome.Kind)
	assert.Equal(t, 2, outcome.Successful)
	require.Len(t, outcome.Failures, 1)
	assert.Equal(t, 1, outcome.Failures[0].ChunkIndex)
	assert.True(t, outcome.Failures[0].Transient)
	assert.True(t, outcome.Retryable())
	assert.ErrorIs(t, outcome.Cause, models.ErrEmbeddingTransient)
	assert.Equal(t, models.DocumentEmbeddingFailed, outcome.State)

	set, err := ix.GetVectors(context.Background(), "d1")
	require.NoError(t, err)
	assert.Len(t, set.Entries, 2)
	require.Len(t, set.Failed, 1)
	assert.Equal(t, 1, set.Failed[0].ChunkIndex)

	summary := ix.List(context.Background())[0]
	assert.Equal(t, 1, summary.Retryable)

	emb.mu.Lock()
	emb.fail = nil
	emb.mu.Unlock()
	outcome, err = ix.EnsureEmbedded(context.Background(), "d1")

	require.NoError(t, err)
	assert.Equal(t, []string{"bad"}, emb.lastCall())
	assert.Equal(t, models.OutcomeSuccess, outcome.Kind)
	assert.Equal(t, models.DocumentEmbedded, outcome.State)
}

func TestPermanentFailureIsNotRetryable(t *testing.T) {
	permanent := fmt.Errorf("%w: 400 bad request", models.ErrEmbeddingPermanent)
	emb := &fakeEmbedder{fail: map[string]error{"bad": permanent}}
	ix := New(emb, Options{})
	require.NoError(t, ix.Ingest(context.Background(), newDoc("d1", "bad")))

	outcome, err := ix.EnsureEmbedded(context.Background(), "d1")

	require.NoError(t, err)
	assert.Equal(t, models.OutcomePartialFailure, outcome.Kind)
	assert.Zero(t, outcome.Successful)
	assert.False(t, outcome.Retryable())
}

func TestConcurrentCallersShareOnePass(t *testing.T) {
	release := make(chan struct{})
	emb := &fakeEmbedder{before: func(int) { <-release }}
	ix := New(emb, Options{})
	require.NoError(t, ix.Ingest(context.Background(), newDoc("d1", "a", "b")))

	const callers = 5
	var wg sync.WaitGroup
	outcomes := make([]*models.EmbeddingOutcome, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = ix.EnsureEmbedded(context.Background(), "d1")
		}(i)
	}

	require.Eventually(t, func() bool { return emb.callCount() == 1 }, time.Second, time.Millisecond)
	// give the remaining callers time to join the pass in flight
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, emb.callCount())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, models.OutcomeSuccess, outcomes[i].Kind)
	}
}

func TestAbandonedCallerDoesNotStopPass(t *testing.T) {
	release := make(chan struct{})
	emb := &fakeEmbedder{before: func(int) { <-release }}
	ix := New(emb, Options{})
	require.NoError(t, ix.Ingest(context.Background(), newDoc("d1", "a")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := ix.EnsureEmbedded(ctx, "d1")
		done <- err
	}()
	require.Eventually(t, func() bool { return emb.callCount() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	close(release)

	require.Eventually(t, func() bool {
		doc, err := ix.Get(context.Background(), "d1")
		return err == nil && doc.State == models.DocumentEmbedded
	}, time.Second, time.Millisecond)
}

func TestEmbeddingUnavailable(t *testing.T) {
	emb := &fakeEmbedder{err: models.ErrEmbeddingUnavailable}
	ix := New(emb, Options{})
	require.NoError(t, ix.Ingest(context.Background(), newDoc("d1", "a", "b")))

	outcome, err := ix.EnsureEmbedded(context.Background(), "d1")

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeUnavailable, outcome.Kind)
	assert.Zero(t, outcome.Successful)
	assert.Equal(t, models.DocumentEmbeddingFailed, outcome.State)
	assert.ErrorIs(t, outcome.Cause, models.ErrEmbeddingUnavailable)
	assert.False(t, outcome.Retryable())
}

func TestDimensionMismatchAbortsPass(t *testing.T) {
	emb := &fakeEmbedder{fail: map[string]error{"later": errors.New("flaky")}}
	ix := New(emb, Options{})
	require.NoError(t, ix.Ingest(context.Background(), newDoc("d1", "first", "later")))
	_, err := ix.EnsureEmbedded(context.Background(), "d1")
	require.NoError(t, err)

	emb.mu.Lock()
	emb.fail = nil
	emb.dims = 3
	emb.mu.Unlock()
	_, err = ix.EnsureEmbedded(context.Background(), "d1")

	assert.ErrorIs(t, err, models.ErrDimensionMismatch)
	set, err := ix.GetVectors(context.Background(), "d1")
	require.NoError(t, err)
	assert.Len(t, set.Entries, 1)
	assert.Equal(t, 2, set.Dimensions)
}

func TestReplacedDuringPassRestartsOnNewVersion(t *testing.T) {
	release := make(chan struct{})
	emb := &fakeEmbedder{before: func(call int) {
		if call == 1 {
			<-release
		}
	}}
	ix := New(emb, Options{})
	require.NoError(t, ix.Ingest(context.Background(), newDoc("d1", "old")))

	done := make(chan *models.EmbeddingOutcome, 1)
	go func() {
		outcome, err := ix.EnsureEmbedded(context.Background(), "d1")
		assert.NoError(t, err)
		done <- outcome
	}()
	require.Eventually(t, func() bool { return emb.callCount() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, ix.Ingest(context.Background(), newDoc("d1", "new one", "new two")))
	close(release)
	outcome := <-done

	assert.Equal(t, 2, emb.callCount())
	assert.Equal(t, []string{"new one", "new two"}, emb.lastCall())
	assert.Equal(t, 2, outcome.Total)
	assert.Equal(t, 2, outcome.Successful)

	doc, err := ix.Get(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Version)
}

func TestUnknownDocument(t *testing.T) {
	ix := New(&fakeEmbedder{}, Options{})

	_, err := ix.EnsureEmbedded(context.Background(), "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = ix.GetVectors(context.Background(), "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = ix.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.ErrorIs(t, ix.Remove(context.Background(), "nope"), models.ErrNotFound)
}

func TestIngestValidation(t *testing.T) {
	ix := New(&fakeEmbedder{}, Options{})

	assert.ErrorIs(t, ix.Ingest(context.Background(), nil), models.ErrInvalidInput)
	assert.ErrorIs(t, ix.Ingest(context.Background(), newDoc("")), models.ErrInvalidInput)

	doc := newDoc("d1", "a", "b")
	doc.Chunks[1].Index = 7
	assert.ErrorIs(t, ix.Ingest(context.Background(), doc), models.ErrInvalidInput)
}

func TestEmptyDocumentIsEmbedded(t *testing.T) {
	emb := &fakeEmbedder{}
	ix := New(emb, Options{})
	require.NoError(t, ix.Ingest(context.Background(), newDoc("empty")))

	outcome, err := ix.EnsureEmbedded(context.Background(), "empty")

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, outcome.Kind)
	assert.Zero(t, outcome.Total)
	assert.Zero(t, emb.callCount())
}

func TestIngestDoesNotAliasCallerDocument(t *testing.T) {
	ix := New(&fakeEmbedder{}, Options{})
	doc := newDoc("d1", "original")
	require.NoError(t, ix.Ingest(context.Background(), doc))

	doc.Chunks[0].Text = "mutated"

	got, err := ix.Get(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "original", got.Chunks[0].Text)
}

func TestListRemoveAndEvict(t *testing.T) {
	ix := New(&fakeEmbedder{}, Options{})
	require.NoError(t, ix.Ingest(context.Background(), newDoc("older", "a")))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, ix.Ingest(context.Background(), newDoc("newer", "b")))

	list := ix.List(context.Background())
	require.Len(t, list, 2)
	assert.Equal(t, "newer", list[0].ID)
	assert.Equal(t, models.DocumentEmbeddingInProgress, list[0].State)

	// in-progress documents are never evicted
	assert.Zero(t, ix.Evict(time.Now().Add(time.Hour)))

	_, err := ix.EnsureEmbedded(context.Background(), "older")
	require.NoError(t, err)
	assert.Equal(t, 1, ix.Evict(time.Now().Add(time.Hour)))

	require.NoError(t, ix.Remove(context.Background(), "newer"))
	assert.Empty(t, ix.List(context.Background()))
}

func TestStorePersistsAndHydrates(t *testing.T) {
	store := newMemoryStore()
	ix := New(&fakeEmbedder{}, Options{Store: store})
	require.NoError(t, ix.Ingest(context.Background(), newDoc("d1", "a", "b")))
	_, err := ix.EnsureEmbedded(context.Background(), "d1")
	require.NoError(t, err)

	restarted := New(&fakeEmbedder{}, Options{Store: store})
	set, err := restarted.GetVectors(context.Background(), "d1")

	require.NoError(t, err)
	assert.Len(t, set.Entries, 2)
	assert.Equal(t, 2, set.Dimensions)

	require.NoError(t, restarted.Remove(context.Background(), "d1"))
	_, err = store.Load(context.Background(), "d1")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = New(&fakeEmbedder{}, Options{Store: store}).Get(context.Background(), "d1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRemoveDuringPassDoesNotResurrect(t *testing.T) {
	store := newMemoryStore()
	release := make(chan struct{})
	emb := &fakeEmbedder{before: func(int) { <-release }}
	ix := New(emb, Options{Store: store})
	require.NoError(t, ix.Ingest(context.Background(), newDoc("d1", "a")))

	done := make(chan error, 1)
	go func() {
		_, err := ix.EnsureEmbedded(context.Background(), "d1")
		done <- err
	}()
	require.Eventually(t, func() bool { return emb.callCount() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, ix.Remove(context.Background(), "d1"))
	close(release)

	assert.ErrorIs(t, <-done, models.ErrNotFound)
	_, err := store.Load(context.Background(), "d1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestClearDropsMemoryAndStore(t *testing.T) {
	store := newMemoryStore()
	ix := New(&fakeEmbedder{}, Options{Store: store})
	require.NoError(t, ix.Ingest(context.Background(), newDoc("d1", "a")))
	require.NoError(t, ix.Ingest(context.Background(), newDoc("d2", "b")))

	n, err := ix.Clear(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, ix.List(context.Background()))
	_, err = ix.Get(context.Background(), "d1")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = store.Load(context.Background(), "d2")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

// fixedProvider returns vectors of one size regardless of what the client expects
type fixedProvider struct{ dims int }

func (fixedProvider) Name() string { return "fixed" }

func (p fixedProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, p.dims)
		out[i][0] = 1
	}
	return out, nil
}

func TestConfiguredDimensionMismatchFailsPass(t *testing.T) {
	client := ai.NewEmbeddingClient(fixedProvider{dims: 3}, ai.EmbeddingOptions{
		BatchSize:      8,
		MaxAttempts:    1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Dimensions:     768,
	}, nil)
	ix := New(client, Options{})
	require.NoError(t, ix.Ingest(context.Background(), newDoc("d1", "a", "b")))

	outcome, err := ix.EnsureEmbedded(context.Background(), "d1")

	assert.ErrorIs(t, err, models.ErrDimensionMismatch)
	assert.Nil(t, outcome)
	doc, err := ix.Get(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, models.DocumentEmbeddingFailed, doc.State)
	for _, c := range doc.Chunks {
		assert.Equal(t, models.ChunkPending, c.Status)
		assert.Nil(t, c.Vector)
	}
}

func TestEvictSkipsHeldEntries(t *testing.T) {
	ix := New(&fakeEmbedder{}, Options{})
	require.NoError(t, ix.Ingest(context.Background(), newDoc("d1", "a")))
	_, err := ix.EnsureEmbedded(context.Background(), "d1")
	require.NoError(t, err)
	future := time.Now().Add(time.Hour)

	e, err := ix.hold(context.Background(), "d1")
	require.NoError(t, err)
	assert.Zero(t, ix.Evict(future))

	e.release()
	assert.Equal(t, 1, ix.Evict(future))
	e.mu.Lock()
	assert.True(t, e.removed)
	e.mu.Unlock()

	_, err = ix.EnsureEmbedded(context.Background(), "d1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestHoldIsReleasedAfterAbandonedPass(t *testing.T) {
	release := make(chan struct{})
	emb := &fakeEmbedder{before: func(int) { <-release }}
	ix := New(emb, Options{})
	require.NoError(t, ix.Ingest(context.Background(), newDoc("d1", "a")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := ix.EnsureEmbedded(ctx, "d1")
		done <- err
	}()
	require.Eventually(t, func() bool { return emb.callCount() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(release)
	require.Eventually(t, func() bool {
		return ix.Evict(time.Now().Add(time.Hour)) == 1
	}, time.Second, time.Millisecond)
}
