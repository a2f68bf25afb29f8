// Package index holds each document's chunks and vectors for the lifetime of
// the process. Mutations of one document are serialised by that document's
// lock; different documents never contend beyond the map lookup.
package index

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"docqa-platform/internal/ai"
	"docqa-platform/internal/logger"
	"docqa-platform/internal/telemetry"
	"docqa-platform/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

// Embedder is the embedding client surface the index depends on
type Embedder interface {
	Embed(ctx context.Context, texts []string) (*ai.BatchOutcome, error)
}

// Store persists document snapshots. Load returns models.ErrNotFound for unknown ids.
type Store interface {
	Save(ctx context.Context, doc *models.Document) error
	Load(ctx context.Context, id string) (*models.Document, error)
	Delete(ctx context.Context, id string) error
	DeleteAll(ctx context.Context) (int64, error)
}

type Options struct {
	Store       Store
	PassTimeout time.Duration
	Metrics     *telemetry.Metrics
}

type Index struct {
	mu          sync.RWMutex
	docs        map[string]*entry
	embedder    Embedder
	store       Store
	passes      singleflight.Group
	passTimeout time.Duration
	metrics     *telemetry.Metrics
}

type entry struct {
	mu  sync.Mutex
	doc *models.Document
	// removed is set once the entry leaves the map; in-flight passes must not write it back
	removed bool
	// holds counts EnsureEmbedded callers whose pass has not finished; held entries are not evicted
	holds int
}

// ChunkVector pairs an embedded chunk with its vector
type ChunkVector struct {
	Chunk  models.Chunk
	Vector []float32
}

// VectorSet is the searchable part of a document plus what was left out
type VectorSet struct {
	DocumentID string
	Dimensions int
	Entries    []ChunkVector
	Failed     []models.ChunkFailure
	Pending    int
}

func New(embedder Embedder, opts Options) *Index {
	if opts.PassTimeout <= 0 {
		opts.PassTimeout = 5 * time.Minute
	}
	return &Index{
		docs:        make(map[string]*entry),
		embedder:    embedder,
		store:       opts.Store,
		passTimeout: opts.PassTimeout,
		metrics:     opts.Metrics,
	}
}

// Ingest registers a document's chunk set. Chunks start pending and the
// document waits in embedding_in_progress until a pass completes. Ingesting an
// existing id replaces it with a new version.
func (ix *Index) Ingest(ctx context.Context, doc *models.Document) error {
	if doc == nil || doc.ID == "" {
		return fmt.Errorf("%w: document id is required", models.ErrInvalidInput)
	}

	d := doc.Clone()
	for i := range d.Chunks {
		if d.Chunks[i].Index != i {
			return fmt.Errorf("%w: chunk at position %d has index %d", models.ErrInvalidInput, i, d.Chunks[i].Index)
		}
		d.Chunks[i].Status = models.ChunkPending
		d.Chunks[i].Vector = nil
		d.Chunks[i].FailureReason = ""
		d.Chunks[i].Retryable = false
	}
	d.Dimensions = 0
	d.State = models.DocumentEmbeddingInProgress
	if len(d.Chunks) == 0 {
		d.State = models.DocumentEmbedded
	}
	d.UpdatedAt = time.Now().UTC()

	ix.mu.Lock()
	e, exists := ix.docs[d.ID]
	if !exists {
		e = &entry{}
		ix.docs[d.ID] = e
	}
	e.mu.Lock()
	ix.mu.Unlock()
	defer e.mu.Unlock()

	d.Version = 1
	if e.doc != nil {
		d.Version = e.doc.Version + 1
		d.CreatedAt = e.doc.CreatedAt
	}
	e.doc = d
	ix.persistLocked(ctx, d)

	logger.Info("Document ingested", "document_id", d.ID, "chunks", len(d.Chunks), "version", d.Version, "state", string(d.State))
	return nil
}

// EnsureEmbedded embeds every chunk not yet ok. At most one pass runs per
// document; concurrent callers share its outcome. The pass is detached from
// ctx, so a caller that stops waiting does not stop the pass.
func (ix *Index) EnsureEmbedded(ctx context.Context, id string) (*models.EmbeddingOutcome, error) {
	e, err := ix.hold(ctx, id)
	if err != nil {
		return nil, err
	}

	ch := ix.passes.DoChan(id, func() (interface{}, error) {
		passCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ix.passTimeout)
		defer cancel()
		return ix.embedPass(passCtx, id)
	})

	select {
	case res := <-ch:
		e.release()
		if res.Err != nil {
			return nil, res.Err
		}
		outcome := *res.Val.(*models.EmbeddingOutcome)
		return &outcome, nil
	case <-ctx.Done():
		logger.Info("Caller stopped waiting for embedding pass", "document_id", id)
		go func() {
			<-ch
			e.release()
		}()
		return nil, ctx.Err()
	}
}

// hold looks the document up and pins its entry against eviction
func (ix *Index) hold(ctx context.Context, id string) (*entry, error) {
	for {
		e, err := ix.lookup(ctx, id)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		if !e.removed {
			e.holds++
			e.mu.Unlock()
			return e, nil
		}
		e.mu.Unlock()
	}
}

func (e *entry) release() {
	e.mu.Lock()
	e.holds--
	e.mu.Unlock()
}

func (ix *Index) embedPass(ctx context.Context, id string) (*models.EmbeddingOutcome, error) {
	ctx, span := otel.Tracer("document-index").Start(ctx, "index.embed_pass")
	defer span.End()
	span.SetAttributes(attribute.String("document.id", id))

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		outcome, replaced, err := ix.runPass(ctx, id)
		if !replaced {
			return outcome, err
		}
		logger.Info("Document replaced during embedding pass, restarting", "document_id", id)
	}
}

// runPass reports replaced=true when the document changed version while the
// provider was working, in which case nothing was applied.
func (ix *Index) runPass(ctx context.Context, id string) (*models.EmbeddingOutcome, bool, error) {
	e, err := ix.lookup(ctx, id)
	if err != nil {
		return nil, false, err
	}

	e.mu.Lock()
	version := e.doc.Version
	var positions []int
	var texts []string
	for i, c := range e.doc.Chunks {
		if c.Status != models.ChunkOK {
			positions = append(positions, i)
			texts = append(texts, c.Text)
		}
	}
	if len(positions) == 0 {
		if e.doc.State != models.DocumentEmbedded {
			e.doc.State = models.DocumentEmbedded
			e.doc.UpdatedAt = time.Now().UTC()
			ix.persistLocked(ctx, e.doc)
		}
		outcome := buildOutcome(e.doc, nil)
		e.mu.Unlock()
		return outcome, false, nil
	}
	e.doc.State = models.DocumentEmbeddingInProgress
	e.mu.Unlock()

	logger.Debug("Embedding pass started", "document_id", id, "chunks", len(positions))
	batch, embedErr := ix.embedder.Embed(ctx, texts)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, false, fmt.Errorf("%w: %s was removed during embedding", models.ErrNotFound, id)
	}
	doc := e.doc
	if doc.Version != version {
		return nil, true, nil
	}

	if embedErr != nil {
		doc.State = models.DocumentEmbeddingFailed
		doc.UpdatedAt = time.Now().UTC()
		ix.persistLocked(ctx, doc)
		if errors.Is(embedErr, models.ErrEmbeddingUnavailable) {
			outcome := buildOutcome(doc, embedErr)
			outcome.Kind = models.OutcomeUnavailable
			outcome.Cause = embedErr
			logger.Warn("Embedding unavailable", "document_id", id, "error", embedErr)
			return outcome, false, nil
		}
		return nil, false, fmt.Errorf("index: embed %s: %w", id, embedErr)
	}

	// a dimension mismatch is a configuration fault: nothing of the pass is applied
	dims := doc.Dimensions
	for j, r := range batch.Results {
		var mismatch error
		switch {
		case errors.Is(r.Err, models.ErrDimensionMismatch):
			mismatch = fmt.Errorf("index: chunk %d of %s: %w", positions[j], id, r.Err)
		case r.Err != nil:
			continue
		case dims == 0:
			dims = len(r.Vector)
			continue
		case len(r.Vector) != dims:
			mismatch = fmt.Errorf("%w: chunk %d of %s has %d dimensions, document has %d",
				models.ErrDimensionMismatch, positions[j], id, len(r.Vector), dims)
		}
		if mismatch != nil {
			doc.State = models.DocumentEmbeddingFailed
			doc.UpdatedAt = time.Now().UTC()
			ix.persistLocked(ctx, doc)
			logger.Error("Embedding dimension mismatch", "document_id", id, "error", mismatch)
			return nil, false, mismatch
		}
	}

	// applied in submission order so failures map to the right chunk index
	for j, pos := range positions {
		r := batch.Results[j]
		chunk := &doc.Chunks[pos]
		if r.Err != nil {
			chunk.Status = models.ChunkFailed
			chunk.Vector = nil
			chunk.FailureReason = r.Err.Error()
			chunk.Retryable = ai.IsTransient(r.Err)
			continue
		}
		chunk.Status = models.ChunkOK
		chunk.Vector = r.Vector
		chunk.FailureReason = ""
		chunk.Retryable = false
	}
	doc.Dimensions = dims
	doc.State = models.DocumentEmbedded
	if batch.Failed > 0 {
		doc.State = models.DocumentEmbeddingFailed
	}
	doc.UpdatedAt = time.Now().UTC()
	ix.persistLocked(ctx, doc)
	ix.metrics.RecordChunkOutcomes(ctx, batch.Succeeded, batch.Failed)

	outcome := buildOutcome(doc, batch.FirstErr)
	logger.Info("Embedding pass finished",
		"document_id", id,
		"embedded", batch.Succeeded,
		"failed", batch.Failed,
		"state", string(doc.State))
	return outcome, false, nil
}

func buildOutcome(doc *models.Document, cause error) *models.EmbeddingOutcome {
	outcome := &models.EmbeddingOutcome{
		Kind:       models.OutcomeSuccess,
		DocumentID: doc.ID,
		Total:      len(doc.Chunks),
		Failures:   []models.ChunkFailure{},
		State:      doc.State,
	}
	for _, c := range doc.Chunks {
		switch c.Status {
		case models.ChunkOK:
			outcome.Successful++
		case models.ChunkFailed:
			outcome.Failures = append(outcome.Failures, models.ChunkFailure{
				ChunkIndex: c.Index,
				Reason:     c.FailureReason,
				Transient:  c.Retryable,
			})
		}
	}
	if len(outcome.Failures) > 0 {
		outcome.Kind = models.OutcomePartialFailure
		outcome.Cause = cause
		if outcome.Cause == nil {
			outcome.Cause = errors.New(outcome.Failures[0].Reason)
		}
	}
	return outcome
}

// GetVectors returns the ok chunks in index order and reports failed chunks separately
func (ix *Index) GetVectors(ctx context.Context, id string) (*VectorSet, error) {
	e, err := ix.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	set := &VectorSet{
		DocumentID: id,
		Dimensions: e.doc.Dimensions,
		Entries:    make([]ChunkVector, 0, len(e.doc.Chunks)),
	}
	for _, c := range e.doc.Chunks {
		switch c.Status {
		case models.ChunkOK:
			chunk := c.Clone()
			chunk.Vector = nil
			set.Entries = append(set.Entries, ChunkVector{Chunk: chunk, Vector: c.Vector})
		case models.ChunkFailed:
			set.Failed = append(set.Failed, models.ChunkFailure{
				ChunkIndex: c.Index,
				Reason:     c.FailureReason,
				Transient:  c.Retryable,
			})
		default:
			set.Pending++
		}
	}
	return set, nil
}

// Get returns a copy of the document
func (ix *Index) Get(ctx context.Context, id string) (*models.Document, error) {
	e, err := ix.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.Clone(), nil
}

// List summarises the documents held in memory, most recently updated first
func (ix *Index) List(ctx context.Context) []models.DocumentSummary {
	ix.mu.RLock()
	entries := make([]*entry, 0, len(ix.docs))
	for _, e := range ix.docs {
		entries = append(entries, e)
	}
	ix.mu.RUnlock()

	out := make([]models.DocumentSummary, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.doc != nil {
			out = append(out, e.doc.Summary())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Remove deletes a document from memory and from the store
func (ix *Index) Remove(ctx context.Context, id string) error {
	ix.mu.Lock()
	e, inMemory := ix.docs[id]
	delete(ix.docs, id)
	ix.mu.Unlock()
	if inMemory {
		e.mu.Lock()
		e.removed = true
		e.mu.Unlock()
	}

	if ix.store != nil {
		if err := ix.store.Delete(ctx, id); err != nil {
			if errors.Is(err, models.ErrNotFound) && inMemory {
				return nil
			}
			return fmt.Errorf("index: remove %s: %w", id, err)
		}
	} else if !inMemory {
		return fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	logger.Info("Document removed", "document_id", id)
	return nil
}

// Evict drops documents not updated since before cutoff from memory. Persisted copies stay in the store.
func (ix *Index) Evict(cutoff time.Time) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	evicted := 0
	for id, e := range ix.docs {
		e.mu.Lock()
		stale := e.doc != nil && e.holds == 0 &&
			e.doc.UpdatedAt.Before(cutoff) && e.doc.State != models.DocumentEmbeddingInProgress
		if stale {
			e.removed = true
		}
		e.mu.Unlock()
		if stale {
			delete(ix.docs, id)
			evicted++
		}
	}
	return evicted
}

// Clear drops every document, in memory and in the store, and returns how many were held in memory
func (ix *Index) Clear(ctx context.Context) (int, error) {
	ix.mu.Lock()
	docs := ix.docs
	ix.docs = make(map[string]*entry)
	ix.mu.Unlock()

	for _, e := range docs {
		e.mu.Lock()
		e.removed = true
		e.mu.Unlock()
	}

	if ix.store != nil {
		deleted, err := ix.store.DeleteAll(ctx)
		if err != nil {
			return len(docs), fmt.Errorf("index: clear store: %w", err)
		}
		logger.Info("Persisted documents cleared", "deleted", deleted)
	}
	logger.Info("Index cleared", "documents", len(docs))
	return len(docs), nil
}

func (ix *Index) lookup(ctx context.Context, id string) (*entry, error) {
	ix.mu.RLock()
	e, ok := ix.docs[id]
	ix.mu.RUnlock()
	if ok {
		return e, nil
	}
	if ix.store == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}

	doc, err := ix.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrNotFound, id)
		}
		return nil, fmt.Errorf("index: load %s: %w", id, err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if e, ok := ix.docs[id]; ok {
		return e, nil
	}
	e = &entry{doc: doc}
	ix.docs[id] = e
	logger.Debug("Document hydrated from store", "document_id", id)
	return e, nil
}

// persistLocked must be called with the entry lock held so snapshots reach the store in order
func (ix *Index) persistLocked(ctx context.Context, doc *models.Document) {
	if ix.store == nil {
		return
	}
	if err := ix.store.Save(ctx, doc.Clone()); err != nil {
		logger.Warn("Failed to persist document", "document_id", doc.ID, "error", err)
	}
}
