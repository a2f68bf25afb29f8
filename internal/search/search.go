// Package search ranks a document's embedded chunks against a query by cosine similarity.
package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"docqa-platform/internal/index"
	"docqa-platform/internal/logger"
	"docqa-platform/internal/telemetry"
	"docqa-platform/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const DefaultTopK = 5

// VectorSource supplies the embedded chunks of a document
type VectorSource interface {
	GetVectors(ctx context.Context, id string) (*index.VectorSet, error)
}

// QueryEmbedder embeds the query text
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Response carries the ranked results and the chunks that could not take part
type Response struct {
	Results      []models.SearchResult
	FailedChunks []models.ChunkFailure
	// Pending counts chunks not yet embedded
	Pending int
}

// PartialCoverage reports whether some chunks were left out of the ranking
func (r *Response) PartialCoverage() bool {
	return len(r.FailedChunks) > 0 || r.Pending > 0
}

type Engine struct {
	vectors     VectorSource
	embedder    QueryEmbedder
	defaultTopK int
	metrics     *telemetry.Metrics
	tracer      trace.Tracer
}

func NewEngine(vectors VectorSource, embedder QueryEmbedder, defaultTopK int, metrics *telemetry.Metrics) *Engine {
	if defaultTopK <= 0 {
		defaultTopK = DefaultTopK
	}
	return &Engine{
		vectors:     vectors,
		embedder:    embedder,
		defaultTopK: defaultTopK,
		metrics:     metrics,
		tracer:      otel.Tracer("search-engine"),
	}
}

// Search returns at most topK chunks of the document ordered by descending
// score, ties broken by ascending chunk index. topK <= 0 uses the default.
func (e *Engine) Search(ctx context.Context, documentID, query string, topK int) (*Response, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is empty", models.ErrInvalidInput)
	}
	if topK <= 0 {
		topK = e.defaultTopK
	}

	ctx, span := e.tracer.Start(ctx, "search.query")
	defer span.End()
	span.SetAttributes(
		attribute.String("document.id", documentID),
		attribute.Int("search.top_k", topK),
	)
	start := time.Now()

	set, err := e.vectors.GetVectors(ctx, documentID)
	if err != nil {
		return nil, err
	}
	resp := &Response{
		Results:      []models.SearchResult{},
		FailedChunks: set.Failed,
		Pending:      set.Pending,
	}
	if len(set.Entries) == 0 {
		return resp, nil
	}

	queryVec, err := e.embedder.EmbedQuery(ctx, query)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		logger.Warn("Query embedding failed", "document_id", documentID, "error", err)
		if errors.Is(err, models.ErrEmbeddingUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", models.ErrEmbeddingUnavailable, err)
	}
	if set.Dimensions > 0 && len(queryVec) != set.Dimensions {
		return nil, fmt.Errorf("%w: query has %d dimensions, document %s has %d",
			models.ErrDimensionMismatch, len(queryVec), documentID, set.Dimensions)
	}

	scored := make([]models.SearchResult, 0, len(set.Entries))
	for _, entry := range set.Entries {
		if len(entry.Vector) != len(queryVec) {
			return nil, fmt.Errorf("%w: chunk %d has %d dimensions, query has %d",
				models.ErrDimensionMismatch, entry.Chunk.Index, len(entry.Vector), len(queryVec))
		}
		scored = append(scored, models.SearchResult{
			ChunkIndex: entry.Chunk.Index,
			ChunkText:  entry.Chunk.Text,
			Metadata:   entry.Chunk.Metadata,
			Score:      Cosine(queryVec, entry.Vector),
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ChunkIndex < scored[j].ChunkIndex
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}
	for i := range scored {
		scored[i].Rank = i + 1
	}
	resp.Results = scored

	span.SetAttributes(attribute.Int("search.results", len(scored)))
	e.metrics.RecordSearch(ctx, time.Since(start).Seconds(), len(scored))
	return resp, nil
}

// Cosine returns the cosine similarity of a and b, accumulated in float64 and
// clamped to [-1, 1]. A zero-magnitude or non-finite vector scores 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if math.IsNaN(sim) || math.IsInf(sim, 0) {
		return 0
	}
	return math.Max(-1, math.Min(1, sim))
}
