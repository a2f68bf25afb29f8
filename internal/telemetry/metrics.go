package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "docqa-platform"

// Metrics holds all application metrics. A nil *Metrics records nothing.
type Metrics struct {
	RequestCounter      metric.Int64Counter
	RequestDuration     metric.Float64Histogram
	EmbeddingCalls      metric.Int64Counter
	EmbeddingRetries    metric.Int64Counter
	ChunkOutcomes       metric.Int64Counter
	SearchDuration      metric.Float64Histogram
	CircuitBreakerState metric.Int64Counter
	DocumentsIngested   metric.Int64Counter
}

// InitMetrics initializes all application metrics
func InitMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)

	requestCounter, err := meter.Int64Counter(
		"http.requests.total",
		metric.WithDescription("Total HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	requestDuration, err := meter.Float64Histogram(
		"http.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	embeddingCalls, err := meter.Int64Counter(
		"embedding.provider.calls",
		metric.WithDescription("Embedding provider calls by result"),
	)
	if err != nil {
		return nil, err
	}

	embeddingRetries, err := meter.Int64Counter(
		"embedding.provider.retries",
		metric.WithDescription("Embedding provider calls retried after a transient failure"),
	)
	if err != nil {
		return nil, err
	}

	chunkOutcomes, err := meter.Int64Counter(
		"embedding.chunks",
		metric.WithDescription("Chunks embedded by status"),
	)
	if err != nil {
		return nil, err
	}

	searchDuration, err := meter.Float64Histogram(
		"search.duration",
		metric.WithDescription("Similarity search duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	circuitBreakerState, err := meter.Int64Counter(
		"circuit_breaker.state_changes",
		metric.WithDescription("Circuit breaker state changes"),
	)
	if err != nil {
		return nil, err
	}

	documentsIngested, err := meter.Int64Counter(
		"documents.ingested",
		metric.WithDescription("Documents converted and chunked"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		RequestCounter:      requestCounter,
		RequestDuration:     requestDuration,
		EmbeddingCalls:      embeddingCalls,
		EmbeddingRetries:    embeddingRetries,
		ChunkOutcomes:       chunkOutcomes,
		SearchDuration:      searchDuration,
		CircuitBreakerState: circuitBreakerState,
		DocumentsIngested:   documentsIngested,
	}, nil
}

// RecordRequest records HTTP request metrics
func (m *Metrics) RecordRequest(method, path, status string, duration float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.path", path),
		attribute.String("http.status", status),
	)

	m.RequestCounter.Add(context.Background(), 1, attrs)
	m.RequestDuration.Record(context.Background(), duration, attrs)
}

// RecordEmbeddingCall records one provider call and whether it succeeded
func (m *Metrics) RecordEmbeddingCall(ctx context.Context, provider string, batchSize int, result string) {
	if m == nil {
		return
	}
	m.EmbeddingCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("embedding.provider", provider),
		attribute.Int("embedding.batch_size", batchSize),
		attribute.String("embedding.result", result),
	))
}

// RecordEmbeddingRetry records a retry after a transient failure
func (m *Metrics) RecordEmbeddingRetry(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.EmbeddingRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("embedding.provider", provider)))
}

// RecordChunkOutcomes records per-chunk embedding results of one pass
func (m *Metrics) RecordChunkOutcomes(ctx context.Context, ok, failed int) {
	if m == nil {
		return
	}
	if ok > 0 {
		m.ChunkOutcomes.Add(ctx, int64(ok), metric.WithAttributes(attribute.String("chunk.status", "ok")))
	}
	if failed > 0 {
		m.ChunkOutcomes.Add(ctx, int64(failed), metric.WithAttributes(attribute.String("chunk.status", "failed")))
	}
}

// RecordSearch records similarity search latency
func (m *Metrics) RecordSearch(ctx context.Context, duration float64, results int) {
	if m == nil {
		return
	}
	m.SearchDuration.Record(ctx, duration, metric.WithAttributes(attribute.Bool("search.empty", results == 0)))
}

// RecordCircuitBreakerState records circuit breaker state changes
func (m *Metrics) RecordCircuitBreakerState(service, state string) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("state", state),
	))
}

// RecordDocumentIngested records a converted upload
func (m *Metrics) RecordDocumentIngested(ctx context.Context, format string, chunks int) {
	if m == nil {
		return
	}
	m.DocumentsIngested.Add(ctx, 1, metric.WithAttributes(
		attribute.String("document.format", format),
		attribute.Bool("document.empty", chunks == 0),
	))
}
