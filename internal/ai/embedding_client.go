package ai

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"docqa-platform/internal/logger"
	"docqa-platform/internal/telemetry"
	"docqa-platform/models"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// EmbeddingOptions configures batching, retry and pacing of provider calls
type EmbeddingOptions struct {
	BatchSize         int
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	RequestsPerMinute int // 0 disables pacing
	Dimensions        int // 0 accepts whatever the provider returns
	BreakerTimeout    time.Duration
}

// DefaultEmbeddingOptions returns production defaults
func DefaultEmbeddingOptions() EmbeddingOptions {
	return EmbeddingOptions{
		BatchSize:         32,
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		RequestsPerMinute: 1500,
		BreakerTimeout:    60 * time.Second,
	}
}

// EmbedResult is the vector or failure for one input
type EmbedResult struct {
	Vector []float32
	Err    error
}

// BatchOutcome holds one result per input, in input order
type BatchOutcome struct {
	Results   []EmbedResult
	Succeeded int
	Failed    int
	FirstErr  error
}

// EmbeddingClient batches texts to a Provider with bounded retry and per-item fallback
type EmbeddingClient struct {
	provider Provider
	opts     EmbeddingOptions
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
}

// NewEmbeddingClient wraps provider. A nil provider yields a client that reports ErrEmbeddingUnavailable.
func NewEmbeddingClient(provider Provider, opts EmbeddingOptions, metrics *telemetry.Metrics) *EmbeddingClient {
	defaults := DefaultEmbeddingOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaults.BatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaults.MaxAttempts
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaults.MaxBackoff
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = defaults.BreakerTimeout
	}

	c := &EmbeddingClient{
		provider: provider,
		opts:     opts,
		metrics:  metrics,
		tracer:   otel.Tracer("embedding-client"),
	}

	name := "embedding"
	if provider != nil {
		name = "embedding:" + provider.Name()
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		// bad input says nothing about provider health
		IsSuccessful: func(err error) bool {
			var itemErrs ItemErrors
			return err == nil || errors.Is(err, models.ErrEmbeddingPermanent) || errors.As(err, &itemErrs)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			metrics.RecordCircuitBreakerState(name, to.String())
		},
	})

	if opts.RequestsPerMinute > 0 {
		burst := opts.RequestsPerMinute / 10
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMinute)*0.9/60.0), burst)
	}

	return c
}

// Enabled reports whether a provider is configured
func (c *EmbeddingClient) Enabled() bool {
	return c != nil && c.provider != nil
}

// Model identifies the provider and model, used to key cached vectors
func (c *EmbeddingClient) Model() string {
	if !c.Enabled() {
		return ""
	}
	return c.provider.Name()
}

// Embed returns exactly one result per text, in order. The error return is
// reserved for ErrEmbeddingUnavailable; individual failures live in the outcome.
func (c *EmbeddingClient) Embed(ctx context.Context, texts []string) (*BatchOutcome, error) {
	if !c.Enabled() {
		return nil, models.ErrEmbeddingUnavailable
	}

	ctx, span := c.tracer.Start(ctx, "embedding.embed")
	defer span.End()
	span.SetAttributes(
		attribute.Int("embedding.inputs", len(texts)),
		attribute.Int("embedding.batch_size", c.opts.BatchSize),
		attribute.String("embedding.provider", c.provider.Name()),
	)

	results := make([]EmbedResult, len(texts))
	pending := make([]int, 0, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			results[i].Err = fmt.Errorf("%w: empty input", models.ErrEmbeddingPermanent)
			continue
		}
		pending = append(pending, i)
	}

	for start := 0; start < len(pending); start += c.opts.BatchSize {
		end := start + c.opts.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		c.embedBatch(ctx, texts, pending[start:end], results)
	}

	outcome := &BatchOutcome{Results: results}
	for _, r := range results {
		if r.Err != nil {
			outcome.Failed++
			if outcome.FirstErr == nil {
				outcome.FirstErr = r.Err
			}
			continue
		}
		outcome.Succeeded++
	}

	span.SetAttributes(
		attribute.Int("embedding.succeeded", outcome.Succeeded),
		attribute.Int("embedding.failed", outcome.Failed),
	)
	if outcome.FirstErr != nil {
		span.SetStatus(codes.Error, outcome.FirstErr.Error())
	}
	return outcome, nil
}

// EmbedQuery embeds a single text
func (c *EmbeddingClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	outcome, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	r := outcome.Results[0]
	if r.Err != nil {
		return nil, r.Err
	}
	return r.Vector, nil
}

// embedBatch fills results for the texts at positions idx
func (c *EmbeddingClient) embedBatch(ctx context.Context, texts []string, idx []int, results []EmbedResult) {
	batch := make([]string, len(idx))
	for j, i := range idx {
		batch[j] = texts[i]
	}

	vectors, err := c.callWithRetry(ctx, batch)
	var itemErrs ItemErrors
	switch {
	case err == nil:
		for j, i := range idx {
			results[i] = c.accept(vectors[j])
		}

	case errors.As(err, &itemErrs):
		retry := make([]int, 0, len(itemErrs))
		for j, i := range idx {
			if _, failed := itemErrs[j]; failed || j >= len(vectors) || vectors[j] == nil {
				retry = append(retry, i)
				continue
			}
			results[i] = c.accept(vectors[j])
		}
		logger.Debug("Embedding batch partially failed, retrying items individually",
			"batch_size", len(idx), "failed", len(retry))
		c.embedIndividually(ctx, texts, retry, results)

	case len(idx) == 1:
		results[idx[0]].Err = err

	case ctx.Err() != nil || errors.Is(err, gobreaker.ErrOpenState):
		// individual calls would fail the same way
		for _, i := range idx {
			results[i].Err = err
		}

	default:
		logger.Warn("Embedding batch failed, falling back to per-item requests",
			"batch_size", len(idx), "error", err)
		c.embedIndividually(ctx, texts, idx, results)
	}
}

func (c *EmbeddingClient) embedIndividually(ctx context.Context, texts []string, idx []int, results []EmbedResult) {
	for _, i := range idx {
		vectors, err := c.callWithRetry(ctx, []string{texts[i]})
		if err != nil {
			var itemErrs ItemErrors
			if errors.As(err, &itemErrs) && itemErrs[0] != nil {
				err = itemErrs[0]
			}
			results[i].Err = err
			continue
		}
		results[i] = c.accept(vectors[0])
	}
}

func (c *EmbeddingClient) accept(vector []float32) EmbedResult {
	if len(vector) == 0 {
		return EmbedResult{Err: fmt.Errorf("%w: empty embedding returned", models.ErrEmbeddingPermanent)}
	}
	if c.opts.Dimensions > 0 && len(vector) != c.opts.Dimensions {
		return EmbedResult{Err: fmt.Errorf("%w: provider returned %d dimensions, configured %d",
			models.ErrDimensionMismatch, len(vector), c.opts.Dimensions)}
	}
	return EmbedResult{Vector: vector}
}

// callWithRetry retries transient failures with capped exponential backoff
func (c *EmbeddingClient) callWithRetry(ctx context.Context, batch []string) ([][]float32, error) {
	wait := c.opts.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		vectors, err := c.call(ctx, batch)
		if err == nil {
			return vectors, nil
		}
		var itemErrs ItemErrors
		if errors.As(err, &itemErrs) {
			return vectors, err
		}
		lastErr = err
		if !IsTransient(err) || attempt == c.opts.MaxAttempts {
			break
		}

		c.metrics.RecordEmbeddingRetry(ctx, c.provider.Name())
		logger.Debug("Transient embedding failure, backing off",
			"attempt", attempt, "wait", wait.String(), "error", err)
		if sleepErr := sleepWithJitter(ctx, wait); sleepErr != nil {
			return nil, lastErr
		}
		wait *= 2
		if wait > c.opts.MaxBackoff {
			wait = c.opts.MaxBackoff
		}
	}
	return nil, lastErr
}

func (c *EmbeddingClient) call(ctx context.Context, batch []string) ([][]float32, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limiter: %w", models.ErrEmbeddingTransient, err)
		}
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		vectors, err := c.provider.EmbedBatch(ctx, batch)
		if err != nil {
			return vectors, err
		}
		if len(vectors) != len(batch) {
			return nil, fmt.Errorf("%w: provider returned %d vectors for %d inputs",
				models.ErrEmbeddingTransient, len(vectors), len(batch))
		}
		return vectors, nil
	})

	result := "ok"
	if err != nil {
		result = "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %w", models.ErrEmbeddingTransient, err)
		}
	}
	c.metrics.RecordEmbeddingCall(ctx, c.provider.Name(), len(batch), result)

	vectors, _ := res.([][]float32)
	return vectors, err
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	return errors.Is(err, models.ErrEmbeddingTransient) || errors.Is(err, context.DeadlineExceeded)
}

func sleepWithJitter(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return ctx.Err()
	}
	d := time.Duration(float64(wait) * (0.5 + rand.Float64()))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
