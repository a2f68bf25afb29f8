package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"docqa-platform/internal/logger"
	"docqa-platform/internal/telemetry"
	"docqa-platform/models"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	genai "github.com/google/generative-ai-go/genai"
)

const fallbackAnswer = "I'm experiencing high demand right now. Please try again in a moment."

// GeminiOptions configures answer generation
type GeminiOptions struct {
	Model             string
	Temperature       float32
	MaxOutputTokens   int32
	RequestsPerMinute int
}

// GeminiClient generates answers through Gemini behind a circuit breaker and a rate limiter
type GeminiClient struct {
	breaker     *gobreaker.CircuitBreaker
	rateLimiter *rate.Limiter
	client      *genai.Client
	opts        GeminiOptions
}

func NewGeminiClient(ctx context.Context, apiKey string, opts GeminiOptions, metrics *telemetry.Metrics) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, models.ErrGenerationUnavailable
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "GeminiAPI",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			metrics.RecordCircuitBreakerState(name, to.String())
		},
	})

	rpm := opts.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	burst := rpm / 10
	if burst < 1 {
		burst = 1
	}

	return &GeminiClient{
		breaker:     breaker,
		rateLimiter: rate.NewLimiter(rate.Limit(float64(rpm)*0.9/60.0), burst),
		client:      client,
		opts:        opts,
	}, nil
}

// GenerateAnswer sends the system instruction and user prompt and returns the reply text
func (gc *GeminiClient) GenerateAnswer(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	tracer := otel.Tracer("gemini-client")
	ctx, span := tracer.Start(ctx, "gemini.generate_content")
	defer span.End()

	span.SetAttributes(
		attribute.Int("gemini.estimated_tokens", estimateTokens(systemPrompt, userPrompt)),
		attribute.String("gemini.model", gc.opts.Model),
	)

	if err := gc.rateLimiter.Wait(ctx); err != nil {
		span.SetAttributes(attribute.Bool("gemini.rate_limited", true))
		return "", err
	}

	result, err := gc.breaker.Execute(func() (interface{}, error) {
		model := gc.client.GenerativeModel(gc.opts.Model)
		model.SetTemperature(gc.opts.Temperature)
		if gc.opts.MaxOutputTokens > 0 {
			model.SetMaxOutputTokens(gc.opts.MaxOutputTokens)
		}
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}

		resp, err := model.GenerateContent(ctx, genai.Text(userPrompt))
		if err != nil {
			span.SetAttributes(attribute.Bool("gemini.error", true))
			span.SetAttributes(attribute.String("gemini.error_message", err.Error()))
			return nil, err
		}
		if resp.UsageMetadata != nil {
			span.SetAttributes(attribute.Int("gemini.actual_tokens", int(resp.UsageMetadata.TotalTokenCount)))
		}
		return resp, nil
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			span.SetAttributes(attribute.Bool("gemini.circuit_breaker_open", true))
			logger.Warn("Gemini circuit open, returning fallback answer")
			return fallbackAnswer, nil
		}
		return "", fmt.Errorf("generate content: %w", err)
	}

	answer := responseText(result.(*genai.GenerateContentResponse))
	if answer == "" {
		return "", errors.New("generate content: empty response")
	}
	span.SetAttributes(attribute.Bool("gemini.success", true))
	return answer, nil
}

// Close the client
func (gc *GeminiClient) Close() error {
	if gc.client != nil {
		return gc.client.Close()
	}
	return nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	var b strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				b.WriteString(string(text))
			}
		}
		// first candidate only
		break
	}
	return strings.TrimSpace(b.String())
}

// rough estimate: 1 token ≈ 4 characters
func estimateTokens(parts ...string) int {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	return n / 4
}
