package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"

	"docqa-platform/models"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Provider turns a batch of texts into one vector per text, in input order.
// A call that embedded some items but not others returns the vectors it has
// together with an ItemErrors error.
type Provider interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
}

// ItemErrors maps positions within a submitted batch to their failure
type ItemErrors map[int]error

func (e ItemErrors) Error() string {
	positions := make([]int, 0, len(e))
	for pos := range e {
		positions = append(positions, pos)
	}
	sort.Ints(positions)
	parts := make([]string, 0, len(positions))
	for _, pos := range positions {
		parts = append(parts, fmt.Sprintf("item %d: %v", pos, e[pos]))
	}
	return fmt.Sprintf("%d batch items failed: %s", len(e), strings.Join(parts, "; "))
}

// GeminiEmbedder embeds text with Google's embedding models
type GeminiEmbedder struct {
	client *genai.Client
	model  string
}

// NewGeminiEmbedder creates a provider for the given embedding model (e.g. text-embedding-004)
func NewGeminiEmbedder(ctx context.Context, apiKey, model string) (*GeminiEmbedder, error) {
	if apiKey == "" {
		return nil, models.ErrEmbeddingUnavailable
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiEmbedder{client: client, model: model}, nil
}

func (g *GeminiEmbedder) Name() string {
	return "gemini:" + g.model
}

func (g *GeminiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	em := g.client.EmbeddingModel(g.model)
	batch := em.NewBatch()
	for _, text := range texts {
		batch.AddContent(genai.Text(normalizeForEmbedding(text)))
	}

	resp, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, classifyProviderError(err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: provider returned %d embeddings for %d inputs",
			models.ErrEmbeddingTransient, len(resp.Embeddings), len(texts))
	}

	vectors := make([][]float32, len(texts))
	itemErrs := ItemErrors{}
	for i, emb := range resp.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			itemErrs[i] = fmt.Errorf("%w: empty embedding returned", models.ErrEmbeddingPermanent)
			continue
		}
		vectors[i] = emb.Values
	}
	if len(itemErrs) > 0 {
		return vectors, itemErrs
	}
	return vectors, nil
}

// Close releases the underlying client
func (g *GeminiEmbedder) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// newlines degrade embedding quality for some models
func normalizeForEmbedding(text string) string {
	return strings.ReplaceAll(strings.ReplaceAll(text, "\r\n", " "), "\n", " ")
}

// classifyProviderError wraps err with ErrEmbeddingTransient or ErrEmbeddingPermanent
func classifyProviderError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", models.ErrEmbeddingTransient, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if transientHTTPStatus(apiErr.Code) {
			return fmt.Errorf("%w: %w", models.ErrEmbeddingTransient, err)
		}
		return fmt.Errorf("%w: %w", models.ErrEmbeddingPermanent, err)
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.ResourceExhausted, codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
			return fmt.Errorf("%w: %w", models.ErrEmbeddingTransient, err)
		case codes.OK:
		default:
			return fmt.Errorf("%w: %w", models.ErrEmbeddingPermanent, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", models.ErrEmbeddingTransient, err)
	}

	return fmt.Errorf("%w: %w", models.ErrEmbeddingPermanent, err)
}

func transientHTTPStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusRequestTimeout,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
