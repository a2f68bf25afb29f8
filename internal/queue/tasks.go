package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"docqa-platform/internal/config"
	"docqa-platform/internal/logger"
	"docqa-platform/models"

	"github.com/hibiken/asynq"
)

const (
	TaskEmbedDocument = "document:embed"

	QueueCritical = "critical"
	QueueDefault  = "default"
)

type EmbedDocumentPayload struct {
	DocumentID string `json:"document_id"`
}

// Embedder runs an embedding pass for a document
type Embedder interface {
	EnsureEmbedded(ctx context.Context, id string) (*models.EmbeddingOutcome, error)
}

// Task creators
func NewEmbedDocumentTask(documentID string) (*asynq.Task, error) {
	payload, err := json.Marshal(EmbedDocumentPayload{DocumentID: documentID})
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(
		TaskEmbedDocument,
		payload,
		asynq.MaxRetry(5),
		asynq.Timeout(10*time.Minute),
		asynq.Queue(QueueCritical),
	), nil
}

// Task handlers
type TaskProcessor struct {
	embedder Embedder
}

func NewTaskProcessor(embedder Embedder) *TaskProcessor {
	return &TaskProcessor{embedder: embedder}
}

// ProcessEmbedDocument runs a pass and asks asynq for a retry only while
// transient chunk failures remain
func (p *TaskProcessor) ProcessEmbedDocument(ctx context.Context, t *asynq.Task) error {
	var payload EmbedDocumentPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal failed: %w", asynq.SkipRetry)
	}
	if payload.DocumentID == "" {
		return fmt.Errorf("missing document_id: %w", asynq.SkipRetry)
	}

	outcome, err := p.embedder.EnsureEmbedded(ctx, payload.DocumentID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrDimensionMismatch) {
			return fmt.Errorf("embed %s: %v: %w", payload.DocumentID, err, asynq.SkipRetry)
		}
		return fmt.Errorf("embed %s: %w", payload.DocumentID, err)
	}

	switch outcome.Kind {
	case models.OutcomeUnavailable:
		return fmt.Errorf("embed %s: embedding unavailable: %w", payload.DocumentID, asynq.SkipRetry)
	case models.OutcomePartialFailure:
		if outcome.Retryable() {
			return fmt.Errorf("embed %s: %d of %d chunks embedded, retrying transient failures",
				payload.DocumentID, outcome.Successful, outcome.Total)
		}
		logger.Warn("Embedding finished with permanent failures",
			"document_id", payload.DocumentID,
			"failed", len(outcome.Failures))
		return nil
	}

	logger.Info("Async embedding finished", "document_id", payload.DocumentID, "chunks", outcome.Total)
	return nil
}

// RedisConnOpt builds asynq's connection options from the Redis settings
func RedisConnOpt(cfg *config.Config) (asynq.RedisConnOpt, error) {
	opt, err := config.RedisOptions(cfg)
	if err != nil {
		return nil, err
	}
	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Username:  opt.Username,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: opt.TLSConfig,
	}, nil
}

// NewServer creates the embedding worker server and its handler mux
func NewServer(redisOpt asynq.RedisConnOpt, concurrency int, processor *TaskProcessor) (*asynq.Server, *asynq.ServeMux) {
	if concurrency <= 0 {
		concurrency = 4
	}
	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				QueueCritical: 6,
				QueueDefault:  3,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Warn("Task failed", "type", task.Type(), "error", err)
			}),
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskEmbedDocument, processor.ProcessEmbedDocument)
	return server, mux
}
