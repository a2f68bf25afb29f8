package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"docqa-platform/internal/logger"
	"docqa-platform/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	systemPrompt = "You are a helpful assistant. Answer questions based on the provided context. " +
		"If the context is empty or not relevant, answer to the best of your ability."
	contextSeparator = "\n---\n"
)

// AnswerGenerator produces an answer from a system instruction and a user prompt
type AnswerGenerator interface {
	GenerateAnswer(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// ChatService answers questions over the context picked by the assembler
type ChatService struct {
	assembler *ContextAssembler
	sessions  *SessionStore
	generator AnswerGenerator
}

// NewChatService wires the chat flow. generator may be nil, in which case Ask
// reports ErrGenerationUnavailable.
func NewChatService(assembler *ContextAssembler, sessions *SessionStore, generator AnswerGenerator) *ChatService {
	return &ChatService{assembler: assembler, sessions: sessions, generator: generator}
}

// Ask grounds the question on, in order of preference, the client's
// context_chunks, the session's selection, the session's last results, or the
// document text. An empty context still produces an answer.
func (s *ChatService) Ask(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, fmt.Errorf("%w: question is required", models.ErrInvalidInput)
	}
	if s.generator == nil {
		return nil, models.ErrGenerationUnavailable
	}

	ctx, span := otel.Tracer("chat-service").Start(ctx, "chat.ask")
	defer span.End()

	in := s.assembleInput(req)
	assembled, err := s.assembler.Assemble(ctx, in)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("chat.context_source", string(assembled.Source)),
		attribute.Int("chat.context_chunks", len(assembled.Chunks)),
		attribute.Bool("chat.context_truncated", assembled.Truncated),
	)

	answer, err := s.generator.GenerateAnswer(ctx, systemPrompt, BuildUserPrompt(question, assembled.Chunks))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		logger.Error("Answer generation failed", "document_id", in.DocumentID, "error", err)
		if errors.Is(err, models.ErrGenerationUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", models.ErrGenerationUnavailable, err)
	}

	logger.Info("Question answered",
		"document_id", in.DocumentID,
		"context_source", string(assembled.Source),
		"context_chunks", len(assembled.Chunks))
	return &models.ChatResponse{
		Answer:           answer,
		DocumentID:       in.DocumentID,
		ContextSource:    string(assembled.Source),
		ContextTruncated: assembled.Truncated,
	}, nil
}

func (s *ChatService) assembleInput(req models.ChatRequest) AssembleInput {
	in := AssembleInput{DocumentID: req.DocumentID}

	var explicit []models.SearchResult
	for _, text := range req.ContextChunks {
		if strings.TrimSpace(text) == "" {
			continue
		}
		explicit = append(explicit, models.SearchResult{ChunkText: text, Rank: len(explicit) + 1})
	}
	if len(explicit) > 0 {
		in.Selection = explicit
		return in
	}

	if req.SessionID == "" || s.sessions == nil {
		return in
	}
	sess, ok := s.sessions.Get(req.SessionID)
	if !ok {
		if req.DocumentID != "" {
			s.sessions.SetActiveDocument(req.SessionID, req.DocumentID)
		}
		return in
	}
	if req.DocumentID != "" && req.DocumentID != sess.DocumentID {
		s.sessions.SetActiveDocument(req.SessionID, req.DocumentID)
		return in
	}

	in.DocumentID = sess.DocumentID
	in.Selection = sess.Selection.Results
	in.Results = sess.LastResults
	return in
}

// BuildUserPrompt frames the context chunks and the question. The context
// block is left out entirely when there are no chunks.
func BuildUserPrompt(question string, chunks []string) string {
	if len(chunks) == 0 {
		return "Question: " + question
	}
	var b strings.Builder
	b.WriteString("Context:")
	b.WriteString(contextSeparator)
	b.WriteString(strings.Join(chunks, contextSeparator))
	b.WriteString(contextSeparator)
	b.WriteString("Question: ")
	b.WriteString(question)
	return b.String()
}
