package services

import (
	"context"
	"fmt"

	"docqa-platform/internal/logger"
	"docqa-platform/internal/telemetry"
	"docqa-platform/models"

	"github.com/google/uuid"
)

// Ingester registers a chunked document for embedding
type Ingester interface {
	Ingest(ctx context.Context, doc *models.Document) error
}

// DocumentService turns an upload into an ingested document
type DocumentService struct {
	converter *Converter
	chunker   *Chunker
	ingester  Ingester
	metrics   *telemetry.Metrics
}

func NewDocumentService(converter *Converter, chunker *Chunker, ingester Ingester, metrics *telemetry.Metrics) *DocumentService {
	return &DocumentService{
		converter: converter,
		chunker:   chunker,
		ingester:  ingester,
		metrics:   metrics,
	}
}

// Upload converts, chunks and ingests a file under a fresh document id.
// Embedding is left to the caller.
func (s *DocumentService) Upload(ctx context.Context, filename, contentType string, content []byte) (*models.UploadResponse, error) {
	conv, err := s.converter.Convert(ctx, filename, contentType, content)
	if err != nil {
		return nil, err
	}

	chunks := s.chunker.ChunkSections(conv.Sections)
	doc := models.NewDocument(uuid.NewString(), filename, conv.Format, conv.Text, chunks)
	if err := s.ingester.Ingest(ctx, doc); err != nil {
		return nil, fmt.Errorf("ingest %s: %w", filename, err)
	}
	s.metrics.RecordDocumentIngested(ctx, conv.Format, len(chunks))

	state := models.DocumentEmbeddingInProgress
	if len(chunks) == 0 {
		state = models.DocumentEmbedded
	}
	logger.Info("Document uploaded",
		"document_id", doc.ID,
		"filename", filename,
		"format", conv.Format,
		"chunks", len(chunks),
		"fallback", conv.Fallback)

	return &models.UploadResponse{
		DocumentID:    doc.ID,
		Filename:      filename,
		ConvertedText: conv.Text,
		Format:        conv.Format,
		State:         state,
		ChunkCount:    len(chunks),
		Chunks:        chunks,
		Fallback:      conv.Fallback,
	}, nil
}
