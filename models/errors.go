package models

import "errors"

// Sentinel errors shared across the retrieval pipeline. Wrap with %w and match with errors.Is.
var (
	ErrNotFound              = errors.New("document not found")
	ErrInvalidInput          = errors.New("invalid input")
	ErrConversionFailed      = errors.New("document conversion failed")
	ErrEmbeddingTransient    = errors.New("transient embedding failure")
	ErrEmbeddingPermanent    = errors.New("permanent embedding failure")
	ErrEmbeddingUnavailable  = errors.New("embedding unavailable")
	ErrDimensionMismatch     = errors.New("embedding dimension mismatch")
	ErrGenerationUnavailable = errors.New("answer generation unavailable")
)
