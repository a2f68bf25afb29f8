package models

import (
	"time"
)

// DocumentState tracks where a document is in its embedding lifecycle
type DocumentState string

const (
	DocumentIngested            DocumentState = "ingested"
	DocumentEmbeddingInProgress DocumentState = "embedding_in_progress"
	DocumentEmbedded            DocumentState = "embedded"
	DocumentEmbeddingFailed     DocumentState = "embedding_failed"
)

// ChunkStatus is the per-chunk embedding status
type ChunkStatus string

const (
	ChunkPending ChunkStatus = "pending"
	ChunkOK      ChunkStatus = "ok"
	ChunkFailed  ChunkStatus = "failed"
)

// Chunk metadata keys
const (
	MetaPage     = "page"
	MetaSignedBy = "signed_by"
	MetaDate     = "date"
	MetaSheet    = "sheet"
)

// Document is one uploaded file, its converted text and its chunk set
type Document struct {
	ID         string        `bson:"_id" json:"document_id"`
	Filename   string        `bson:"filename" json:"filename"`
	Format     string        `bson:"format" json:"format"`
	Text       string        `bson:"text" json:"-"`
	Chunks     []Chunk       `bson:"chunks" json:"chunks"`
	State      DocumentState `bson:"state" json:"state"`
	Dimensions int           `bson:"dimensions" json:"dimensions"`
	Version    int           `bson:"version" json:"version"`
	CreatedAt  time.Time     `bson:"created_at" json:"created_at"`
	UpdatedAt  time.Time     `bson:"updated_at" json:"updated_at"`
}

// Chunk is a contiguous span of a document's text. Text and Index never change after creation.
type Chunk struct {
	Index         int               `bson:"index" json:"index"`
	Text          string            `bson:"text" json:"text"`
	Metadata      map[string]string `bson:"metadata,omitempty" json:"metadata,omitempty"`
	Vector        []float32         `bson:"vector,omitempty" json:"-"`
	Status        ChunkStatus       `bson:"status" json:"status"`
	FailureReason string            `bson:"failure_reason,omitempty" json:"failure_reason,omitempty"`
	// Retryable is set when the last failure was transient
	Retryable bool `bson:"retryable,omitempty" json:"-"`
}

// DocumentSummary is the listing view of a document
type DocumentSummary struct {
	ID          string        `json:"document_id"`
	Filename    string        `json:"filename"`
	Format      string        `json:"format"`
	State       DocumentState `json:"state"`
	ChunkCount  int           `json:"chunk_count"`
	OKCount     int           `json:"ok_count"`
	FailedCount int           `json:"failed_count"`
	Retryable   int           `json:"retryable_count"`
	Version     int           `json:"version"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// NewDocument creates a document in the ingested state
func NewDocument(id, filename, format, text string, chunks []Chunk) *Document {
	now := time.Now().UTC()
	return &Document{
		ID:        id,
		Filename:  filename,
		Format:    format,
		Text:      text,
		Chunks:    chunks,
		State:     DocumentIngested,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Summary builds the listing view
func (d *Document) Summary() DocumentSummary {
	s := DocumentSummary{
		ID:         d.ID,
		Filename:   d.Filename,
		Format:     d.Format,
		State:      d.State,
		ChunkCount: len(d.Chunks),
		Version:    d.Version,
		UpdatedAt:  d.UpdatedAt,
	}
	for _, c := range d.Chunks {
		switch c.Status {
		case ChunkOK:
			s.OKCount++
		case ChunkFailed:
			s.FailedCount++
			if c.Retryable {
				s.Retryable++
			}
		}
	}
	return s
}

// Clone returns a deep copy safe to hand out of the index. Vectors are shared
// because a written vector is never mutated, only replaced.
func (d *Document) Clone() *Document {
	cp := *d
	cp.Chunks = make([]Chunk, len(d.Chunks))
	for i, c := range d.Chunks {
		cp.Chunks[i] = c.Clone()
	}
	return &cp
}

// Clone copies the chunk with its own metadata map
func (c Chunk) Clone() Chunk {
	if c.Metadata != nil {
		meta := make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			meta[k] = v
		}
		c.Metadata = meta
	}
	return c
}
