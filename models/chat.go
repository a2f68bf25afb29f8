// models/chat.go
package models

// ChatRequest asks a question, optionally grounded on a document or explicit chunks
type ChatRequest struct {
	Question      string   `json:"question" binding:"required,max=4000"`
	DocumentID    string   `json:"document_id,omitempty"`
	ContextChunks []string `json:"context_chunks,omitempty"`
	SessionID     string   `json:"session_id,omitempty"`
}

// ChatResponse carries the generated answer and where its context came from
type ChatResponse struct {
	Answer           string `json:"answer"`
	DocumentID       string `json:"document_id,omitempty"`
	ContextSource    string `json:"context_source"`
	ContextTruncated bool   `json:"context_truncated"`
}

// EmbedRequest triggers embedding of a document's pending chunks
type EmbedRequest struct {
	DocumentID string `json:"document_id" binding:"required"`
	Async      bool   `json:"async,omitempty"`
}

// EmbedAcceptedResponse is returned when embedding was queued
type EmbedAcceptedResponse struct {
	DocumentID string `json:"document_id"`
	TaskID     string `json:"task_id"`
	Queue      string `json:"queue"`
}

// SearchRequest ranks a document's chunks against a query
type SearchRequest struct {
	DocumentID string `json:"document_id" binding:"required"`
	Query      string `json:"query" binding:"required,max=4000"`
	TopK       int    `json:"top_k,omitempty" binding:"omitempty,min=1,max=100"`
	SessionID  string `json:"session_id,omitempty"`
}

// SearchResponse lists ranked chunks and any chunks excluded for failed embeddings
type SearchResponse struct {
	DocumentID      string         `json:"document_id"`
	Query           string         `json:"query"`
	Results         []SearchResult `json:"results"`
	FailedChunks    []ChunkFailure `json:"failed_chunks,omitempty"`
	PartialCoverage bool           `json:"partial_coverage"`
}

// UploadResponse is returned after a file was converted and chunked
type UploadResponse struct {
	DocumentID    string        `json:"document_id"`
	Filename      string        `json:"filename"`
	ConvertedText string        `json:"converted_text"`
	Format        string        `json:"format"`
	State         DocumentState `json:"state"`
	ChunkCount    int           `json:"chunk_count"`
	Chunks        []Chunk       `json:"chunks"`
	Fallback      bool          `json:"fallback"`
}

// SelectionRequest picks search results by their position in the last result list
type SelectionRequest struct {
	Positions []int `json:"positions" binding:"required"`
}

// SelectionResponse echoes the stored selection
type SelectionResponse struct {
	SessionID  string         `json:"session_id"`
	DocumentID string         `json:"document_id"`
	Selection  []SearchResult `json:"selection"`
}
