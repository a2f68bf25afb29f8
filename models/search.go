package models

import "sort"

// SearchResult is one ranked chunk. Recomputed per query, never persisted.
type SearchResult struct {
	ChunkIndex int               `json:"chunk_index"`
	ChunkText  string            `json:"chunk_text"`
	Metadata   map[string]string `json:"chunk_metadata,omitempty"`
	Score      float64           `json:"score"`
	Rank       int               `json:"rank"`
}

// SelectionSet is a user-curated subset of the last search results, keyed by result position.
type SelectionSet struct {
	DocumentID string         `json:"document_id"`
	Results    []SearchResult `json:"results"`
}

// Empty reports whether nothing is selected
func (s SelectionSet) Empty() bool {
	return len(s.Results) == 0
}

// InRankOrder returns the selected results ordered as they appeared in the search
func (s SelectionSet) InRankOrder() []SearchResult {
	out := make([]SearchResult, len(s.Results))
	copy(out, s.Results)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

// OutcomeKind tags an EmbeddingOutcome
type OutcomeKind string

const (
	OutcomeSuccess        OutcomeKind = "success"
	OutcomePartialFailure OutcomeKind = "partial_failure"
	OutcomeUnavailable    OutcomeKind = "unavailable"
)

// ChunkFailure reports a chunk that could not be embedded
type ChunkFailure struct {
	ChunkIndex int    `json:"chunk_index"`
	Reason     string `json:"reason"`
	Transient  bool   `json:"transient"`
}

// EmbeddingOutcome is the aggregate result of one ensure-embedded pass
type EmbeddingOutcome struct {
	Kind       OutcomeKind    `json:"status"`
	DocumentID string         `json:"document_id"`
	Successful int            `json:"successful_count"`
	Total      int            `json:"total_count"`
	Failures   []ChunkFailure `json:"failures"`
	State      DocumentState  `json:"state"`
	// Cause is the first failure's error
	Cause error `json:"-"`
}

// Retryable reports whether any failure was transient, so another pass may succeed
func (o *EmbeddingOutcome) Retryable() bool {
	if o == nil {
		return false
	}
	if o.Kind == OutcomeUnavailable {
		return false
	}
	for _, f := range o.Failures {
		if f.Transient {
			return true
		}
	}
	return false
}
