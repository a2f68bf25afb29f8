package services

import (
	"context"
	"strings"
	"unicode/utf8"

	"docqa-platform/models"
)

// TruncationMarker ends a full-document context that was cut to fit
const TruncationMarker = "\n\n[... document truncated ...]"

// ContextSource names the tier an assembled context came from
type ContextSource string

const (
	SourceSelection     ContextSource = "selection"
	SourceSearchResults ContextSource = "search_results"
	SourceFullDocument  ContextSource = "full_document"
	SourceNone          ContextSource = "none"
)

// DocumentReader loads a document's converted text
type DocumentReader interface {
	Get(ctx context.Context, id string) (*models.Document, error)
}

// AssembleInput is what the caller knows when asking a question
type AssembleInput struct {
	DocumentID string
	Selection  []models.SearchResult
	Results    []models.SearchResult
}

// AssembledContext is the ordered chunk list handed to answer generation
type AssembledContext struct {
	Chunks    []string
	Source    ContextSource
	Truncated bool
}

// ContextAssembler picks the grounding context for a question
type ContextAssembler struct {
	docs     DocumentReader
	topK     int
	maxChars int
}

func NewContextAssembler(docs DocumentReader, topK, maxChars int) *ContextAssembler {
	if topK <= 0 {
		topK = 5
	}
	if maxChars <= 0 {
		maxChars = 12000
	}
	return &ContextAssembler{docs: docs, topK: topK, maxChars: maxChars}
}

// Assemble takes the first non-empty of: the explicit selection in rank
// order, the top results of the last search, the full document text cut to
// maxChars runes. With none of these the context is empty.
func (a *ContextAssembler) Assemble(ctx context.Context, in AssembleInput) (*AssembledContext, error) {
	if len(in.Selection) > 0 {
		sel := models.SelectionSet{DocumentID: in.DocumentID, Results: in.Selection}
		return &AssembledContext{Chunks: resultTexts(sel.InRankOrder()), Source: SourceSelection}, nil
	}

	if len(in.Results) > 0 {
		top := in.Results
		if len(top) > a.topK {
			top = top[:a.topK]
		}
		return &AssembledContext{Chunks: resultTexts(top), Source: SourceSearchResults}, nil
	}

	if in.DocumentID != "" && a.docs != nil {
		doc, err := a.docs.Get(ctx, in.DocumentID)
		if err != nil {
			return nil, err
		}
		if text := strings.TrimSpace(doc.Text); text != "" {
			text, truncated := truncateRunes(text, a.maxChars)
			return &AssembledContext{Chunks: []string{text}, Source: SourceFullDocument, Truncated: truncated}, nil
		}
	}

	return &AssembledContext{Chunks: []string{}, Source: SourceNone}, nil
}

func resultTexts(results []models.SearchResult) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.ChunkText)
	}
	return out
}

// truncateRunes keeps the first max runes of text and appends the marker when anything was dropped
func truncateRunes(text string, max int) (string, bool) {
	if utf8.RuneCountInString(text) <= max {
		return text, false
	}
	runes := []rune(text)
	return string(runes[:max]) + TruncationMarker, true
}
