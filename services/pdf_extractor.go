package services

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"docqa-platform/internal/logger"
	"docqa-platform/models"

	"github.com/ledongthuc/pdf"
)

// signature lines are looked for near the bottom of each page
const signatureWindowLines = 20

var (
	datePattern = regexp.MustCompile(`(?i)(\d{1,2}[-/]\d{1,2}[-/]\d{2,4}|\b(?:Jan(?:uary)?|Feb(?:ruary)?|Mar(?:ch)?|Apr(?:il)?|May|Jun(?:e)?|Jul(?:y)?|Aug(?:ust)?|Sep(?:tember)?|Oct(?:ober)?|Nov(?:ember)?|Dec(?:ember)?)\s+\d{1,2},?\s+\d{2,4})\b`)
	signerPattern = regexp.MustCompile(`\b(?i:electronically signed by|signed by|physician|provider|doctor|dr|md|np|do)\b\.?\s*:?\s*([A-Z][a-zA-Z'-]+(?:[ \t]+[A-Z][a-zA-Z'-]+){0,3}(?:,\s*(?:MD|DO|NP|PA|RN))?)`)
	namePattern   = regexp.MustCompile(`\b([A-Z][a-z]+(?:[ \t]+[A-Z][a-z]+)+)\b`)
)

// PDFExtractor reads PDF text page by page
type PDFExtractor struct{}

// NewPDFExtractor creates a new PDF extractor
func NewPDFExtractor() *PDFExtractor {
	return &PDFExtractor{}
}

// ExtractPages returns one section per page that has text. Each section is
// tagged with its 1-based page number and, when found near the bottom of the
// page, a signer and a date.
func (e *PDFExtractor) ExtractPages(ctx context.Context, content []byte) ([]Section, error) {
	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("failed to create PDF reader: %w", err)
	}

	pages := reader.NumPage()
	sections := make([]Section, 0, pages)
	for i := 1; i <= pages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		fonts := make(map[string]*pdf.Font)
		text, err := page.GetPlainText(fonts)
		if err != nil {
			logger.Warn("Failed to extract text from PDF page", "page", i, "error", err)
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}

		meta := pageMetadata(text)
		meta[models.MetaPage] = strconv.Itoa(i)
		sections = append(sections, Section{Text: text, Metadata: meta})
	}

	if len(sections) == 0 {
		return nil, fmt.Errorf("no text extracted from %d pages", pages)
	}
	return sections, nil
}

// pageMetadata looks for a signer and a date in the last lines of a page
func pageMetadata(text string) map[string]string {
	meta := map[string]string{}

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	if len(lines) > signatureWindowLines {
		lines = lines[len(lines)-signatureWindowLines:]
	}
	bottom := strings.Join(lines, "\n")

	if m := datePattern.FindString(bottom); m != "" {
		meta[models.MetaDate] = m
	}
	if m := signerPattern.FindStringSubmatch(bottom); m != nil {
		meta[models.MetaSignedBy] = strings.TrimSpace(m[1])
	} else if m := namePattern.FindString(bottom); m != "" {
		meta[models.MetaSignedBy] = m
	}
	return meta
}
