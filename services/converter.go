package services

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"docqa-platform/internal/logger"
	"docqa-platform/models"

	"github.com/PuerkitoBio/goquery"
	"github.com/xuri/excelize/v2"
	"golang.org/x/net/html/charset"
)

// Supported upload formats
const (
	FormatPDF      = "pdf"
	FormatDOCX     = "docx"
	FormatHTML     = "html"
	FormatXLSX     = "xlsx"
	FormatText     = "txt"
	FormatMarkdown = "md"
	FormatCSV      = "csv"
)

// minimum share of printable runes for raw bytes to pass as text
const minPrintableRatio = 0.85

// Conversion is the text extracted from an upload
type Conversion struct {
	Text     string
	Format   string
	Sections []Section
	// Fallback is set when the format-specific extractor failed and the raw bytes were used as text
	Fallback bool
}

// Converter turns uploaded files into text sections ready for chunking
type Converter struct {
	pdf *PDFExtractor
}

func NewConverter() *Converter {
	return &Converter{pdf: NewPDFExtractor()}
}

// FormatOf maps a filename to its format, or "" when unsupported
func FormatOf(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return FormatPDF
	case ".docx":
		return FormatDOCX
	case ".html", ".htm":
		return FormatHTML
	case ".xlsx":
		return FormatXLSX
	case ".txt":
		return FormatText
	case ".md", ".markdown":
		return FormatMarkdown
	case ".csv":
		return FormatCSV
	}
	return ""
}

// Convert extracts text from content according to the filename's extension.
// contentType is only used to pick a charset for HTML.
func (c *Converter) Convert(ctx context.Context, filename, contentType string, content []byte) (*Conversion, error) {
	format := FormatOf(filename)
	if format == "" {
		return nil, fmt.Errorf("%w: unsupported file type %q", models.ErrConversionFailed, filepath.Ext(filename))
	}
	// a blank text file is a valid document with no chunks
	if isPlainFormat(format) && len(bytes.TrimSpace(bytes.TrimPrefix(content, utf8BOM))) == 0 {
		return &Conversion{Format: format, Sections: []Section{}}, nil
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", models.ErrConversionFailed, filename)
	}

	var sections []Section
	var err error
	switch format {
	case FormatPDF:
		sections, err = c.pdf.ExtractPages(ctx, content)
	case FormatDOCX:
		sections, err = extractDOCX(content)
	case FormatHTML:
		sections, err = extractHTML(content, contentType)
	case FormatXLSX:
		sections, err = extractXLSX(content)
	default:
		sections, err = extractPlain(content)
	}

	fallback := false
	if err != nil {
		logger.Warn("Format extractor failed, trying raw text", "filename", filename, "format", format, "error", err)
		sections, err = extractPlain(content)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", models.ErrConversionFailed, filename, err)
		}
		fallback = true
	}

	texts := make([]string, 0, len(sections))
	for _, s := range sections {
		texts = append(texts, strings.TrimSpace(s.Text))
	}
	return &Conversion{
		Text:     strings.Join(texts, "\n\n"),
		Format:   format,
		Sections: sections,
		Fallback: fallback,
	}, nil
}

var utf8BOM = []byte("\xef\xbb\xbf")

func isPlainFormat(format string) bool {
	return format == FormatText || format == FormatMarkdown || format == FormatCSV
}

// extractPlain accepts content that reads as UTF-8 text
func extractPlain(content []byte) ([]Section, error) {
	if !utf8.Valid(content) {
		return nil, fmt.Errorf("content is not valid UTF-8")
	}
	text := string(bytes.TrimPrefix(content, utf8BOM))
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("no text content")
	}
	if printableRatio(text) < minPrintableRatio {
		return nil, fmt.Errorf("content looks binary")
	}
	return []Section{{Text: text}}, nil
}

func printableRatio(text string) float64 {
	total, printable := 0, 0
	for _, r := range text {
		total++
		if unicode.IsPrint(r) || unicode.IsSpace(r) {
			printable++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(printable) / float64(total)
}

type docxBody struct {
	Paragraphs []docxParagraph `xml:"body>p"`
}

type docxParagraph struct {
	Runs []struct {
		Text []struct {
			Content string `xml:",chardata"`
		} `xml:"t"`
	} `xml:"r"`
}

// extractDOCX joins the non-empty paragraphs of word/document.xml with blank lines
func extractDOCX(content []byte) ([]Section, error) {
	reader, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("open docx archive: %w", err)
	}

	for _, file := range reader.File {
		if file.Name != "word/document.xml" {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("open document.xml: %w", err)
		}
		raw, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read document.xml: %w", err)
		}

		var body docxBody
		if err := xml.Unmarshal(raw, &body); err != nil {
			return nil, fmt.Errorf("parse document.xml: %w", err)
		}

		paragraphs := make([]string, 0, len(body.Paragraphs))
		for _, p := range body.Paragraphs {
			var b strings.Builder
			for _, r := range p.Runs {
				for _, t := range r.Text {
					b.WriteString(t.Content)
				}
			}
			if text := strings.TrimSpace(b.String()); text != "" {
				paragraphs = append(paragraphs, text)
			}
		}
		if len(paragraphs) == 0 {
			return nil, fmt.Errorf("docx has no text")
		}
		return []Section{{Text: strings.Join(paragraphs, "\n\n")}}, nil
	}
	return nil, fmt.Errorf("word/document.xml not found")
}

// extractHTML keeps the text of block elements, one paragraph each
func extractHTML(content []byte, contentType string) ([]Section, error) {
	r, err := charset.NewReader(bytes.NewReader(content), contentType)
	if err != nil {
		return nil, fmt.Errorf("detect charset: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, nav, footer").Remove()

	var blocks []string
	doc.Find("h1, h2, h3, h4, h5, h6, p, li, pre, blockquote, td").Each(func(_ int, s *goquery.Selection) {
		if text := strings.Join(strings.Fields(s.Text()), " "); text != "" {
			blocks = append(blocks, text)
		}
	})
	if len(blocks) == 0 {
		if text := strings.TrimSpace(doc.Find("body").Text()); text != "" {
			blocks = append(blocks, text)
		}
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("html has no text")
	}

	meta := map[string]string{}
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		meta["title"] = title
	}
	return []Section{{Text: strings.Join(blocks, "\n\n"), Metadata: meta}}, nil
}

// extractXLSX renders each sheet as a pipe-separated table, one section per sheet
func extractXLSX(content []byte) ([]Section, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	var sections []Section
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
		}
		lines := make([]string, 0, len(rows))
		for _, row := range rows {
			line := strings.TrimSpace(strings.Join(row, " | "))
			if strings.Trim(line, "| ") != "" {
				lines = append(lines, line)
			}
		}
		if len(lines) == 0 {
			continue
		}
		sections = append(sections, Section{
			Text:     strings.Join(lines, "\n"),
			Metadata: map[string]string{models.MetaSheet: sheet},
		})
	}
	if len(sections) == 0 {
		return nil, fmt.Errorf("workbook has no data")
	}
	return sections, nil
}
