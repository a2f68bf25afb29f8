package services

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"docqa-platform/models"
)

// Section is a span of converted text chunked on its own, such as a PDF page
type Section struct {
	Text     string
	Metadata map[string]string
}

// Chunker splits document text into paragraph-aligned chunks bounded by a
// minimum and maximum rune length
type Chunker struct {
	maxChunkSize   int
	minChunkSize   int
	sentenceRegex  *regexp.Regexp
	paragraphRegex *regexp.Regexp
}

// NewChunker creates a chunker. maxChunkSize <= 0 falls back to 1000.
func NewChunker(minChunkSize, maxChunkSize int) *Chunker {
	if maxChunkSize <= 0 {
		maxChunkSize = 1000
	}
	if minChunkSize < 0 || minChunkSize >= maxChunkSize {
		minChunkSize = 0
	}
	return &Chunker{
		maxChunkSize:   maxChunkSize,
		minChunkSize:   minChunkSize,
		sentenceRegex:  regexp.MustCompile(`[.!?]+["'”’)\]]*\s+`),
		paragraphRegex: regexp.MustCompile(`\n\s*\n`),
	}
}

// piece is a candidate chunk; block identifies the paragraph it came from
type piece struct {
	text  string
	block int
}

// Chunk splits text into chunks indexed from 0
func (c *Chunker) Chunk(text string) []models.Chunk {
	return c.ChunkSections([]Section{{Text: text}})
}

// ChunkSections chunks every section independently and numbers the chunks
// continuously. Each chunk carries a copy of its section's metadata.
func (c *Chunker) ChunkSections(sections []Section) []models.Chunk {
	chunks := []models.Chunk{}
	for _, section := range sections {
		for _, text := range c.chunkText(section.Text) {
			chunks = append(chunks, models.Chunk{
				Index:    len(chunks),
				Text:     text,
				Metadata: copyMetadata(section.Metadata),
				Status:   models.ChunkPending,
			})
		}
	}
	return chunks
}

func (c *Chunker) chunkText(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	paragraphs := filterEmpty(c.paragraphRegex.Split(text, -1))
	if len(paragraphs) == 0 {
		return nil
	}

	var pieces []piece
	for block, paragraph := range paragraphs {
		paragraph = strings.TrimSpace(paragraph)
		if runeLen(paragraph) <= c.maxChunkSize {
			pieces = append(pieces, piece{text: paragraph, block: block})
			continue
		}
		for _, part := range c.splitSentences(paragraph) {
			pieces = append(pieces, piece{text: part, block: block})
		}
	}
	return c.mergeSmall(pieces)
}

// splitSentences packs the sentences of an oversized paragraph greedily up to the max
func (c *Chunker) splitSentences(paragraph string) []string {
	var sentences []string
	last := 0
	for _, loc := range c.sentenceRegex.FindAllStringIndex(paragraph, -1) {
		if s := strings.TrimSpace(paragraph[last:loc[1]]); s != "" {
			sentences = append(sentences, s)
		}
		last = loc[1]
	}
	if s := strings.TrimSpace(paragraph[last:]); s != "" {
		sentences = append(sentences, s)
	}

	var out []string
	current := new(strings.Builder)
	currentSize := 0
	flush := func() {
		if current.Len() > 0 {
			out = append(out, current.String())
			current.Reset()
			currentSize = 0
		}
	}

	for _, sentence := range sentences {
		size := runeLen(sentence)
		if size > c.maxChunkSize {
			flush()
			out = append(out, c.hardSplit(sentence)...)
			continue
		}
		if currentSize > 0 && currentSize+1+size > c.maxChunkSize {
			flush()
		}
		if currentSize > 0 {
			current.WriteString(" ")
			currentSize++
		}
		current.WriteString(sentence)
		currentSize += size
	}
	flush()
	return out
}

// hardSplit cuts a sentence longer than the max at the last whitespace before
// the limit, or at the limit when there is none
func (c *Chunker) hardSplit(sentence string) []string {
	var out []string
	runes := []rune(sentence)
	for len(runes) > c.maxChunkSize {
		cut := c.maxChunkSize
		for i := c.maxChunkSize; i > 0; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
		if part := strings.TrimSpace(string(runes[:cut])); part != "" {
			out = append(out, part)
		}
		runes = []rune(strings.TrimLeftFunc(string(runes[cut:]), unicode.IsSpace))
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}

// mergeSmall joins pieces below the minimum into the following piece, and a
// small trailing piece into the one before it, as long as the result fits the max
func (c *Chunker) mergeSmall(pieces []piece) []string {
	var merged []piece
	for i := 0; i < len(pieces); i++ {
		current := pieces[i]
		for runeLen(current.text) < c.minChunkSize && i+1 < len(pieces) {
			joined := join(current, pieces[i+1])
			if runeLen(joined) > c.maxChunkSize {
				break
			}
			current = piece{text: joined, block: pieces[i+1].block}
			i++
		}
		merged = append(merged, current)
	}

	if n := len(merged); n > 1 && runeLen(merged[n-1].text) < c.minChunkSize {
		joined := join(merged[n-2], merged[n-1])
		if runeLen(joined) <= c.maxChunkSize {
			merged[n-2] = piece{text: joined, block: merged[n-1].block}
			merged = merged[:n-1]
		}
	}

	out := make([]string, len(merged))
	for i, p := range merged {
		out[i] = p.text
	}
	return out
}

// join keeps paragraph breaks between blocks and a space within one
func join(a, b piece) string {
	if a.block == b.block {
		return a.text + " " + b.text
	}
	return a.text + "\n\n" + b.text
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

func copyMetadata(meta map[string]string) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

// filterEmpty removes empty strings from slice
func filterEmpty(slice []string) []string {
	result := make([]string, 0, len(slice))
	for _, s := range slice {
		if len(strings.TrimSpace(s)) > 0 {
			result = append(result, s)
		}
	}
	return result
}
