// Package ingestion handles document processing: chunking and the ingestion
// coordinator that dedups, chunks, and indexes content.
package ingestion

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/knoguchi/rag/internal/tokencount"
)

// Chunk is one piece of chunked content, ready for indexing.
type Chunk struct {
	ChunkID  string
	Index    int
	Content  string
	Metadata map[string]any
}

// ChunkerConfig controls the target size and overlap of produced chunks.
type ChunkerConfig struct {
	ChunkSize    int
	ChunkOverlap int
}

// Chunker splits cleaned text into overlapping, sentence-aligned chunks.
type Chunker struct {
	config ChunkerConfig
}

// NewChunker constructs a Chunker. A non-positive ChunkSize becomes 500 and a
// negative ChunkOverlap becomes 50; a zero ChunkOverlap is kept and disables
// overlap.
func NewChunker(cfg ChunkerConfig) *Chunker {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 500
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = 50
	}
	return &Chunker{config: cfg}
}

var (
	blankRunPattern     = regexp.MustCompile(`\n{4,}`)
	paragraphSepPattern = regexp.MustCompile(`\n{2,}`)
	// boundaryPattern matches sentence-ending punctuation followed by
	// whitespace; the rune immediately after is checked separately for
	// upper-case/CJK, since Go's RE2 engine has no lookahead.
	boundaryPattern = regexp.MustCompile(`[.!?][ \t\n]+`)
)

// clean normalizes newlines, collapses long blank-line runs, and trims each
// line.
func clean(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.Trim(l, " \t")
	}
	text = strings.Join(lines, "\n")

	// collapse runs of 4+ blank lines (i.e. \n{4,}) down to exactly three
	// newlines (two blank lines between content).
	text = blankRunPattern.ReplaceAllString(text, "\n\n\n")

	return strings.TrimSpace(text)
}

type paragraph struct {
	text  string
	start int
	end   int
}

// splitParagraphs splits cleaned text on runs of 2+ newlines, discarding
// empty paragraphs, and records each paragraph's offsets in cleaned.
func splitParagraphs(cleaned string) []paragraph {
	var out []paragraph
	seps := paragraphSepPattern.FindAllStringIndex(cleaned, -1)

	prev := 0
	appendSpan := func(start, end int) {
		trimmed := strings.TrimSpace(cleaned[start:end])
		if trimmed == "" {
			return
		}
		out = append(out, paragraph{text: trimmed, start: start, end: end})
	}
	for _, sep := range seps {
		appendSpan(prev, sep[0])
		prev = sep[1]
	}
	appendSpan(prev, len(cleaned))

	return out
}

// Chunk splits text into chunks, assigning IDs derived from documentID and
// stamping each chunk's metadata with document context plus userMetadata.
func (c *Chunker) Chunk(text, documentID, documentTitle string, userMetadata map[string]any) []Chunk {
	cleaned := clean(text)
	if cleaned == "" {
		return nil
	}

	paragraphs := splitParagraphs(cleaned)
	if len(paragraphs) == 0 {
		return c.finalize([]rawChunk{{content: cleaned, start: 0, end: len(cleaned)}}, documentID, documentTitle, userMetadata)
	}

	var raws []rawChunk
	var curContent string
	curStart, curEnd := -1, -1

	flush := func() {
		if curContent == "" {
			return
		}
		raws = append(raws, rawChunk{content: curContent, start: curStart, end: curEnd})
	}

	for _, p := range paragraphs {
		candidate := p.text
		if curContent != "" {
			candidate = curContent + "\n\n" + p.text
		}

		if curContent != "" && len([]rune(candidate)) > c.config.ChunkSize {
			flush()
			overlap := c.deriveOverlap(curContent)
			if overlap != "" {
				curContent = overlap + "\n\n" + p.text
			} else {
				curContent = p.text
			}
			curStart = p.start
			curEnd = p.end
			continue
		}

		if curContent == "" {
			curStart = p.start
		}
		curContent = candidate
		curEnd = p.end
	}
	flush()

	if len(raws) == 0 {
		raws = []rawChunk{{content: cleaned, start: 0, end: len(cleaned)}}
	}

	return c.finalize(raws, documentID, documentTitle, userMetadata)
}

type rawChunk struct {
	content string
	start   int
	end     int
}

// deriveOverlap derives the overlap prefix seeding the next chunk from the
// end of emittedContent, per the sentence-boundary search in the chunking
// algorithm. Overlap is never larger than emittedContent itself.
func (c *Chunker) deriveOverlap(emittedContent string) string {
	if c.config.ChunkOverlap <= 0 {
		return ""
	}

	runes := []rune(emittedContent)
	windowSize := 2 * c.config.ChunkOverlap
	if windowSize > len(runes) {
		windowSize = len(runes)
	}
	if windowSize == 0 {
		return ""
	}
	window := string(runes[len(runes)-windowSize:])

	if boundary := lastSentenceBoundary(window); boundary >= 0 {
		return strings.TrimSpace(window[boundary:])
	}

	fallbackSize := c.config.ChunkOverlap
	if fallbackSize > len(runes) {
		fallbackSize = len(runes)
	}
	return string(runes[len(runes)-fallbackSize:])
}

// lastSentenceBoundary returns the byte offset in window immediately after
// the last sentence-ending punctuation + whitespace run whose following
// rune is upper-case or CJK, or -1 if none is found.
func lastSentenceBoundary(window string) int {
	matches := boundaryPattern.FindAllStringIndex(window, -1)
	best := -1
	for _, m := range matches {
		rest := window[m[1]:]
		if rest == "" {
			continue
		}
		r := []rune(rest)[0]
		if isUpper(r) || isCJKRune(r) {
			best = m[1]
		}
	}
	return best
}

func isUpper(r rune) bool {
	return r >= 'A' && r <= 'Z'
}

func isCJKRune(r rune) bool {
	switch {
	case r >= 0x3400 && r <= 0x4DBF:
		return true
	case r >= 0x4E00 && r <= 0x9FFF:
		return true
	case r >= 0xF900 && r <= 0xFAFF:
		return true
	}
	return false
}

// finalize assigns chunk IDs, indexes, and metadata to raw packed chunks.
func (c *Chunker) finalize(raws []rawChunk, documentID, documentTitle string, userMetadata map[string]any) []Chunk {
	chunks := make([]Chunk, len(raws))
	for i, r := range raws {
		meta := make(map[string]any, len(userMetadata)+4)
		for k, v := range userMetadata {
			meta[k] = v
		}
		meta["document_id"] = documentID
		meta["document_title"] = documentTitle
		meta["chunk_index"] = i
		meta["start_char"] = r.start
		meta["end_char"] = r.end
		meta["tokens"] = tokencount.Estimate(r.content)

		chunks[i] = Chunk{
			ChunkID:  documentID + "_chunk_" + strconv.Itoa(i),
			Index:    i,
			Content:  r.content,
			Metadata: meta,
		}
	}
	return chunks
}
