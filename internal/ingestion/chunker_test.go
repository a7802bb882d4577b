package ingestion

import (
	"strconv"
	"strings"
	"testing"
)

func TestChunkIDsAreDeterministic(t *testing.T) {
	c := NewChunker(ChunkerConfig{ChunkSize: 500, ChunkOverlap: 50})
	chunks := c.Chunk("Alpha beta.\n\nGamma delta.", "doc_abc", "T", nil)
	for i, ch := range chunks {
		want := "doc_abc_chunk_" + strconv.Itoa(i)
		if ch.ChunkID != want {
			t.Errorf("chunk %d: ChunkID = %q, want %q", i, ch.ChunkID, want)
		}
	}
}

func TestChunkCoversAllText(t *testing.T) {
	c := NewChunker(ChunkerConfig{ChunkSize: 40, ChunkOverlap: 5})
	text := "one two three four.\n\nfive six seven eight.\n\nnine ten eleven twelve."
	chunks := c.Chunk(text, "doc1", "T", nil)

	cleaned := clean(text)
	for _, word := range strings.Fields(cleaned) {
		found := false
		for _, ch := range chunks {
			if strings.Contains(ch.Content, word) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("word %q from source text missing from all chunks", word)
		}
	}
}

func TestChunkSingleParagraphWhenShort(t *testing.T) {
	c := NewChunker(ChunkerConfig{ChunkSize: 500, ChunkOverlap: 50})
	chunks := c.Chunk("A single short paragraph.", "doc1", "T", nil)
	if len(chunks) != 1 {
		t.Fatalf("expected exactly one chunk, got %d", len(chunks))
	}
}

func TestChunkMetadataCarriesUserFields(t *testing.T) {
	c := NewChunker(ChunkerConfig{ChunkSize: 500, ChunkOverlap: 50})
	chunks := c.Chunk("hello world", "doc1", "My Title", map[string]any{"category": "news"})
	if len(chunks) != 1 {
		t.Fatalf("expected one chunk")
	}
	m := chunks[0].Metadata
	if m["document_id"] != "doc1" || m["document_title"] != "My Title" || m["category"] != "news" {
		t.Errorf("unexpected metadata: %+v", m)
	}
}

func TestChunkManyParagraphsProducesMultipleChunks(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 40; i++ {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(strings.Repeat("x", 20))
	}
	c := NewChunker(ChunkerConfig{ChunkSize: 500, ChunkOverlap: 50})
	chunks := c.Chunk(sb.String(), "doc1", "T", nil)
	if len(chunks) < 2 || len(chunks) > 4 {
		t.Errorf("expected 2-4 chunks, got %d", len(chunks))
	}
}

func TestCleanCollapsesBlankLines(t *testing.T) {
	in := "a\n\n\n\n\n\nb"
	got := clean(in)
	if strings.Count(got, "\n") != 3 {
		t.Errorf("expected collapsed blank run of exactly 3 newlines, got %q", got)
	}
}
