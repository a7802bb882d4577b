package search

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/knoguchi/rag/internal/repository"
	"github.com/knoguchi/rag/internal/vectorstore"
)

type stubBackend struct {
	byQuery map[string][]vectorstore.SearchResult
	err     map[string]error

	mu    sync.Mutex
	calls []string
}

func (s *stubBackend) HybridSearch(ctx context.Context, q string, limit int, weights [2]float64) ([]vectorstore.SearchResult, string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, q)
	s.mu.Unlock()
	if err, ok := s.err[q]; ok {
		return nil, "", err
	}
	return s.byQuery[q], "hybrid", nil
}

type stubDocuments struct {
	docs map[string]*repository.Document
}

func (s *stubDocuments) Upsert(ctx context.Context, doc *repository.Document) error { return nil }
func (s *stubDocuments) Get(ctx context.Context, documentID string) (*repository.Document, error) {
	if d, ok := s.docs[documentID]; ok {
		return d, nil
	}
	return nil, repository.ErrNotFound
}
func (s *stubDocuments) Exists(ctx context.Context, documentID string) (bool, error) { return false, nil }
func (s *stubDocuments) Delete(ctx context.Context, documentID string) error         { return nil }
func (s *stubDocuments) FindByContentHash(ctx context.Context, tenantID, hash string) (*repository.Document, error) {
	return nil, repository.ErrNotFound
}
func (s *stubDocuments) HashExists(ctx context.Context, tenantID, hash string) (bool, error) {
	return false, nil
}
func (s *stubDocuments) List(ctx context.Context, tenantID string, limit, offset int) ([]*repository.Document, int, error) {
	return nil, 0, nil
}
func (s *stubDocuments) Count(ctx context.Context, tenantID string) (int, error) { return 0, nil }
func (s *stubDocuments) ImportLegacySnapshot(ctx context.Context, docs []*repository.Document) (bool, error) {
	return false, nil
}

func TestSearchRejectsEmptyUserOrQuery(t *testing.T) {
	e := New(&stubBackend{}, nil, nil, nil, Config{}, nil)
	if _, err := e.Search(context.Background(), "", "q", 5, 0, nil); err == nil {
		t.Error("expected error for empty user_id")
	}
	if _, err := e.Search(context.Background(), "u", "", 5, 0, nil); err == nil {
		t.Error("expected error for empty query")
	}
}

func TestSearchClampsLimitToMax(t *testing.T) {
	backend := &stubBackend{byQuery: map[string][]vectorstore.SearchResult{
		"q": {{ID: "doc1_chunk_0", Score: 0.9, Text: "hello world"}},
	}}
	e := New(backend, &stubDocuments{}, nil, nil, Config{DefaultLimit: 5, MaxLimit: 1, MinSearchScore: 0.1}, nil)

	resp, err := e.Search(context.Background(), "u", "q", 50, 0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Chunks) > 1 {
		t.Errorf("expected at most 1 chunk after clamping to MaxLimit, got %d", len(resp.Chunks))
	}
}

func TestSearchFusesMultipleVariantsByRRF(t *testing.T) {
	backend := &stubBackend{byQuery: map[string][]vectorstore.SearchResult{
		"a": {{ID: "doc1_chunk_0", Score: 0.9, Text: "alpha content"}, {ID: "doc2_chunk_0", Score: 0.5, Text: "beta content"}},
		"b": {{ID: "doc2_chunk_0", Score: 0.95, Text: "beta content"}, {ID: "doc1_chunk_0", Score: 0.4, Text: "alpha content"}},
	}}
	e := New(backend, &stubDocuments{}, nil, nil, Config{MinSearchScore: 0.0}, nil)

	resp, err := e.Search(context.Background(), "u", "orig", 10, 0, []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Metadata.SearchMode != "hybrid" {
		t.Errorf("expected hybrid search mode, got %q", resp.Metadata.SearchMode)
	}
	// Both chunks appear in both variants at complementary ranks, so RRF
	// fusion should surface both, each ranked ahead of being dropped.
	if len(resp.Chunks) != 2 {
		t.Fatalf("expected 2 fused chunks, got %d: %+v", len(resp.Chunks), resp.Chunks)
	}
}

// TestSearchRRFTieBreakIsOrderIndependent covers I10: two chunks that land at
// swapped ranks across variants accumulate an identical RRF sum. The tie must
// break by max semantic score (doc1 > doc2 here), and that result must not
// depend on which order the variant queries were supplied in.
func TestSearchRRFTieBreakIsOrderIndependent(t *testing.T) {
	byQuery := map[string][]vectorstore.SearchResult{
		"a": {{ID: "doc1_chunk_0", Score: 0.9, Text: "alpha content"}, {ID: "doc2_chunk_0", Score: 0.7, Text: "beta content"}},
		"b": {{ID: "doc2_chunk_0", Score: 0.6, Text: "beta content"}, {ID: "doc1_chunk_0", Score: 0.5, Text: "alpha content"}},
	}

	forward := New(&stubBackend{byQuery: byQuery}, &stubDocuments{}, nil, nil, Config{MinSearchScore: 0.0}, nil)
	respForward, err := forward.Search(context.Background(), "u", "orig", 10, 0, []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reversed := New(&stubBackend{byQuery: byQuery}, &stubDocuments{}, nil, nil, Config{MinSearchScore: 0.0}, nil)
	respReversed, err := reversed.Search(context.Background(), "u", "orig", 10, 0, []string{"b", "a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(respForward.Chunks) != 2 || len(respReversed.Chunks) != 2 {
		t.Fatalf("expected 2 chunks in both orderings, got forward=%d reversed=%d", len(respForward.Chunks), len(respReversed.Chunks))
	}
	if respForward.Chunks[0].ChunkID != respReversed.Chunks[0].ChunkID {
		t.Errorf("fusion order depends on variant enumeration order: forward first=%q reversed first=%q",
			respForward.Chunks[0].ChunkID, respReversed.Chunks[0].ChunkID)
	}
	if respForward.Chunks[0].ChunkID != "doc1_chunk_0" {
		t.Errorf("expected doc1 (higher max score) to win the RRF tie, got %q", respForward.Chunks[0].ChunkID)
	}
}

func TestSearchSkipsFailedVariantWithoutFailingWhole(t *testing.T) {
	backend := &stubBackend{
		byQuery: map[string][]vectorstore.SearchResult{
			"good": {{ID: "doc1_chunk_0", Score: 0.9, Text: "content here"}},
		},
		err: map[string]error{"bad": errors.New("backend exploded")},
	}
	e := New(backend, &stubDocuments{}, nil, nil, Config{MinSearchScore: 0.0}, nil)

	resp, err := e.Search(context.Background(), "u", "orig", 10, 0, []string{"good", "bad"})
	if err != nil {
		t.Fatalf("expected partial failure to be tolerated, got error: %v", err)
	}
	if len(resp.Chunks) != 1 {
		t.Errorf("expected 1 surviving chunk from the healthy variant, got %d", len(resp.Chunks))
	}
}

func TestSearchFiltersByMinScore(t *testing.T) {
	backend := &stubBackend{byQuery: map[string][]vectorstore.SearchResult{
		"q": {
			{ID: "doc1_chunk_0", Score: 0.5, Text: "high score chunk"},
			{ID: "doc2_chunk_0", Score: 0.1, Text: "low score chunk"},
		},
	}}
	e := New(backend, &stubDocuments{}, nil, nil, Config{MinSearchScore: 0.3}, nil)

	resp, err := e.Search(context.Background(), "u", "q", 10, 0, []string{"q"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Chunks) != 1 || resp.Chunks[0].ChunkID != "doc1_chunk_0" {
		t.Errorf("expected only the high-score chunk to survive, got %+v", resp.Chunks)
	}
}

func TestSearchDedupesNearIdenticalText(t *testing.T) {
	backend := &stubBackend{byQuery: map[string][]vectorstore.SearchResult{
		"q": {
			{ID: "doc1_chunk_0", Score: 0.9, Text: "the quick brown fox jumps over the lazy dog"},
			{ID: "doc2_chunk_0", Score: 0.8, Text: "the quick brown fox jumps over the lazy dog"},
		},
	}}
	e := New(backend, &stubDocuments{}, nil, nil, Config{MinSearchScore: 0.0}, nil)

	resp, err := e.Search(context.Background(), "u", "q", 10, 0, []string{"q"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Chunks) != 1 {
		t.Errorf("expected near-duplicate text to be deduplicated, got %d chunks", len(resp.Chunks))
	}
}

func TestSearchResolvesDocumentTitleFromStore(t *testing.T) {
	backend := &stubBackend{byQuery: map[string][]vectorstore.SearchResult{
		"q": {{ID: "doc1_chunk_0", Score: 0.9, Text: "body text"}},
	}}
	docs := &stubDocuments{docs: map[string]*repository.Document{
		"doc1": {DocumentID: "doc1", Title: "Stored Title"},
	}}
	e := New(backend, docs, nil, nil, Config{MinSearchScore: 0.0}, nil)

	resp, err := e.Search(context.Background(), "u", "q", 10, 0, []string{"q"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Chunks[0].DocumentTitle != "Stored Title" {
		t.Errorf("expected title resolved from store, got %q", resp.Chunks[0].DocumentTitle)
	}
}

func TestSearchFallsBackToTitleExtractedFromText(t *testing.T) {
	backend := &stubBackend{byQuery: map[string][]vectorstore.SearchResult{
		"q": {{ID: "doc1_chunk_0", Score: 0.9, Text: "# A Heading\n\nbody text follows"}},
	}}
	e := New(backend, &stubDocuments{}, nil, nil, Config{MinSearchScore: 0.0}, nil)

	resp, err := e.Search(context.Background(), "u", "q", 10, 0, []string{"q"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Chunks[0].DocumentTitle != "A Heading" {
		t.Errorf("expected title extracted from markdown heading, got %q", resp.Chunks[0].DocumentTitle)
	}
}

func TestSearchAppliesTokenBudget(t *testing.T) {
	textA, textB := "", ""
	for i := 0; i < 200; i++ {
		textA += "alpha " // 1200 chars, 300 tokens
		textB += "beta "  // 1000 chars, 250 tokens
	}
	backend := &stubBackend{byQuery: map[string][]vectorstore.SearchResult{
		"q": {
			{ID: "doc1_chunk_0", Score: 0.9, Text: textA},
			{ID: "doc2_chunk_0", Score: 0.8, Text: textB},
		},
	}}
	e := New(backend, &stubDocuments{}, nil, nil, Config{MinSearchScore: 0.0}, nil)

	resp, err := e.Search(context.Background(), "u", "q", 10, 400, []string{"q"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Chunks) != 1 {
		t.Errorf("expected token budget to cap result count to 1, got %d", len(resp.Chunks))
	}
}
