// Package search implements the hybrid search and multi-query fusion engine
// (C10): Reciprocal Rank Fusion across query variants, score-threshold
// filtering, document metadata resolution, and token-budget trimming.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/knoguchi/rag/internal/query"
	"github.com/knoguchi/rag/internal/reranker"
	"github.com/knoguchi/rag/internal/repository"
	"github.com/knoguchi/rag/internal/tokencount"
	"github.com/knoguchi/rag/internal/vectorstore"
)

const rrfK = 60

// ProviderChunk is one externally emitted search hit.
type ProviderChunk struct {
	ChunkID        string         `json:"chunk_id"`
	Content        string         `json:"content"`
	Score          float64        `json:"score"`
	DocumentID     string         `json:"document_id"`
	DocumentTitle  string         `json:"document_title"`
	MediaType      string         `json:"media_type"`
	MediaURL       string         `json:"media_url,omitempty"`
	Category       string         `json:"category,omitempty"`
	Metadata       map[string]any `json:"metadata"`
}

// Response is the result of a Search call.
type Response struct {
	ProviderName string          `json:"provider_name"`
	Chunks       []ProviderChunk `json:"chunks"`
	TotalTokens  int             `json:"total_tokens"`
	Metadata     ResponseMeta    `json:"metadata"`
}

// ResponseMeta carries the search-mode diagnostics named in §4.10.
type ResponseMeta struct {
	SearchMode  string  `json:"search_mode"`
	ResultsCount int    `json:"results_count"`
	MinScore    float64 `json:"min_score"`
}

// Config configures the engine's defaults and thresholds.
type Config struct {
	DefaultLimit    int
	MaxLimit        int
	MinSearchScore  float64
	HybridWeights   [2]float64
	RerankerEnabled bool
}

// Engine is the search engine (C10).
type Engine struct {
	store     BackendSearcher
	documents repository.DocumentRepository
	processor *query.Processor
	reranker  reranker.Reranker
	cfg       Config
	log       *slog.Logger
}

// BackendSearcher is the subset of the vector client the engine needs.
// *vectorstore.Client satisfies it directly.
type BackendSearcher interface {
	HybridSearch(ctx context.Context, q string, limit int, weights [2]float64) ([]vectorstore.SearchResult, string, error)
}

// New constructs a search Engine.
func New(store BackendSearcher, documents repository.DocumentRepository, processor *query.Processor, rr reranker.Reranker, cfg Config, log *slog.Logger) *Engine {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 5
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 20
	}
	if cfg.MinSearchScore <= 0 {
		cfg.MinSearchScore = 0.30
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: store, documents: documents, processor: processor, reranker: rr, cfg: cfg, log: log}
}

// candidate tracks fusion state for one chunk across query variants.
type candidate struct {
	result   vectorstore.SearchResult
	rrf      float64
	maxScore float64
}

// Search runs the full §4.10 algorithm. If variants is non-nil, it is used
// as the preprocessed query set instead of invoking C9.
func (e *Engine) Search(ctx context.Context, userID, rawQuery string, limit int, tokenBudget int, variants []string) (Response, error) {
	if userID == "" || rawQuery == "" {
		return Response{}, fmt.Errorf("invalid_request: user_id and query are required")
	}

	effectiveLimit := limit
	if effectiveLimit <= 0 {
		effectiveLimit = e.cfg.DefaultLimit
	}
	if effectiveLimit > e.cfg.MaxLimit {
		effectiveLimit = e.cfg.MaxLimit
	}

	queries := variants
	if queries == nil {
		queries = e.resolveQueries(ctx, rawQuery)
	}

	var results []vectorstore.SearchResult
	var mode string
	var err error
	if len(queries) <= 1 {
		q := rawQuery
		if len(queries) == 1 {
			q = queries[0]
		}
		results, mode, err = e.store.HybridSearch(ctx, q, 2*effectiveLimit, e.cfg.HybridWeights)
		if err != nil {
			return Response{}, fmt.Errorf("backend_unavailable: %w", err)
		}
	} else {
		results, mode = e.fuse(ctx, queries, effectiveLimit)
	}

	filtered := make([]vectorstore.SearchResult, 0, len(results))
	for _, r := range results {
		if r.Score >= e.cfg.MinSearchScore {
			filtered = append(filtered, r)
		}
	}

	filtered = dedupeByText(filtered)

	if e.cfg.RerankerEnabled && e.reranker != nil && len(filtered) > 0 {
		if reranked, rerr := e.reranker.Rerank(ctx, rawQuery, filtered, effectiveLimit); rerr == nil {
			rescored := make([]vectorstore.SearchResult, len(reranked))
			for i, sr := range reranked {
				rescored[i] = sr.SearchResult
				rescored[i].Score = float64(sr.RerankerScore)
			}
			filtered = rescored
		} else {
			e.log.Warn("reranking failed, using fused order", "error", rerr)
		}
	}

	chunks, totalTokens := e.assemble(ctx, filtered, effectiveLimit, tokenBudget)

	return Response{
		ProviderName: "ragd",
		Chunks:       chunks,
		TotalTokens:  totalTokens,
		Metadata: ResponseMeta{
			SearchMode:   mode,
			ResultsCount: len(chunks),
			MinScore:     e.cfg.MinSearchScore,
		},
	}, nil
}

func (e *Engine) resolveQueries(ctx context.Context, rawQuery string) []string {
	if e.processor == nil {
		return []string{rawQuery}
	}
	result := e.processor.Process(ctx, rawQuery)
	if len(result.ExpandedQueries) > 0 {
		return result.ExpandedQueries
	}
	return []string{result.ProcessedQuery}
}

// fuse runs multi-query RRF fusion per §4.10 step 3, dispatching one backend
// call per variant concurrently. A per-variant failure is logged and skipped
// rather than failing the whole search.
func (e *Engine) fuse(ctx context.Context, queries []string, effectiveLimit int) ([]vectorstore.SearchResult, string) {
	variantResults := make([][]vectorstore.SearchResult, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			results, _, err := e.store.HybridSearch(gctx, q, 2*effectiveLimit, e.cfg.HybridWeights)
			if err != nil {
				e.log.Warn("search variant failed, skipping", "query", q, "error", err)
				return nil
			}
			variantResults[i] = results
			return nil
		})
	}
	_ = g.Wait() // variant failures are recorded per-slot above, never fatal

	byID := make(map[string]*candidate)
	order := make([]string, 0)

	for _, results := range variantResults {
		for rank, r := range results {
			c, ok := byID[r.ID]
			if !ok {
				c = &candidate{result: r}
				byID[r.ID] = c
				order = append(order, r.ID)
			}
			c.rrf += 1.0 / float64(rrfK+rank+1)
			if r.Score > c.maxScore {
				c.maxScore = r.Score
				c.result = r
			}
		}
	}

	candidates := make([]*candidate, 0, len(order))
	for _, id := range order {
		candidates = append(candidates, byID[id])
	}
	sortCandidatesByRRFDesc(candidates)

	if len(candidates) > 2*effectiveLimit {
		candidates = candidates[:2*effectiveLimit]
	}

	out := make([]vectorstore.SearchResult, len(candidates))
	for i, c := range candidates {
		r := c.result
		r.Score = c.maxScore
		out[i] = r
	}
	return out, "hybrid"
}

// candidateLess reports whether a sorts strictly before b: by RRF score
// descending, ties broken by max semantic score descending, remaining ties
// broken by chunk ID ascending. This makes fusion order independent of the
// caller-supplied variant enumeration order, per I10.
func candidateLess(a, b *candidate) bool {
	if a.rrf != b.rrf {
		return a.rrf > b.rrf
	}
	if a.maxScore != b.maxScore {
		return a.maxScore > b.maxScore
	}
	return a.result.ID < b.result.ID
}

func sortCandidatesByRRFDesc(candidates []*candidate) {
	for i := 1; i < len(candidates); i++ {
		j := i
		for j > 0 && candidateLess(candidates[j], candidates[j-1]) {
			candidates[j-1], candidates[j] = candidates[j], candidates[j-1]
			j--
		}
	}
}

// dedupeByText drops near-duplicate chunk text surfaced by different query
// variants (supplemented feature, Jaccard-similarity dedup per the teacher's
// service/rag.go).
func dedupeByText(results []vectorstore.SearchResult) []vectorstore.SearchResult {
	out := make([]vectorstore.SearchResult, 0, len(results))
	for _, r := range results {
		dup := false
		for _, kept := range out {
			if jaccardSimilarity(r.Text, kept.Text) > 0.9 {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, r)
		}
	}
	return out
}

func jaccardSimilarity(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	intersection := 0
	for tok := range setA {
		if setB[tok] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	words := strings.Fields(strings.ToLower(s))
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

var headingRe = regexp.MustCompile(`(?m)^#+\s+(.+)$`)
var markupRe = regexp.MustCompile(`[#*_` + "`" + `]`)

// assemble resolves document metadata per §4.10 steps 5-6 and applies the
// token budget.
func (e *Engine) assemble(ctx context.Context, results []vectorstore.SearchResult, effectiveLimit, tokenBudget int) ([]ProviderChunk, int) {
	chunks := make([]ProviderChunk, 0, effectiveLimit)
	totalTokens := 0

	for _, r := range results {
		if len(chunks) >= effectiveLimit {
			break
		}

		docID, _ := parseChunkID(r.ID)
		var doc *repository.Document
		if e.documents != nil && docID != "" {
			if d, err := e.documents.Get(ctx, docID); err == nil {
				doc = d
			}
		}

		title := resolveString(
			docTitle(doc),
			metadataString(r.Metadata, "document_title"),
			titleFromText(r.Text),
		)
		mediaType := resolveString(docMediaType(doc), metadataString(r.Metadata, "media_type"), "text")
		mediaURL := resolveString(docMediaURL(doc), metadataString(r.Metadata, "media_url"), "")
		category := resolveString(docCategory(doc), metadataString(r.Metadata, "category"), "")

		tokens := tokencount.Estimate(r.Text)
		if tokenBudget > 0 && totalTokens+tokens > tokenBudget {
			break
		}

		chunks = append(chunks, ProviderChunk{
			ChunkID:       r.ID,
			Content:       r.Text,
			Score:         r.Score,
			DocumentID:    docID,
			DocumentTitle: title,
			MediaType:     mediaType,
			MediaURL:      mediaURL,
			Category:      category,
			Metadata:      r.Metadata,
		})
		totalTokens += tokens
	}

	return chunks, totalTokens
}

// parseChunkID splits "<document_id>_chunk_<n>" back into its document ID.
func parseChunkID(chunkID string) (documentID string, index int) {
	idx := strings.LastIndex(chunkID, "_chunk_")
	if idx == -1 {
		return chunkID, -1
	}
	return chunkID[:idx], -1
}

func resolveString(candidates ...string) string {
	for _, c := range candidates {
		if c != "" {
			return c
		}
	}
	return "Unknown"
}

func docTitle(d *repository.Document) string {
	if d == nil {
		return ""
	}
	return d.Title
}
func docMediaType(d *repository.Document) string {
	if d == nil {
		return ""
	}
	return d.MediaType
}
func docMediaURL(d *repository.Document) string {
	if d == nil {
		return ""
	}
	return d.MediaURL
}
func docCategory(d *repository.Document) string {
	if d == nil {
		return ""
	}
	return d.Category
}

func metadataString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// titleFromText extracts a title per §4.10 step 5's fallback chain: the
// first Markdown heading, else the first non-empty line with markup
// stripped, truncated to 50 characters.
func titleFromText(text string) string {
	if m := headingRe.FindStringSubmatch(text); m != nil {
		return truncate(strings.TrimSpace(m[1]), 50)
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		stripped := strings.TrimSpace(markupRe.ReplaceAllString(line, ""))
		if stripped != "" {
			return truncate(stripped, 50)
		}
	}
	return ""
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
