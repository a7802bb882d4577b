// Package query implements the query processor (C9): LLM-backed query
// rewriting and expansion, degrading silently to the original query whenever
// the LLM is unavailable, rate-limited, or returns something unparseable.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/knoguchi/rag/internal/llm"
	"github.com/knoguchi/rag/internal/queue"
	"github.com/knoguchi/rag/internal/ratelimit"
)

// Method tags how the processed query was produced.
type Method string

const (
	MethodLLM      Method = "llm"
	MethodOriginal Method = "original"
)

// Result is the outcome of processing a raw user query.
type Result struct {
	ProcessedQuery  string
	Method          Method
	ExpandedQueries []string
	QueryIntent     string
}

// Config configures the processor.
type Config struct {
	ExpansionEnabled bool
	MaxQueries       int // cap on expanded queries, default 3
	Model            string
}

// Processor is the query processor (C9).
type Processor struct {
	provider  llm.Provider
	limiter   *ratelimit.Limiter
	queue     *queue.Queue
	cfg       Config
}

// New constructs a Processor. provider/limiter/queue may be nil, in which
// case every call degrades to the original query.
func New(provider llm.Provider, limiter *ratelimit.Limiter, q *queue.Queue, cfg Config) *Processor {
	if cfg.MaxQueries <= 0 {
		cfg.MaxQueries = 3
	}
	return &Processor{provider: provider, limiter: limiter, queue: q, cfg: cfg}
}

// Process runs the §4.9 algorithm: queries under 5 characters, or any
// failure along the LLM path, fall back to the original query unchanged.
func (p *Processor) Process(ctx context.Context, rawQuery string) Result {
	original := Result{ProcessedQuery: rawQuery, Method: MethodOriginal}

	if len(rawQuery) < 5 {
		return original
	}
	if p.provider == nil || p.limiter == nil || p.queue == nil {
		return original
	}
	if !p.limiter.TryAcquire() {
		return original
	}

	if p.cfg.ExpansionEnabled {
		if result, ok := p.expand(ctx, rawQuery); ok {
			return result
		}
	}

	if rewritten, ok := p.rewrite(ctx, rawQuery); ok {
		return Result{ProcessedQuery: rewritten, Method: MethodLLM}
	}

	return original
}

type expansionPayload struct {
	Intent          string   `json:"intent"`
	PrimaryQuery    string   `json:"primary_query"`
	ExpandedQueries []string `json:"expanded_queries"`
}

func (p *Processor) expand(ctx context.Context, rawQuery string) (Result, bool) {
	prompt := fmt.Sprintf(`Analyze this search query and expand it into related queries to improve retrieval recall.

Query: %s

Respond with ONLY JSON in this exact shape:
{"intent": "<one phrase describing the user's intent>", "primary_query": "<a cleaned up version of the query>", "expanded_queries": ["<variant 1>", "<variant 2>"]}`, rawQuery)

	req := llm.Request{
		Model:       p.cfg.Model,
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: 0.3,
		MaxTokens:   300,
	}

	raw, ok := p.infer(ctx, req)
	if !ok {
		return Result{}, false
	}

	payload, ok := parseExpansion(raw)
	if !ok {
		return Result{}, false
	}

	primary := strings.TrimSpace(payload.PrimaryQuery)
	if primary == "" {
		primary = rawQuery
	}

	seen := map[string]bool{primary: true}
	variants := []string{primary}
	for _, v := range payload.ExpandedQueries {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		variants = append(variants, v)
		if len(variants) >= p.cfg.MaxQueries {
			break
		}
	}
	if !seen[rawQuery] {
		variants = append(variants, rawQuery)
	}

	if len(variants) == 0 {
		return Result{}, false
	}

	return Result{
		ProcessedQuery:  primary,
		Method:          MethodLLM,
		ExpandedQueries: variants,
		QueryIntent:     payload.Intent,
	}, true
}

func (p *Processor) rewrite(ctx context.Context, rawQuery string) (string, bool) {
	prompt := fmt.Sprintf(`Rewrite this search query to be more precise and specific, preserving its meaning. Respond with ONLY the rewritten query, nothing else.

Query: %s`, rawQuery)

	req := llm.Request{
		Model:       p.cfg.Model,
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: 0.1,
		MaxTokens:   100,
	}

	raw, ok := p.infer(ctx, req)
	if !ok {
		return "", false
	}

	rewritten := strings.TrimSpace(raw)
	if len(rewritten) < 2 || rewritten == rawQuery {
		return "", false
	}
	return rewritten, true
}

// infer routes the call through the request queue, per §5's back-pressure
// composition; any failure degrades silently (returns ok=false).
func (p *Processor) infer(ctx context.Context, req llm.Request) (string, bool) {
	value, err := p.queue.SubmitAndWait(func() (any, error) {
		return p.provider.Infer(ctx, req)
	})
	if err != nil {
		return "", false
	}
	resp, ok := value.(llm.Response)
	if !ok {
		return "", false
	}
	return resp.Text, true
}

// parseExpansion accepts bare JSON, JSON fenced in ```json blocks, or the
// largest {...} substring of the response.
func parseExpansion(raw string) (expansionPayload, bool) {
	candidates := []string{strings.TrimSpace(raw)}

	if fenced, ok := extractFenced(raw); ok {
		candidates = append(candidates, fenced)
	}
	if braced, ok := extractLargestBraces(raw); ok {
		candidates = append(candidates, braced)
	}

	for _, c := range candidates {
		var payload expansionPayload
		if err := json.Unmarshal([]byte(c), &payload); err == nil {
			return payload, true
		}
	}
	return expansionPayload{}, false
}

func extractFenced(raw string) (string, bool) {
	marker := "```json"
	start := strings.Index(raw, marker)
	if start == -1 {
		marker = "```"
		start = strings.Index(raw, marker)
	}
	if start == -1 {
		return "", false
	}
	rest := raw[start+len(marker):]
	end := strings.Index(rest, "```")
	if end == -1 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

func extractLargestBraces(raw string) (string, bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end == -1 || end < start {
		return "", false
	}
	return raw[start : end+1], true
}
