package query

import (
	"context"
	"testing"

	"github.com/knoguchi/rag/internal/llm"
	"github.com/knoguchi/rag/internal/queue"
	"github.com/knoguchi/rag/internal/ratelimit"
)

type stubProvider struct {
	text string
	err  error
}

func (s *stubProvider) Infer(ctx context.Context, req llm.Request) (llm.Response, error) {
	if s.err != nil {
		return llm.Response{}, s.err
	}
	return llm.Response{Text: s.text}, nil
}
func (s *stubProvider) InferStream(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
	return nil, nil
}
func (s *stubProvider) Health(ctx context.Context) bool { return true }

func newTestHarness(p llm.Provider, cfg Config) *Processor {
	limiter := ratelimit.New(10, 10)
	q := queue.New(2, 10)
	return New(p, limiter, q, cfg)
}

func TestProcessShortQueryReturnsOriginal(t *testing.T) {
	p := newTestHarness(&stubProvider{}, Config{})
	result := p.Process(context.Background(), "hi")
	if result.Method != MethodOriginal || result.ProcessedQuery != "hi" {
		t.Errorf("expected original passthrough, got %+v", result)
	}
}

func TestProcessNoProviderReturnsOriginal(t *testing.T) {
	p := New(nil, nil, nil, Config{})
	result := p.Process(context.Background(), "a reasonably long query")
	if result.Method != MethodOriginal {
		t.Errorf("expected original, got %+v", result)
	}
}

func TestProcessExpansionParsesJSON(t *testing.T) {
	stub := &stubProvider{text: `{"intent":"howto","primary_query":"how to deploy go apps","expanded_queries":["go deployment guide","deploying golang services"]}`}
	p := newTestHarness(stub, Config{ExpansionEnabled: true, MaxQueries: 3})
	result := p.Process(context.Background(), "how do I deploy my go app")
	if result.Method != MethodLLM {
		t.Fatalf("expected llm method, got %+v", result)
	}
	if result.ProcessedQuery != "how to deploy go apps" {
		t.Errorf("unexpected primary query: %q", result.ProcessedQuery)
	}
	if len(result.ExpandedQueries) < 2 {
		t.Errorf("expected expanded queries, got %+v", result.ExpandedQueries)
	}
}

func TestProcessExpansionParsesFencedJSON(t *testing.T) {
	stub := &stubProvider{text: "Sure, here you go:\n```json\n{\"intent\":\"x\",\"primary_query\":\"cleaned query\",\"expanded_queries\":[]}\n```"}
	p := newTestHarness(stub, Config{ExpansionEnabled: true})
	result := p.Process(context.Background(), "original raw query")
	if result.Method != MethodLLM || result.ProcessedQuery != "cleaned query" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestProcessFallsBackToRewriteOnBadExpansionJSON(t *testing.T) {
	stub := &stubProvider{text: "not json at all"}
	p := newTestHarness(stub, Config{ExpansionEnabled: true})
	result := p.Process(context.Background(), "original raw query")
	// rewrite also returns "not json at all" which differs from input and is >=2 chars
	if result.Method != MethodLLM {
		t.Errorf("expected rewrite fallback to succeed, got %+v", result)
	}
}

func TestProcessDegradesOnProviderError(t *testing.T) {
	stub := &stubProvider{err: context.DeadlineExceeded}
	p := newTestHarness(stub, Config{ExpansionEnabled: true})
	result := p.Process(context.Background(), "original raw query")
	if result.Method != MethodOriginal {
		t.Errorf("expected original on provider error, got %+v", result)
	}
}

func TestProcessDegradesWhenRateLimited(t *testing.T) {
	limiter := ratelimit.New(1, 0)
	limiter.TryAcquire() // drain the single token
	q := queue.New(2, 10)
	p := New(&stubProvider{text: "whatever"}, limiter, q, Config{})
	result := p.Process(context.Background(), "original raw query")
	if result.Method != MethodOriginal {
		t.Errorf("expected original when rate limited, got %+v", result)
	}
}

func TestExtractLargestBraces(t *testing.T) {
	raw := `prefix text {"a":1} suffix`
	got, ok := extractLargestBraces(raw)
	if !ok || got != `{"a":1}` {
		t.Errorf("unexpected extraction: %q ok=%v", got, ok)
	}
}
