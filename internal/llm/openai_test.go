package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestInferRetriesOnServerError(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"model":"m","choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"total_tokens":3}}`)
	}))
	defer srv.Close()

	p := newOpenAIProvider(srv.URL, "key", "m", 2*time.Second, 3, 10*time.Millisecond)
	resp, err := p.Infer(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "hi" {
		t.Errorf("unexpected text: %q", resp.Text)
	}
	if calls < 2 {
		t.Errorf("expected retry, got %d calls", calls)
	}
}

func TestInferDoesNotRetryOn4xx(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p := newOpenAIProvider(srv.URL, "key", "m", 2*time.Second, 3, 10*time.Millisecond)
	_, err := p.Infer(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected no retry on 4xx, got %d calls", calls)
	}
}

func TestInferStreamOrdersChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		lines := []string{
			`data: {"choices":[{"delta":{"content":"hel"}}]}`,
			`data: {"choices":[{"delta":{"content":"lo"}}]}`,
			`data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"total_tokens":5}}`,
			`data: [DONE]`,
		}
		for _, l := range lines {
			fmt.Fprintln(w, l)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	p := newOpenAIProvider(srv.URL, "key", "m", 2*time.Second, 0, 0)
	ch, err := p.InferStream(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var content strings.Builder
	var gotDone bool
	for chunk := range ch {
		switch chunk.Type {
		case StreamChunkContent:
			content.WriteString(chunk.Content)
		case StreamChunkDone:
			gotDone = true
			if chunk.Usage.TotalTokens != 5 {
				t.Errorf("expected usage total 5, got %d", chunk.Usage.TotalTokens)
			}
			if chunk.FinishReason != "stop" {
				t.Errorf("expected finish_reason stop, got %q", chunk.FinishReason)
			}
		case StreamChunkError:
			t.Fatalf("unexpected error chunk: %v", chunk.Err)
		}
	}
	if content.String() != "hello" {
		t.Errorf("expected concatenated content 'hello', got %q", content.String())
	}
	if !gotDone {
		t.Error("expected a done chunk")
	}
}

func TestHealthChecksModelsEndpoint(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newOpenAIProvider(srv.URL, "key", "m", 2*time.Second, 0, 0)
	if !p.Health(context.Background()) {
		t.Error("expected health true")
	}
	if path != "/models" {
		t.Errorf("expected /models, got %q", path)
	}
}

func TestHealthFalseOnUnreachable(t *testing.T) {
	p := newOpenAIProvider("http://127.0.0.1:1", "key", "m", time.Second, 0, 0)
	if p.Health(context.Background()) {
		t.Error("expected health false against unreachable backend")
	}
}

// ensure the SSE parser reads data lines longer than bufio.Scanner's default
// 64 KiB token limit
func TestScannerHandlesLongLines(t *testing.T) {
	long := strings.Repeat("a", 100*1024)
	body := io.NopCloser(strings.NewReader(`data: {"choices":[{"delta":{"content":"` + long + `"}}]}` + "\n"))

	p := newOpenAIProvider("http://unused", "key", "m", time.Second, 0, 0)
	out := make(chan StreamChunk)
	go p.streamSSE(context.Background(), body, out)

	var content strings.Builder
	for chunk := range out {
		if chunk.Type == StreamChunkError {
			t.Fatalf("unexpected error chunk: %v", chunk.Err)
		}
		if chunk.Type == StreamChunkContent {
			content.WriteString(chunk.Content)
		}
	}
	if content.String() != long {
		t.Errorf("unexpected content length: got %d, want %d", content.Len(), len(long))
	}
}
