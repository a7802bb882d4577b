// Package chat implements the chat orchestrator (C12): query rewriting,
// multi-query search, context assembly, streaming LLM inference, and typed
// event emission, including partial-failure recovery.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/knoguchi/rag/internal/llm"
	"github.com/knoguchi/rag/internal/memory"
	"github.com/knoguchi/rag/internal/ratelimit"
	"github.com/knoguchi/rag/internal/search"
)

// EventType tags a chat-stream event, per §3's Event taxonomy.
type EventType string

const (
	EventRunStarted       EventType = "RUN_STARTED"
	EventTextMessageStart EventType = "TEXT_MESSAGE_START"
	EventTextMessageChunk EventType = "TEXT_MESSAGE_CHUNK"
	EventTextMessageEnd   EventType = "TEXT_MESSAGE_END"
	EventCustom           EventType = "CUSTOM"
	EventRunError         EventType = "RUN_ERROR"
	EventRunFinished      EventType = "RUN_FINISHED"
)

// Source is one entry of the knowledge_sources CUSTOM event payload.
type Source struct {
	ChunkID         string  `json:"chunk_id"`
	DocumentTitle   string  `json:"document_title"`
	ContentPreview  string  `json:"content_preview"`
	Score           float64 `json:"score"`
}

// Event is one element of a chat_stream sequence.
type Event struct {
	Type      EventType `json:"type"`
	ThreadID  string    `json:"threadId"`
	RunID     string    `json:"runId"`
	MessageID string    `json:"messageId,omitempty"`
	Role      string    `json:"role,omitempty"`
	Delta     string    `json:"delta,omitempty"`
	Name      string    `json:"name,omitempty"`
	Value     any       `json:"value,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Options are the per-request overrides accepted by a chat call.
type Options struct {
	SearchLimit    int
	Temperature    float64
	MaxTokens      int
	IncludeSources *bool
}

// Request is the input to Chat / ChatStream.
type Request struct {
	Message  string
	ThreadID string
	RunID    string
	UserID   string
	Options  Options
}

// Response is the synchronous chat variant's output.
type Response struct {
	ThreadID  string
	RunID     string
	MessageID string
	Response  string
	Sources   []Source
	Usage     llm.Usage
}

// Config carries the chat-specific defaults named in §4.12.
type Config struct {
	DefaultTemperature   float64
	DefaultMaxTokens     int
	DefaultSearchLimit   int
	IncludeSourcesDefault bool
	SystemPromptTemplate string // contains "{context}"
}

// Orchestrator is the chat orchestrator (C12).
type Orchestrator struct {
	engine  *search.Engine
	provider llm.Provider
	limiter *ratelimit.Limiter
	memory  *memory.Store
	cfg     Config
}

// New constructs an Orchestrator.
func New(engine *search.Engine, provider llm.Provider, limiter *ratelimit.Limiter, mem *memory.Store, cfg Config) *Orchestrator {
	if cfg.DefaultTemperature == 0 {
		cfg.DefaultTemperature = 0.7
	}
	if cfg.DefaultMaxTokens == 0 {
		cfg.DefaultMaxTokens = 2048
	}
	if cfg.DefaultSearchLimit == 0 {
		cfg.DefaultSearchLimit = 5
	}
	if cfg.SystemPromptTemplate == "" {
		cfg.SystemPromptTemplate = "You are a helpful assistant. Use the following context to answer the user's question.\n\n{context}"
	}
	return &Orchestrator{engine: engine, provider: provider, limiter: limiter, memory: mem, cfg: cfg}
}

// ErrRateLimited is returned by ChatStream/Chat when chat-rate admission is
// rejected; no events are emitted for this outcome (§4.12 step 2).
var ErrRateLimited = errors.New("rate_limited")

// historyTurns bounds how many prior turns (user+assistant pairs) are folded
// into the prompt for a repeated threadId.
const historyTurns = 6

type runPrep struct {
	threadID       string
	runID          string
	messageID      string
	searchLimit    int
	temperature    float64
	maxTokens      int
	includeSources bool
	sources        []Source
	systemPrompt   string
	history        []llm.Message
}

func (o *Orchestrator) prepare(ctx context.Context, req Request) (runPrep, error) {
	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	messageID := uuid.NewString()

	searchLimit := req.Options.SearchLimit
	if searchLimit <= 0 {
		searchLimit = o.cfg.DefaultSearchLimit
	}
	temperature := req.Options.Temperature
	if temperature == 0 {
		temperature = o.cfg.DefaultTemperature
	}
	maxTokens := req.Options.MaxTokens
	if maxTokens == 0 {
		maxTokens = o.cfg.DefaultMaxTokens
	}
	includeSources := o.cfg.IncludeSourcesDefault
	if req.Options.IncludeSources != nil {
		includeSources = *req.Options.IncludeSources
	}

	userID := req.UserID
	if userID == "" {
		userID = "anonymous"
	}

	var chunks []search.ProviderChunk
	if o.engine != nil {
		resp, err := o.engine.Search(ctx, userID, req.Message, searchLimit, 0, nil)
		if err == nil {
			chunks = resp.Chunks
		}
	}

	sources := make([]Source, 0, len(chunks))
	for _, c := range chunks {
		sources = append(sources, Source{
			ChunkID:        c.ChunkID,
			DocumentTitle:  c.DocumentTitle,
			ContentPreview: preview(c.Content, 100),
			Score:          c.Score,
		})
	}

	systemPrompt := strings.Replace(o.cfg.SystemPromptTemplate, "{context}", buildContextText(chunks), 1)

	var history []llm.Message
	if o.memory != nil {
		for _, m := range o.memory.GetRecentHistory(threadID, historyTurns*2) {
			history = append(history, llm.Message{Role: m.Role, Content: m.Content})
		}
	}

	return runPrep{
		threadID:       threadID,
		runID:          runID,
		messageID:      messageID,
		searchLimit:    searchLimit,
		temperature:    temperature,
		maxTokens:      maxTokens,
		includeSources: includeSources,
		sources:        sources,
		systemPrompt:   systemPrompt,
		history:        history,
	}, nil
}

// buildMessages assembles the system prompt, any prior turns for a repeated
// thread, and the current user message, in that order.
func buildMessages(prep runPrep, userMessage string) []llm.Message {
	messages := make([]llm.Message, 0, len(prep.history)+2)
	messages = append(messages, llm.Message{Role: "system", Content: prep.systemPrompt})
	messages = append(messages, prep.history...)
	messages = append(messages, llm.Message{Role: "user", Content: userMessage})
	return messages
}

func preview(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "..."
}

// buildContextText joins retrieved chunks per §4.12 step 7.
func buildContextText(chunks []search.ProviderChunk) string {
	if len(chunks) == 0 {
		return "No relevant context was found for this query."
	}
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		label := c.DocumentTitle
		if label == "" {
			label = fmt.Sprintf("chunk %d", i)
		}
		parts[i] = fmt.Sprintf("【%s】\n%s", label, c.Content)
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// ChatStream runs the streaming variant of the §4.12 algorithm, sending
// events to the returned channel. The channel is always closed after exactly
// one of RUN_FINISHED or RUN_ERROR.
func (o *Orchestrator) ChatStream(ctx context.Context, req Request) (<-chan Event, error) {
	if o.limiter != nil && !o.limiter.TryAcquire() {
		return nil, ErrRateLimited
	}

	out := make(chan Event)
	go o.runStream(ctx, req, out)
	return out, nil
}

func (o *Orchestrator) runStream(ctx context.Context, req Request, out chan<- Event) {
	defer close(out)

	prep, err := o.prepare(ctx, req)
	if err != nil {
		out <- Event{Type: EventRunError, Error: err.Error()}
		return
	}

	out <- Event{Type: EventRunStarted, ThreadID: prep.threadID, RunID: prep.runID}

	if prep.includeSources && len(prep.sources) > 0 {
		out <- Event{Type: EventCustom, ThreadID: prep.threadID, RunID: prep.runID, Name: "knowledge_sources", Value: prep.sources}
	}

	llmReq := llm.Request{
		Messages:    buildMessages(prep, req.Message),
		Temperature: prep.temperature,
		MaxTokens:   prep.maxTokens,
	}

	if o.provider == nil {
		out <- Event{Type: EventRunError, ThreadID: prep.threadID, RunID: prep.runID, Error: "llm_unavailable"}
		return
	}

	stream, err := o.provider.InferStream(ctx, llmReq)
	if err != nil {
		out <- Event{Type: EventRunError, ThreadID: prep.threadID, RunID: prep.runID, Error: err.Error()}
		return
	}

	out <- Event{Type: EventTextMessageStart, ThreadID: prep.threadID, RunID: prep.runID, MessageID: prep.messageID, Role: "assistant"}

	var answer strings.Builder
	var usage llm.Usage
	var gotUsage bool

	for chunk := range stream {
		switch chunk.Type {
		case llm.StreamChunkContent:
			answer.WriteString(chunk.Content)
			out <- Event{Type: EventTextMessageChunk, ThreadID: prep.threadID, RunID: prep.runID, MessageID: prep.messageID, Delta: chunk.Content}
		case llm.StreamChunkDone:
			usage = chunk.Usage
			gotUsage = usage.TotalTokens > 0
		case llm.StreamChunkError:
			out <- Event{Type: EventRunError, ThreadID: prep.threadID, RunID: prep.runID, Error: chunk.Err.Error()}
			return
		}
	}

	out <- Event{Type: EventTextMessageEnd, ThreadID: prep.threadID, RunID: prep.runID, MessageID: prep.messageID}

	if gotUsage {
		out <- Event{Type: EventCustom, ThreadID: prep.threadID, RunID: prep.runID, Name: "token_usage", Value: usage}
	}

	if o.memory != nil {
		o.memory.AddUserMessage(prep.threadID, req.Message)
		o.memory.AddAssistantMessage(prep.threadID, answer.String())
	}

	out <- Event{Type: EventRunFinished, ThreadID: prep.threadID, RunID: prep.runID}
}

// Chat runs the synchronous variant of §4.12: one blocking Infer call.
func (o *Orchestrator) Chat(ctx context.Context, req Request) (Response, error) {
	if o.limiter != nil && !o.limiter.TryAcquire() {
		return Response{}, ErrRateLimited
	}

	prep, err := o.prepare(ctx, req)
	if err != nil {
		return Response{}, err
	}

	if o.provider == nil {
		return Response{}, fmt.Errorf("llm_unavailable")
	}

	llmReq := llm.Request{
		Messages:    buildMessages(prep, req.Message),
		Temperature: prep.temperature,
		MaxTokens:   prep.maxTokens,
	}

	resp, err := o.provider.Infer(ctx, llmReq)
	if err != nil {
		return Response{}, fmt.Errorf("llm inference failed: %w", err)
	}

	if o.memory != nil {
		o.memory.AddUserMessage(prep.threadID, req.Message)
		o.memory.AddAssistantMessage(prep.threadID, resp.Text)
	}

	out := Response{
		ThreadID:  prep.threadID,
		RunID:     prep.runID,
		MessageID: prep.messageID,
		Response:  resp.Text,
		Usage:     resp.Usage,
	}
	if prep.includeSources {
		out.Sources = prep.sources
	}
	return out, nil
}
