package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// openAIProvider implements Provider against an OpenAI-compatible
// /chat/completions endpoint. It backs every provider-type variant
// (openai, deepseek, litellm, generic); they differ only in default
// endpoint, resolved in NewProvider.
type openAIProvider struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
}

func newOpenAIProvider(endpoint, apiKey, model string, timeout time.Duration, maxRetries int, retryDelay time.Duration) *openAIProvider {
	return &openAIProvider{
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Stream        bool           `json:"stream"`
	Temperature   float64        `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	Delta        chatMessage `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

func toChatMessages(req Request) []chatMessage {
	out := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		out[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// httpStatusError carries the HTTP status of a non-2xx response so callers
// can distinguish retryable server errors from non-retryable 4xx errors.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("llm backend status %d: %s", e.status, e.body)
}

func (e *httpStatusError) retryable() bool {
	return e.status >= 500
}

// Infer issues a blocking POST /chat/completions with stream=false, retrying
// on network error, timeout, or 5xx response with exponential back-off; 4xx
// responses are never retried.
func (p *openAIProvider) Infer(ctx context.Context, req Request) (Response, error) {
	body := chatRequest{
		Model:       firstNonEmpty(req.Model, p.model),
		Messages:    toChatMessages(req),
		Stream:      false,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	var resp chatResponse
	if err := p.doWithRetry(ctx, body, &resp); err != nil {
		return Response{}, err
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("llm: no choices in response")
	}

	return Response{
		Text: resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Model:        resp.Model,
		FinishReason: resp.Choices[0].FinishReason,
	}, nil
}

// doWithRetry executes the chat-completions call, retrying retryable
// failures with exponential back-off (base retryDelay, factor 2).
func (p *openAIProvider) doWithRetry(ctx context.Context, body chatRequest, out *chatResponse) error {
	delay := p.retryDelay
	var lastErr error

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		err := p.doRequest(ctx, body, out)
		if err == nil {
			return nil
		}

		var statusErr *httpStatusError
		if errors.As(err, &statusErr) && !statusErr.retryable() {
			return err
		}

		lastErr = err
		if attempt < p.maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return lastErr
}

func (p *openAIProvider) doRequest(ctx context.Context, body chatRequest, out *chatResponse) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &httpStatusError{status: resp.StatusCode, body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// InferStream issues POST /chat/completions with stream=true and
// stream_options.include_usage=true, parsing the SSE response.
func (p *openAIProvider) InferStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	body := chatRequest{
		Model:         firstNonEmpty(req.Model, p.model),
		Messages:      toChatMessages(req),
		Stream:        true,
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	// Streaming responses are not retried by this call; the caller observes
	// a single {type=error} chunk and stops, per the streaming contract.
	errorStream := func(err error) <-chan StreamChunk {
		ch := make(chan StreamChunk, 1)
		ch <- StreamChunk{Type: StreamChunkError, Err: err}
		close(ch)
		return ch
	}
	streamClient := &http.Client{}
	resp, err := streamClient.Do(httpReq)
	if err != nil {
		return errorStream(fmt.Errorf("execute request: %w", err)), nil
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return errorStream(&httpStatusError{status: resp.StatusCode, body: string(respBody)}), nil
	}

	out := make(chan StreamChunk)
	go p.streamSSE(ctx, resp.Body, out)
	return out, nil
}

func (p *openAIProvider) streamSSE(ctx context.Context, body io.ReadCloser, out chan<- StreamChunk) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var usage Usage
	var finishReason string

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			out <- StreamChunk{Type: StreamChunkDone, Usage: usage, FinishReason: finishReason}
			return
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			out <- StreamChunk{Type: StreamChunkError, Err: fmt.Errorf("parse stream chunk: %w", err)}
			return
		}

		if chunk.Usage.TotalTokens > 0 {
			usage = Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) > 0 {
			if chunk.Choices[0].FinishReason != "" {
				finishReason = chunk.Choices[0].FinishReason
			}
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				out <- StreamChunk{Type: StreamChunkContent, Content: delta}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		out <- StreamChunk{Type: StreamChunkError, Err: fmt.Errorf("read stream: %w", err)}
		return
	}
	out <- StreamChunk{Type: StreamChunkDone, Usage: usage, FinishReason: finishReason}
}

// Health treats any 2xx response from GET /models as available.
func (p *openAIProvider) Health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/models", nil)
	if err != nil {
		return false
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

var _ Provider = (*openAIProvider)(nil)
