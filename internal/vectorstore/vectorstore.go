// Package vectorstore implements the vector backend client (C6): a retrying
// HTTP-JSON client for search, hybrid search, upsert, and delete against a
// remote vector engine.
package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Error kinds surfaced to callers, per the closed failure taxonomy.
var (
	ErrBackendUnavailable = errors.New("backend_unavailable")
	ErrBackendRejected    = errors.New("backend_rejected")
	ErrProtocolError      = errors.New("protocol_error")
)

const maxBatchSize = 50

// Doc is one item to index: an opaque ID, its text, and arbitrary metadata.
type Doc struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SearchResult is one ranked hit from the backend.
type SearchResult struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
}

// Client is the vector backend client. It serializes index-path batches
// through an internal single-lane queue so /add and /upsert calls from
// concurrent ingests never interleave.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger

	callTimeout   time.Duration
	indexTimeout  time.Duration
	healthTimeout time.Duration

	indexMu sync.Mutex // serializes the add->upsert path
}

// Config configures a Client.
type Config struct {
	BaseURL       string
	CallTimeout   time.Duration
	IndexTimeout  time.Duration
	HealthTimeout time.Duration
	Logger        *slog.Logger
}

// New constructs a Client, applying defaults for unset timeouts.
func New(cfg Config) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.IndexTimeout <= 0 {
		cfg.IndexTimeout = 60 * time.Second
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL:       cfg.BaseURL,
		http:          &http.Client{},
		log:           cfg.Logger,
		callTimeout:   cfg.CallTimeout,
		indexTimeout:  cfg.IndexTimeout,
		healthTimeout: cfg.HealthTimeout,
	}
}

type searchRequest struct {
	Query   string    `json:"query"`
	Limit   int       `json:"limit"`
	Weights []float64 `json:"weights,omitempty"`
}

type searchResponse struct {
	Results []SearchResult `json:"results"`
}

// Search performs purely semantic search.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	var resp searchResponse
	if err := c.postJSON(ctx, c.callTimeout, "/search", searchRequest{Query: query, Limit: limit}, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// HybridSearch performs semantic+keyword fusion search. If the backend does
// not implement /hybrid (404) or the call fails as backend_unavailable
// (network error, timeout, or 5xx), it degrades to Search and logs at info
// level; the degradation is invisible to the caller beyond the returned mode
// string.
func (c *Client) HybridSearch(ctx context.Context, query string, limit int, weights [2]float64) (results []SearchResult, mode string, err error) {
	var resp searchResponse
	err = c.postJSON(ctx, c.callTimeout, "/hybrid", searchRequest{Query: query, Limit: limit, Weights: weights[:]}, &resp)
	if err == nil {
		return resp.Results, "hybrid", nil
	}

	var notFound notFoundError
	if errors.As(err, &notFound) || errors.Is(err, ErrBackendUnavailable) {
		c.log.Info("hybrid search unavailable, degrading to vector search", "query", query)
		results, err = c.Search(ctx, query, limit)
		return results, "vector", err
	}

	return nil, "", err
}

// Index batches docs into groups of at most maxBatchSize and commits each
// batch via POST /add then GET /upsert, retried up to 3 times with
// exponential back-off (1s, 2s, 3s). Batches are serialized against other
// concurrent Index/IndexMultimodal calls on this client.
func (c *Client) Index(ctx context.Context, docs []Doc) error {
	return c.indexVia(ctx, docs, "/add")
}

// IndexMultimodal indexes via POST /addobject, falling back to the text
// /add endpoint on 404.
func (c *Client) IndexMultimodal(ctx context.Context, docs []Doc) error {
	return c.indexVia(ctx, docs, "/addobject")
}

func (c *Client) indexVia(ctx context.Context, docs []Doc, addPath string) error {
	if len(docs) == 0 {
		return nil
	}

	c.indexMu.Lock()
	defer c.indexMu.Unlock()

	var batchErrors []error
	for start := 0; start < len(docs); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(docs) {
			end = len(docs)
		}
		if err := c.commitBatch(ctx, docs[start:end], addPath); err != nil {
			batchErrors = append(batchErrors, fmt.Errorf("batch %d-%d: %w", start, end, err))
		}
	}

	if len(batchErrors) > 0 {
		return fmt.Errorf("%w: %d batch(es) failed: %w", ErrBackendUnavailable, len(batchErrors), errors.Join(batchErrors...))
	}
	return nil
}

func (c *Client) commitBatch(ctx context.Context, docs []Doc, addPath string) error {
	delays := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}

	var lastErr error
	for attempt := 0; attempt <= len(delays); attempt++ {
		err := c.addAndUpsert(ctx, docs, addPath)
		if err == nil {
			return nil
		}

		var rejected rejectedError
		if errors.As(err, &rejected) {
			// 4xx with error body: not retryable.
			return err
		}

		lastErr = err
		if attempt < len(delays) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delays[attempt]):
			}
		}
	}
	return lastErr
}

func (c *Client) addAndUpsert(ctx context.Context, docs []Doc, addPath string) error {
	addCtx, cancel := context.WithTimeout(ctx, c.indexTimeout)
	defer cancel()

	var empty struct{}
	if err := c.postJSON(addCtx, c.indexTimeout, addPath, docs, &empty); err != nil {
		var notFound notFoundError
		if errors.As(err, &notFound) && addPath != "/add" {
			if err2 := c.postJSON(addCtx, c.indexTimeout, "/add", docs, &empty); err2 != nil {
				return err2
			}
		} else {
			return err
		}
	}

	return c.upsert(ctx)
}

// upsert commits the add buffer. A 500 status following an otherwise-empty
// buffer is treated as success, not an error, per the backend's known
// behavior.
func (c *Client) upsert(ctx context.Context) error {
	upsertCtx, cancel := context.WithTimeout(ctx, c.indexTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(upsertCtx, http.MethodGet, c.baseURL+"/upsert", nil)
	if err != nil {
		return fmt.Errorf("%w: build upsert request: %v", ErrProtocolError, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusInternalServerError && len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: upsert status %d", ErrBackendUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return rejectedError{status: resp.StatusCode, body: string(body)}
	}
	return nil
}

// Delete removes chunks by ID.
func (c *Client) Delete(ctx context.Context, ids []string) error {
	var empty struct{}
	return c.postJSON(ctx, c.callTimeout, "/delete", ids, &empty)
}

// Health probes backend availability. It never returns an error; failures
// are reported as a false result.
func (c *Client) Health(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(healthCtx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

type notFoundError struct{}

func (notFoundError) Error() string { return "not found" }

type rejectedError struct {
	status int
	body   string
}

func (e rejectedError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", ErrBackendRejected, e.status, e.body)
}
func (e rejectedError) Unwrap() error { return ErrBackendRejected }

// postJSON POSTs payload as JSON to path and decodes the response into out.
func (c *Client) postJSON(ctx context.Context, timeout time.Duration, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshal request: %v", ErrProtocolError, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrProtocolError, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrBackendUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return notFoundError{}
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrBackendUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return rejectedError{status: resp.StatusCode, body: string(respBody)}
	}

	if len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrProtocolError, err)
	}
	return nil
}
