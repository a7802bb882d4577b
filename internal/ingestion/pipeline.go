package ingestion

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/knoguchi/rag/internal/hashing"
	"github.com/knoguchi/rag/internal/repository"
	"github.com/knoguchi/rag/internal/vectorstore"
)

// IngestResult is the outcome of an ingest_text/ingest_file call (§6).
type IngestResult struct {
	DocumentID  string
	Status      string
	ChunksCount int
	Message     string
}

// TextRequest is the input to IngestText.
type TextRequest struct {
	TenantID    string
	Title       string
	Content     string
	Category    string
	Description string
	Metadata    map[string]any
}

// FileRequest is the input to IngestFile. Text extraction from PDF/DOCX
// bytes and blob persistence are external collaborators; Coordinator is
// handed already-extracted text plus a media URL.
type FileRequest struct {
	TenantID    string
	Title       string
	Text        string // pre-extracted text (empty for pure-media files)
	MediaType   string
	MediaURL    string
	Category    string
	Description string
	Metadata    map[string]any
}

// BackendIndexer is the subset of the vector client the coordinator needs.
type BackendIndexer interface {
	Index(ctx context.Context, docs []vectorstore.Doc) error
	IndexMultimodal(ctx context.Context, docs []vectorstore.Doc) error
	Delete(ctx context.Context, ids []string) error
}

// Coordinator is the ingestion coordinator (C11): dedup, chunk, batch-index,
// metadata commit.
type Coordinator struct {
	documents repository.DocumentRepository
	store     BackendIndexer
	chunker   *Chunker
	log       *slog.Logger
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(documents repository.DocumentRepository, store BackendIndexer, chunker *Chunker, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{documents: documents, store: store, chunker: chunker, log: log}
}

// IngestText runs the §4.11 algorithm for plain-text content.
func (c *Coordinator) IngestText(ctx context.Context, req TextRequest) (IngestResult, error) {
	if strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.Content) == "" {
		return IngestResult{}, fmt.Errorf("invalid_request: title and content are required")
	}

	contentHash := hashing.Text(req.Content)

	if existing, err := c.documents.FindByContentHash(ctx, req.TenantID, contentHash); err == nil {
		return IngestResult{
			DocumentID:  existing.DocumentID,
			Status:      repository.StatusIndexed,
			ChunksCount: existing.ChunksCount,
			Message:     "duplicate, returning existing",
		}, nil
	} else if err != repository.ErrNotFound {
		return IngestResult{}, fmt.Errorf("checking content hash: %w", err)
	}

	documentID := newDocumentID()

	chunks := c.chunker.Chunk(req.Content, documentID, req.Title, req.Metadata)
	docs := make([]vectorstore.Doc, len(chunks))
	for i, ch := range chunks {
		docs[i] = vectorstore.Doc{ID: ch.ChunkID, Text: ch.Content, Metadata: ch.Metadata}
	}

	if err := c.store.Index(ctx, docs); err != nil {
		c.log.Error("ingest index failed", "document_id", documentID, "error", err)
		c.upsertFailed(ctx, documentID, req.TenantID, req.Title, req.Category, req.Description, req.Metadata, repository.MediaText, "")
		return IngestResult{DocumentID: documentID, Status: repository.StatusFailed, ChunksCount: 0, Message: "indexing failed"}, nil
	}

	doc := &repository.Document{
		DocumentID:  documentID,
		TenantID:    req.TenantID,
		Title:       req.Title,
		Category:    req.Category,
		Description: req.Description,
		Metadata:    req.Metadata,
		Status:      repository.StatusIndexed,
		ChunksCount: len(chunks),
		MediaType:   repository.MediaText,
		ContentHash: contentHash,
	}
	if err := c.documents.Upsert(ctx, doc); err != nil {
		return IngestResult{}, fmt.Errorf("persisting document: %w", err)
	}

	return IngestResult{DocumentID: documentID, Status: repository.StatusIndexed, ChunksCount: len(chunks), Message: "ingested"}, nil
}

// IngestFile runs the §4.11 algorithm for file-derived content. When the
// extracted text is empty (pure image/video media), the title followed by the
// description is hashed and chunked in its place.
func (c *Coordinator) IngestFile(ctx context.Context, req FileRequest) (IngestResult, error) {
	if strings.TrimSpace(req.Title) == "" {
		return IngestResult{}, fmt.Errorf("invalid_request: title is required")
	}

	text := req.Text
	if strings.TrimSpace(text) == "" {
		text = strings.TrimSpace(req.Title + "\n" + req.Description)
	}
	contentHash := hashing.Text(text)

	if existing, err := c.documents.FindByContentHash(ctx, req.TenantID, contentHash); err == nil {
		return IngestResult{
			DocumentID:  existing.DocumentID,
			Status:      repository.StatusIndexed,
			ChunksCount: existing.ChunksCount,
			Message:     "duplicate, returning existing",
		}, nil
	} else if err != repository.ErrNotFound {
		return IngestResult{}, fmt.Errorf("checking content hash: %w", err)
	}

	documentID := newDocumentID()

	chunks := c.chunker.Chunk(text, documentID, req.Title, req.Metadata)
	docs := make([]vectorstore.Doc, len(chunks))
	for i, ch := range chunks {
		docs[i] = vectorstore.Doc{ID: ch.ChunkID, Text: ch.Content, Metadata: ch.Metadata}
	}

	isMultimodal := req.MediaType == repository.MediaImage || req.MediaType == repository.MediaVideo
	indexErr := error(nil)
	if isMultimodal {
		indexErr = c.store.IndexMultimodal(ctx, docs)
	} else {
		indexErr = c.store.Index(ctx, docs)
	}

	if indexErr != nil {
		c.log.Error("ingest index failed", "document_id", documentID, "error", indexErr)
		c.upsertFailed(ctx, documentID, req.TenantID, req.Title, req.Category, req.Description, req.Metadata, req.MediaType, req.MediaURL)
		return IngestResult{DocumentID: documentID, Status: repository.StatusFailed, ChunksCount: 0, Message: "indexing failed"}, nil
	}

	doc := &repository.Document{
		DocumentID:  documentID,
		TenantID:    req.TenantID,
		Title:       req.Title,
		Category:    req.Category,
		Description: req.Description,
		Metadata:    req.Metadata,
		Status:      repository.StatusIndexed,
		ChunksCount: len(chunks),
		MediaType:   req.MediaType,
		MediaURL:    req.MediaURL,
		ContentHash: contentHash,
	}
	if err := c.documents.Upsert(ctx, doc); err != nil {
		return IngestResult{}, fmt.Errorf("persisting document: %w", err)
	}

	return IngestResult{DocumentID: documentID, Status: repository.StatusIndexed, ChunksCount: len(chunks), Message: "ingested"}, nil
}

// upsertFailed records a failed ingestion attempt without a content_hash, so
// the client may retry with the same content (§4.11 step 9).
func (c *Coordinator) upsertFailed(ctx context.Context, documentID, tenantID, title, category, description string, metadata map[string]any, mediaType, mediaURL string) {
	doc := &repository.Document{
		DocumentID:  documentID,
		TenantID:    tenantID,
		Title:       title,
		Category:    category,
		Description: description,
		Metadata:    metadata,
		Status:      repository.StatusFailed,
		ChunksCount: 0,
		MediaType:   mediaType,
		MediaURL:    mediaURL,
	}
	if err := c.documents.Upsert(ctx, doc); err != nil {
		c.log.Error("failed to persist failed-ingestion marker", "document_id", documentID, "error", err)
	}
}

// Delete removes a document: its chunks from the vector backend, then its
// metadata row (§4.11 "Delete document_id").
func (c *Coordinator) Delete(ctx context.Context, documentID string) error {
	doc, err := c.documents.Get(ctx, documentID)
	if err != nil {
		return fmt.Errorf("looking up document: %w", err)
	}

	if chunkIDs := doc.ChunkIDs(); len(chunkIDs) > 0 {
		if err := c.store.Delete(ctx, chunkIDs); err != nil {
			return fmt.Errorf("deleting chunks: %w", err)
		}
	}

	return c.documents.Delete(ctx, documentID)
}

// newDocumentID generates an opaque document_id: doc_<timebase36>_<rand36>.
func newDocumentID() string {
	timePart := strconv.FormatInt(time.Now().UnixNano(), 36)
	randPart := randomBase36(8)
	return fmt.Sprintf("doc_%s_%s", timePart, randPart)
}

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func randomBase36(n int) string {
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(base36Alphabet))))
		if err != nil {
			out[i] = base36Alphabet[0]
			continue
		}
		out[i] = base36Alphabet[idx.Int64()]
	}
	return string(out)
}
