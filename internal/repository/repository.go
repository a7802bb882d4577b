// Package repository defines the domain model and persistence interface for
// the metadata store (C7): documents keyed by document_id, with content-hash
// deduplication and derived chunk IDs.
package repository

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("not found")

// Document statuses.
const (
	StatusIndexed    = "indexed"
	StatusProcessing = "processing"
	StatusFailed     = "failed"
)

// Media types.
const (
	MediaText     = "text"
	MediaImage    = "image"
	MediaVideo    = "video"
	MediaAudio    = "audio"
	MediaDocument = "document"
)

// Document is a unit of ingested content.
type Document struct {
	ID          uuid.UUID
	DocumentID  string // opaque external ID: doc_<timebase36>_<rand36>
	TenantID    string
	Title       string
	Category    string
	Description string
	Metadata    map[string]any
	Status      string
	ChunksCount int
	MediaType   string
	MediaURL    string
	// ContentHash is empty when Status == StatusFailed, per the policy of
	// not recording the hash on failed ingestion attempts (enables retry).
	ContentHash string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ChunkIDs reconstructs this document's chunk IDs from ChunksCount, since the
// store does not persist chunk rows.
func (d *Document) ChunkIDs() []string {
	if d.ChunksCount <= 0 {
		return nil
	}
	ids := make([]string, d.ChunksCount)
	for i := 0; i < d.ChunksCount; i++ {
		ids[i] = d.DocumentID + "_chunk_" + strconv.Itoa(i)
	}
	return ids
}

// DocumentRepository is the metadata store's persistence contract (C7).
type DocumentRepository interface {
	Upsert(ctx context.Context, doc *Document) error
	Get(ctx context.Context, documentID string) (*Document, error)
	Exists(ctx context.Context, documentID string) (bool, error)
	Delete(ctx context.Context, documentID string) error

	FindByContentHash(ctx context.Context, tenantID, hash string) (*Document, error)
	HashExists(ctx context.Context, tenantID, hash string) (bool, error)

	List(ctx context.Context, tenantID string, limit, offset int) ([]*Document, int, error)
	Count(ctx context.Context, tenantID string) (int, error)

	// ImportLegacySnapshot imports docs exactly once, marking the snapshot
	// migrated on success. Returns (false, nil) if already migrated.
	ImportLegacySnapshot(ctx context.Context, docs []*Document) (imported bool, err error)
}
