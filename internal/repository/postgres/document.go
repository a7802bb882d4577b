package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/knoguchi/rag/internal/repository"
)

// DocumentRepo implements repository.DocumentRepository over Postgres. It
// does not persist chunk rows — only chunks_count, from which chunk IDs are
// reconstructed on demand (repository.Document.ChunkIDs).
type DocumentRepo struct {
	db *DB
}

// NewDocumentRepo creates a new document repository.
func NewDocumentRepo(db *DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

// Upsert inserts or replaces a document by document_id. updated_at is always
// set to now.
func (r *DocumentRepo) Upsert(ctx context.Context, doc *repository.Document) error {
	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}

	var contentHash any
	if doc.ContentHash != "" {
		contentHash = doc.ContentHash
	}

	query := `
		INSERT INTO documents (
			id, document_id, tenant_id, title, category, description, metadata,
			status, chunks_count, media_type, media_url, content_hash,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		ON CONFLICT (document_id) DO UPDATE SET
			title = EXCLUDED.title,
			category = EXCLUDED.category,
			description = EXCLUDED.description,
			metadata = EXCLUDED.metadata,
			status = EXCLUDED.status,
			chunks_count = EXCLUDED.chunks_count,
			media_type = EXCLUDED.media_type,
			media_url = EXCLUDED.media_url,
			content_hash = EXCLUDED.content_hash,
			updated_at = NOW()
	`
	createdAt := doc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = r.db.Pool.Exec(ctx, query,
		doc.ID, doc.DocumentID, doc.TenantID, doc.Title, doc.Category, doc.Description, metadataJSON,
		doc.Status, doc.ChunksCount, doc.MediaType, doc.MediaURL, contentHash, createdAt)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

// Get retrieves a document by its external document_id.
func (r *DocumentRepo) Get(ctx context.Context, documentID string) (*repository.Document, error) {
	query := documentSelectQuery + ` WHERE document_id = $1`
	return r.scanDocument(ctx, query, documentID)
}

// Exists reports whether a document_id is present.
func (r *DocumentRepo) Exists(ctx context.Context, documentID string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM documents WHERE document_id = $1)`, documentID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check document existence: %w", err)
	}
	return exists, nil
}

// FindByContentHash looks up a non-failed document by content hash, scoped
// to a tenant.
func (r *DocumentRepo) FindByContentHash(ctx context.Context, tenantID, hash string) (*repository.Document, error) {
	query := documentSelectQuery + ` WHERE tenant_id = $1 AND content_hash = $2 AND status != 'failed'`
	return r.scanDocument(ctx, query, tenantID, hash)
}

// HashExists reports whether a non-failed document with this content hash
// exists for the tenant.
func (r *DocumentRepo) HashExists(ctx context.Context, tenantID, hash string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM documents WHERE tenant_id = $1 AND content_hash = $2 AND status != 'failed')`,
		tenantID, hash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check hash existence: %w", err)
	}
	return exists, nil
}

const documentSelectQuery = `
	SELECT id, document_id, tenant_id, title, category, description, metadata,
	       status, chunks_count, media_type, media_url, COALESCE(content_hash, ''),
	       created_at, updated_at
	FROM documents
`

func (r *DocumentRepo) scanDocument(ctx context.Context, query string, args ...any) (*repository.Document, error) {
	var doc repository.Document
	var metadataJSON []byte

	err := r.db.Pool.QueryRow(ctx, query, args...).Scan(
		&doc.ID, &doc.DocumentID, &doc.TenantID, &doc.Title, &doc.Category, &doc.Description, &metadataJSON,
		&doc.Status, &doc.ChunksCount, &doc.MediaType, &doc.MediaURL, &doc.ContentHash,
		&doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("get document: %w", err)
	}

	doc.Metadata = make(map[string]any)
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}

	return &doc, nil
}

// List retrieves documents for a tenant ordered by created_at desc.
func (r *DocumentRepo) List(ctx context.Context, tenantID string, limit, offset int) ([]*repository.Document, int, error) {
	var total int
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM documents WHERE tenant_id = $1`, tenantID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count documents: %w", err)
	}

	query := documentSelectQuery + ` WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.db.Pool.Query(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []*repository.Document
	for rows.Next() {
		var doc repository.Document
		var metadataJSON []byte
		if err := rows.Scan(&doc.ID, &doc.DocumentID, &doc.TenantID, &doc.Title, &doc.Category, &doc.Description, &metadataJSON,
			&doc.Status, &doc.ChunksCount, &doc.MediaType, &doc.MediaURL, &doc.ContentHash,
			&doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan document: %w", err)
		}
		doc.Metadata = make(map[string]any)
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &doc.Metadata); err != nil {
				return nil, 0, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		docs = append(docs, &doc)
	}

	return docs, total, nil
}

// Count returns the number of documents for a tenant.
func (r *DocumentRepo) Count(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM documents WHERE tenant_id = $1`, tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return count, nil
}

// Delete removes a document row by document_id.
func (r *DocumentRepo) Delete(ctx context.Context, documentID string) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM documents WHERE document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ImportLegacySnapshot imports docs exactly once, guarded by a one-row
// schema_migrations marker, within a single transaction.
func (r *DocumentRepo) ImportLegacySnapshot(ctx context.Context, docs []*repository.Document) (bool, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var already bool
	err = tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE name = 'legacy_snapshot_import')`).Scan(&already)
	if err != nil {
		return false, fmt.Errorf("check migration marker: %w", err)
	}
	if already {
		return false, nil
	}

	batch := &pgx.Batch{}
	for _, doc := range docs {
		metadataJSON, mErr := json.Marshal(doc.Metadata)
		if mErr != nil {
			return false, fmt.Errorf("marshal metadata: %w", mErr)
		}
		id := doc.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		var contentHash any
		if doc.ContentHash != "" {
			contentHash = doc.ContentHash
		}
		batch.Queue(`
			INSERT INTO documents (
				id, document_id, tenant_id, title, category, description, metadata,
				status, chunks_count, media_type, media_url, content_hash, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13)
			ON CONFLICT (document_id) DO NOTHING
		`, id, doc.DocumentID, doc.TenantID, doc.Title, doc.Category, doc.Description, metadataJSON,
			doc.Status, doc.ChunksCount, doc.MediaType, doc.MediaURL, contentHash, doc.CreatedAt)
	}
	batch.Queue(`INSERT INTO schema_migrations (name, applied_at) VALUES ('legacy_snapshot_import', NOW())`)

	results := tx.SendBatch(ctx, batch)
	for i := 0; i < len(docs)+1; i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return false, fmt.Errorf("import legacy snapshot: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return false, fmt.Errorf("close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return true, nil
}

// Ensure DocumentRepo implements the interface.
var _ repository.DocumentRepository = (*DocumentRepo)(nil)
