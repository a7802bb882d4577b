// Package postgres implements the metadata store (C7) over PostgreSQL via
// pgx.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new PostgreSQL connection pool and verifies connectivity.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// EnsureSchema creates the documents table and its indexes if they do not
// already exist. Idempotent; safe to call on every boot.
func (db *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			id UUID PRIMARY KEY,
			document_id TEXT NOT NULL UNIQUE,
			tenant_id TEXT NOT NULL DEFAULT 'default',
			title TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			chunks_count INTEGER NOT NULL DEFAULT 0,
			media_type TEXT NOT NULL DEFAULT 'text',
			media_url TEXT NOT NULL DEFAULT '',
			content_hash TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_tenant_content_hash
			ON documents (tenant_id, content_hash) WHERE content_hash IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_documents_status ON documents (status)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_category ON documents (category)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_created_at ON documents (created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}
