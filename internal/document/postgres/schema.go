// Package postgres provides a PostgreSQL-backed [document.Store].
//
// Documents live in a single table. Blocks, segments and metadata are stored
// as JSONB so the block schema can evolve without migrations; title and
// language are duplicated into columns for listing.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlDocuments = `
CREATE TABLE IF NOT EXISTS documents (
    id          TEXT         PRIMARY KEY,
    title       TEXT         NOT NULL DEFAULT '',
    language    TEXT         NOT NULL DEFAULT '',
    meta        JSONB        NOT NULL DEFAULT '{}',
    blocks      JSONB        NOT NULL DEFAULT '[]',
    segments    JSONB        NOT NULL DEFAULT '[]',
    version     INTEGER      NOT NULL DEFAULT 1,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_documents_created_at
    ON documents (created_at DESC);
`

// Migrate creates the documents table if it does not exist. It is idempotent
// and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlDocuments); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
