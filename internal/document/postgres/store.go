package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/dicttr/internal/document"
	"github.com/MrWong99/dicttr/pkg/align"
)

var _ document.Store = (*Store)(nil)

// uniqueViolation is the SQLSTATE of a duplicate primary key.
const uniqueViolation = "23505"

// Store implements [document.Store] on PostgreSQL. All operations are safe
// for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, pings it and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Ping reports whether the database is reachable. Used by the readiness
// probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Create implements [document.Store].
func (s *Store) Create(ctx context.Context, doc *document.Document) error {
	id := doc.ID
	if id == "" {
		id = uuid.NewString()
	}
	m := doc.Meta
	m.Stats = align.Summarize(doc.Blocks)

	meta, blocks, segments, err := encode(m, doc.Blocks, doc.Segments)
	if err != nil {
		return fmt.Errorf("postgres store: create: %w", err)
	}

	const q = `
		INSERT INTO documents (id, title, language, meta, blocks, segments, version)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6::jsonb, 1)
		RETURNING version, created_at, updated_at`
	var (
		version          int
		created, updated time.Time
	)
	err = s.pool.QueryRow(ctx, q,
		id, m.Title, m.Language, meta, blocks, segments,
	).Scan(&version, &created, &updated)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return document.ErrExists
		}
		return fmt.Errorf("postgres store: create: %w", err)
	}
	doc.ID, doc.Version = id, version
	doc.CreatedAt, doc.UpdatedAt = created, updated
	doc.Meta.Stats = m.Stats
	return nil
}

// Get implements [document.Store].
func (s *Store) Get(ctx context.Context, id string) (*document.Document, error) {
	const q = `
		SELECT id, meta, blocks, segments, version, created_at, updated_at
		FROM documents WHERE id = $1`

	var (
		doc                    document.Document
		meta, blocks, segments []byte
	)
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&doc.ID, &meta, &blocks, &segments, &doc.Version, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if isNoRows(err) {
		return nil, document.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get: %w", err)
	}
	if err := decode(&doc, meta, blocks, segments); err != nil {
		return nil, fmt.Errorf("postgres store: get %s: %w", id, err)
	}
	return &doc, nil
}

// List implements [document.Store].
func (s *Store) List(ctx context.Context, opts document.ListOptions) ([]document.Summary, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = document.DefaultListLimit
	}
	const q = `
		SELECT id, meta, version, created_at, updated_at
		FROM documents
		ORDER BY created_at DESC, id
		LIMIT $1 OFFSET $2`

	rows, err := s.pool.Query(ctx, q, limit, max(opts.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("postgres store: list: %w", err)
	}
	defer rows.Close()

	out := []document.Summary{}
	for rows.Next() {
		var (
			doc  document.Document
			meta []byte
		)
		if err := rows.Scan(&doc.ID, &meta, &doc.Version, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres store: list scan: %w", err)
		}
		if err := json.Unmarshal(meta, &doc.Meta); err != nil {
			return nil, fmt.Errorf("postgres store: list decode %s: %w", doc.ID, err)
		}
		out = append(out, doc.Summarize())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: list: %w", err)
	}
	return out, nil
}

// UpdateBlocks implements [document.Store]. The version check and the write
// happen in one statement.
func (s *Store) UpdateBlocks(ctx context.Context, id string, expectedVersion int, blocks []align.AnnotatedBlock) (*document.Document, error) {
	stats, err := json.Marshal(align.Summarize(blocks))
	if err != nil {
		return nil, fmt.Errorf("postgres store: update: %w", err)
	}
	blocksJSON, err := json.Marshal(nonNil(blocks))
	if err != nil {
		return nil, fmt.Errorf("postgres store: update: %w", err)
	}

	const q = `
		UPDATE documents
		SET    blocks     = $3::jsonb,
		       meta       = jsonb_set(meta, '{stats}', $4::jsonb),
		       version    = version + 1,
		       updated_at = now()
		WHERE  id = $1 AND version = $2`
	tag, err := s.pool.Exec(ctx, q, id, expectedVersion, string(blocksJSON), string(stats))
	if err != nil {
		return nil, fmt.Errorf("postgres store: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM documents WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, fmt.Errorf("postgres store: update: %w", err)
		}
		if !exists {
			return nil, document.ErrNotFound
		}
		return nil, document.ErrVersionConflict
	}
	return s.Get(ctx, id)
}

// Delete implements [document.Store].
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres store: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return document.ErrNotFound
	}
	return nil
}

func encode(meta document.Meta, blocks []align.AnnotatedBlock, segments []align.Segment) (m, b, s string, err error) {
	mj, err := json.Marshal(meta)
	if err != nil {
		return "", "", "", err
	}
	bj, err := json.Marshal(nonNil(blocks))
	if err != nil {
		return "", "", "", err
	}
	sj, err := json.Marshal(nonNil(segments))
	if err != nil {
		return "", "", "", err
	}
	return string(mj), string(bj), string(sj), nil
}

func decode(doc *document.Document, meta, blocks, segments []byte) error {
	if err := json.Unmarshal(meta, &doc.Meta); err != nil {
		return fmt.Errorf("decode meta: %w", err)
	}
	if err := json.Unmarshal(blocks, &doc.Blocks); err != nil {
		return fmt.Errorf("decode blocks: %w", err)
	}
	if err := json.Unmarshal(segments, &doc.Segments); err != nil {
		return fmt.Errorf("decode segments: %w", err)
	}
	if len(doc.Segments) == 0 {
		doc.Segments = nil
	}
	return nil
}

// nonNil keeps JSONB columns as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
