package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository persists the catalog to a Postgres table, allowing
// multiple server replicas to share one artifact index.
type PostgresRepository struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// PostgresOption configures a PostgresRepository instance.
type PostgresOption func(*PostgresRepository)

// WithAcquireTimeout bounds each catalog query when the pool is saturated.
func WithAcquireTimeout(timeout time.Duration) PostgresOption {
	return func(r *PostgresRepository) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

const artifactSchema = `
CREATE TABLE IF NOT EXISTS upload_artifacts (
    name TEXT PRIMARY KEY,
    file_name TEXT NOT NULL DEFAULT '',
    path TEXT NOT NULL,
    size_bytes BIGINT NOT NULL,
    checksum TEXT NOT NULL DEFAULT '',
    session_id TEXT NOT NULL,
    total_chunks INTEGER NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
)`

// NewPostgresRepository opens a Postgres-backed catalog using the provided DSN
// and ensures the schema exists.
func NewPostgresRepository(dsn string, opts ...PostgresOption) (*PostgresRepository, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres catalog dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres catalog config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres catalog pool: %w", err)
	}
	repo := &PostgresRepository{pool: pool}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	ctx, cancel := repo.operationContext(context.Background())
	defer cancel()
	if _, err := pool.Exec(ctx, artifactSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure catalog schema: %w", err)
	}
	return repo, nil
}

func (r *PostgresRepository) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

// Close releases the Postgres connection pool resources.
func (r *PostgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Ping verifies connectivity to the backing database.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	if r.pool == nil {
		return fmt.Errorf("postgres catalog pool not configured")
	}
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	return r.pool.Ping(ctx)
}

// Put inserts the artifact record; names are unique by construction, so a
// conflict indicates a duplicate finalization and is reported as an error.
func (r *PostgresRepository) Put(ctx context.Context, artifact Artifact) error {
	if r.pool == nil {
		return fmt.Errorf("postgres catalog pool not configured")
	}
	if artifact.Name == "" {
		return fmt.Errorf("artifact name is required")
	}
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	_, err := r.pool.Exec(ctx, `
INSERT INTO upload_artifacts (name, file_name, path, size_bytes, checksum, session_id, total_chunks, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`, artifact.Name, artifact.FileName, artifact.Path, artifact.SizeBytes, artifact.Checksum, artifact.SessionID, artifact.TotalChunks, artifact.CreatedAt.UTC())
	return err
}

// Get fetches a single artifact record by generated name.
func (r *PostgresRepository) Get(ctx context.Context, name string) (Artifact, bool, error) {
	if r.pool == nil {
		return Artifact{}, false, fmt.Errorf("postgres catalog pool not configured")
	}
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	row := r.pool.QueryRow(ctx, `
SELECT name, file_name, path, size_bytes, checksum, session_id, total_chunks, created_at
FROM upload_artifacts
WHERE name = $1
`, name)
	artifact, err := scanArtifact(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Artifact{}, false, nil
		}
		return Artifact{}, false, err
	}
	return artifact, true, nil
}

// List returns all artifact records, newest first.
func (r *PostgresRepository) List(ctx context.Context) ([]Artifact, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("postgres catalog pool not configured")
	}
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `
SELECT name, file_name, path, size_bytes, checksum, session_id, total_chunks, created_at
FROM upload_artifacts
ORDER BY created_at DESC, name ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var artifacts []Artifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, rows.Err()
}

// Delete removes an artifact record.
func (r *PostgresRepository) Delete(ctx context.Context, name string) error {
	if r.pool == nil {
		return fmt.Errorf("postgres catalog pool not configured")
	}
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	tag, err := r.pool.Exec(ctx, `DELETE FROM upload_artifacts WHERE name = $1`, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("artifact %s not found", name)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (Artifact, error) {
	var artifact Artifact
	if err := row.Scan(
		&artifact.Name,
		&artifact.FileName,
		&artifact.Path,
		&artifact.SizeBytes,
		&artifact.Checksum,
		&artifact.SessionID,
		&artifact.TotalChunks,
		&artifact.CreatedAt,
	); err != nil {
		return Artifact{}, err
	}
	return artifact, nil
}
