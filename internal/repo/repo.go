package repo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// PostgresRepository provides typed access to Postgres resources.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	schema string
}

// NewPostgres opens a new connection pool to the database with the desired search_path.
func NewPostgres(ctx context.Context, databaseURL, schema string, logger *slog.Logger) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	r := &PostgresRepository{
		pool:   pool,
		logger: logger.With("component", "repo_postgres"),
		schema: schema,
	}

	if err := r.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

// Backend names the storage engine.
func (r *PostgresRepository) Backend() string { return "postgres" }

// Close releases the connection pool.
func (r *PostgresRepository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// Ping ensures the database is reachable.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations applies the embedded postgres migrations.
func (r *PostgresRepository) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()
	return ApplyMigrations(ctx, db, dialectPostgres, filesystem)
}

// -- Session credentials --

// PutCredential stores or replaces the blob for sessionID.
func (r *PostgresRepository) PutCredential(ctx context.Context, sessionID string, creds []byte) error {
	const q = `
INSERT INTO session_credentials (session_id, creds, last_updated)
VALUES ($1, $2, NOW())
ON CONFLICT (session_id) DO UPDATE SET
    creds = EXCLUDED.creds,
    last_updated = NOW();
`
	if _, err := r.pool.Exec(ctx, q, sessionID, creds); err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

// GetCredential returns the stored blob for sessionID.
func (r *PostgresRepository) GetCredential(ctx context.Context, sessionID string) (*SessionCredential, error) {
	const q = `
SELECT session_id, creds, last_updated
FROM session_credentials
WHERE session_id = $1
LIMIT 1;
`
	var c SessionCredential
	if err := r.pool.QueryRow(ctx, q, sessionID).Scan(&c.SessionID, &c.Creds, &c.LastUpdated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return &c, nil
}

// ListCredentials returns every stored credential record.
func (r *PostgresRepository) ListCredentials(ctx context.Context) ([]SessionCredential, error) {
	const q = `
SELECT session_id, creds, last_updated
FROM session_credentials
ORDER BY session_id;
`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	records := []SessionCredential{}
	for rows.Next() {
		var c SessionCredential
		if err := rows.Scan(&c.SessionID, &c.Creds, &c.LastUpdated); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		records = append(records, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return records, nil
}

// DeleteCredential removes the record; deleting a missing key is not an error.
func (r *PostgresRepository) DeleteCredential(ctx context.Context, sessionID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM session_credentials WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

// CountCredentials returns the number of stored sessions.
func (r *PostgresRepository) CountCredentials(ctx context.Context) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM session_credentials`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count credentials: %w", err)
	}
	return n, nil
}
