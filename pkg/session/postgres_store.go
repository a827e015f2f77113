package session

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const sessionsSchema = `
CREATE TABLE IF NOT EXISTS agentcore_sessions (
	id         TEXT PRIMARY KEY,
	record     JSONB NOT NULL,
	version    BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore implements Store on a Postgres table. The version column
// gives transactional compare-and-swap: saves are a single conditional
// UPDATE, so the optimistic-lock check holds across processes.
type PostgresStore struct {
	pool     *pgxpool.Pool
	ownsPool bool
	mu       sync.RWMutex
	closed   bool
}

// NewPostgresStore connects to Postgres and ensures the sessions table
// exists. The DSN is any libpq-style connection string.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, &StorageError{Backend: "postgres", Op: "connect", Err: err}
	}
	if _, err := pool.Exec(ctx, sessionsSchema); err != nil {
		pool.Close()
		return nil, &StorageError{Backend: "postgres", Op: "ensure schema", Err: err}
	}
	return &PostgresStore{pool: pool, ownsPool: true}, nil
}

// NewPostgresStoreFromPool wraps an existing pool. The caller owns the
// pool's lifecycle in this case; Close stops the store but leaves the
// pool open.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (p *PostgresStore) checkOpen() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrStoreClosed
	}
	return nil
}

// Save persists a session record under the version CAS contract.
func (p *PostgresStore) Save(ctx context.Context, s *Session, expectedVersion int64) error {
	if err := p.checkOpen(); err != nil {
		return err
	}

	data, err := Encode(s)
	if err != nil {
		return err
	}

	if expectedVersion == 0 {
		tag, err := p.pool.Exec(ctx,
			`INSERT INTO agentcore_sessions (id, record, version, updated_at)
			 VALUES ($1, $2, $3, now())
			 ON CONFLICT (id) DO NOTHING`,
			s.ID, data, s.Version)
		if err != nil {
			return &StorageError{Backend: "postgres", Op: "insert record", Err: err}
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
		// Row already exists. Either the stored version still matches
		// (a plain re-save of a version-0 record) or someone advanced it.
		return p.update(ctx, s, data, expectedVersion)
	}
	return p.update(ctx, s, data, expectedVersion)
}

func (p *PostgresStore) update(ctx context.Context, s *Session, data []byte, expectedVersion int64) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE agentcore_sessions
		 SET record = $2, version = $3, updated_at = now()
		 WHERE id = $1 AND version = $4`,
		s.ID, data, s.Version, expectedVersion)
	if err != nil {
		return &StorageError{Backend: "postgres", Op: "update record", Err: err}
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var actual int64
	err = p.pool.QueryRow(ctx,
		`SELECT version FROM agentcore_sessions WHERE id = $1`, s.ID).Scan(&actual)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return &StorageError{Backend: "postgres", Op: "read version", Err: err}
	}
	return &ConflictError{ID: s.ID, Expected: expectedVersion, Actual: actual}
}

// Get retrieves a session by ID.
func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}

	var data []byte
	err := p.pool.QueryRow(ctx,
		`SELECT record FROM agentcore_sessions WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Backend: "postgres", Op: "select record", Err: err}
	}
	return Decode(data)
}

// Delete removes a session row. Missing IDs are ignored.
func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx,
		`DELETE FROM agentcore_sessions WHERE id = $1`, id); err != nil {
		return &StorageError{Backend: "postgres", Op: "delete record", Err: err}
	}
	return nil
}

// List returns all stored session IDs.
func (p *PostgresStore) List(ctx context.Context) ([]string, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx, `SELECT id FROM agentcore_sessions`)
	if err != nil {
		return nil, &StorageError{Backend: "postgres", Op: "list records", Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &StorageError{Backend: "postgres", Op: "scan id", Err: err}
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Backend: "postgres", Op: "list records", Err: err}
	}
	return ids, nil
}

// Stats returns session count and total record bytes.
func (p *PostgresStore) Stats(ctx context.Context) (StoreStats, error) {
	if err := p.checkOpen(); err != nil {
		return StoreStats{}, err
	}

	stats := StoreStats{Backend: "postgres"}
	err := p.pool.QueryRow(ctx,
		`SELECT count(*), coalesce(sum(pg_column_size(record)), 0) FROM agentcore_sessions`).
		Scan(&stats.Sessions, &stats.Bytes)
	if err != nil {
		return StoreStats{}, &StorageError{Backend: "postgres", Op: "stats", Err: err}
	}
	return stats, nil
}

// HealthCheck pings the database.
func (p *PostgresStore) HealthCheck(ctx context.Context) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if err := p.pool.Ping(ctx); err != nil {
		return &StorageError{Backend: "postgres", Op: "ping", Err: err}
	}
	return nil
}

// Close stops the store, releasing the pool only if the store created
// it. Idempotent.
func (p *PostgresStore) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.ownsPool {
		p.pool.Close()
	}
	return nil
}
