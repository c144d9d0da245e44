package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgRow is a single row returned by QueryRow.
type pgRow interface {
	Scan(dest ...any) error
}

// pgConn is the minimal database surface PGLaunchContextStore needs. Both
// *pgxpool.Pool (through a thin adapter) and test doubles satisfy it.
type pgConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgRow
	Exec(ctx context.Context, sql string, args ...any) error
}

// PGLaunchContextStore is the PostgreSQL-backed LaunchContextStorer. The
// database enforces expiry via the expires_at column, and Consume relies on
// DELETE ... RETURNING for its atomic get-then-remove guarantee, so the
// one-time-use property holds across gateway replicas.
type PGLaunchContextStore struct {
	db  pgConn
	ttl time.Duration
}

// NewPGLaunchContextStore creates a PG-backed store from anything satisfying
// pgConn. Production code should use NewPGLaunchContextStoreFromPool.
func NewPGLaunchContextStore(db pgConn, ttl time.Duration) *PGLaunchContextStore {
	return &PGLaunchContextStore{db: db, ttl: ttl}
}

// Save implements LaunchContextStorer as an upsert.
func (s *PGLaunchContextStore) Save(ctx context.Context, token string, lc *LaunchContext) error {
	stored := *lc
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshal launch context: %w", err)
	}

	const query = `INSERT INTO launch_contexts (token, context_json, created_at, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (token) DO UPDATE SET context_json = EXCLUDED.context_json,
                                  created_at  = EXCLUDED.created_at,
                                  expires_at  = EXCLUDED.expires_at`

	if err := s.db.Exec(ctx, query, token, data, stored.CreatedAt, stored.CreatedAt.Add(s.ttl)); err != nil {
		return fmt.Errorf("save launch context: %w", err)
	}
	return nil
}

// Get implements LaunchContextStorer; expired rows read as absent.
func (s *PGLaunchContextStore) Get(ctx context.Context, token string) (*LaunchContext, error) {
	const query = `SELECT context_json, created_at FROM launch_contexts
WHERE token = $1 AND expires_at > now()`

	return s.scanContext(s.db.QueryRow(ctx, query, token), "get")
}

// Consume implements LaunchContextStorer.
func (s *PGLaunchContextStore) Consume(ctx context.Context, token string) (*LaunchContext, error) {
	const query = `DELETE FROM launch_contexts
WHERE token = $1 AND expires_at > now()
RETURNING context_json, created_at`

	return s.scanContext(s.db.QueryRow(ctx, query, token), "consume")
}

// Remove implements LaunchContextStorer.
func (s *PGLaunchContextStore) Remove(ctx context.Context, token string) error {
	if err := s.db.Exec(ctx, `DELETE FROM launch_contexts WHERE token = $1`, token); err != nil {
		return fmt.Errorf("remove launch context: %w", err)
	}
	return nil
}

// Cleanup implements LaunchContextStorer by deleting every expired row.
func (s *PGLaunchContextStore) Cleanup(ctx context.Context) error {
	if err := s.db.Exec(ctx, `DELETE FROM launch_contexts WHERE expires_at <= now()`); err != nil {
		return fmt.Errorf("cleanup launch contexts: %w", err)
	}
	return nil
}

func (s *PGLaunchContextStore) scanContext(row pgRow, op string) (*LaunchContext, error) {
	var data []byte
	var createdAt time.Time
	if err := row.Scan(&data, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s launch context: %w", op, err)
	}

	var lc LaunchContext
	if err := json.Unmarshal(data, &lc); err != nil {
		return nil, fmt.Errorf("unmarshal launch context: %w", err)
	}
	lc.CreatedAt = createdAt
	return &lc, nil
}

// pgxPoolWrapper adapts *pgxpool.Pool to pgConn. The adapter exists because
// pgxpool's Exec returns (pgconn.CommandTag, error) while pgConn.Exec
// returns only error.
type pgxPoolWrapper struct {
	pool *pgxpool.Pool
}

func (w *pgxPoolWrapper) QueryRow(ctx context.Context, sql string, args ...any) pgRow {
	return w.pool.QueryRow(ctx, sql, args...)
}

func (w *pgxPoolWrapper) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := w.pool.Exec(ctx, sql, args...)
	return err
}

// NewPGLaunchContextStoreFromPool creates a PG-backed store from a pgx pool.
func NewPGLaunchContextStoreFromPool(pool *pgxpool.Pool, ttl time.Duration) *PGLaunchContextStore {
	return &PGLaunchContextStore{db: &pgxPoolWrapper{pool: pool}, ttl: ttl}
}
