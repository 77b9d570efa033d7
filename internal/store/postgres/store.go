// Package postgres is the PostgreSQL implementation of store.Store, for
// deployments that already run a shared database. Schema is migrated on
// connect.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/swarmgit/swarmgit/internal/store"
	"github.com/swarmgit/swarmgit/pkg/models"
)

// Store is the PostgreSQL implementation of store.Store.
type Store struct {
	Pool *pgxpool.Pool
}

// Open connects to PostgreSQL with the given DSN and ensures the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres DSN required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{Pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS snapshots (
			run_id   TEXT PRIMARY KEY,
			version  INTEGER NOT NULL,
			state    TEXT NOT NULL,
			payload  JSONB NOT NULL,
			saved_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("migrate snapshots: %w", err)
	}
	return nil
}

func (s *Store) SaveSnapshot(ctx context.Context, snap models.RunSnapshot) error {
	if snap.RunID == "" {
		return errors.New("snapshot run_id required")
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx, `
		INSERT INTO snapshots (run_id, version, state, payload, saved_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id) DO UPDATE SET
			version = EXCLUDED.version,
			state = EXCLUDED.state,
			payload = EXCLUDED.payload,
			saved_at = EXCLUDED.saved_at`,
		snap.RunID, snap.Version, snap.State, payload, snap.SavedAt.UTC())
	return err
}

func (s *Store) LoadSnapshot(ctx context.Context, runID string) (*models.RunSnapshot, error) {
	row := s.Pool.QueryRow(ctx, `SELECT payload FROM snapshots WHERE run_id = $1`, runID)
	return scanSnapshot(row)
}

func (s *Store) LatestSnapshot(ctx context.Context) (*models.RunSnapshot, error) {
	row := s.Pool.QueryRow(ctx, `SELECT payload FROM snapshots ORDER BY saved_at DESC LIMIT 1`)
	return scanSnapshot(row)
}

func (s *Store) ListRuns(ctx context.Context) ([]store.RunInfo, error) {
	rows, err := s.Pool.Query(ctx, `SELECT run_id, state, saved_at FROM snapshots ORDER BY saved_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.RunInfo
	for rows.Next() {
		var info store.RunInfo
		var savedAt time.Time
		if err := rows.Scan(&info.RunID, &info.State, &savedAt); err != nil {
			return nil, err
		}
		info.SavedAt = savedAt
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	s.Pool.Close()
	return nil
}

func scanSnapshot(row pgx.Row) (*models.RunSnapshot, error) {
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var snap models.RunSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}
