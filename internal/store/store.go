// Package store persists versioned run snapshots so an interrupted run can be
// resumed. SQLite is the default backend; PostgreSQL is available via
// store/postgres for deployments that already run one.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/swarmgit/swarmgit/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqliteStore is the SQLite implementation of Store.
type sqliteStore struct {
	DB *sql.DB
}

// Open opens the SQLite database at home/protected/db.sqlite and runs
// migrations.
func Open(home string) (Store, error) {
	dbPath := filepath.Join(home, "protected", "db.sqlite")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	return OpenDSN("file:" + dbPath + "?_pragma=busy_timeout(5000)")
}

// OpenDSN opens a SQLite database by DSN and runs migrations.
func OpenDSN(dsn string) (Store, error) {
	if dsn == "" {
		return nil, errors.New("sqlite DSN required")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &sqliteStore{DB: db}
	if err := s.initPragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) initPragmas(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.DB.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err := s.DB.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *sqliteStore) SaveSnapshot(ctx context.Context, snap models.RunSnapshot) error {
	if snap.RunID == "" {
		return errors.New("snapshot run_id required")
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO snapshots (run_id, version, state, payload, saved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			version = excluded.version,
			state = excluded.state,
			payload = excluded.payload,
			saved_at = excluded.saved_at`,
		snap.RunID, snap.Version, snap.State, string(payload), snap.SavedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) LoadSnapshot(ctx context.Context, runID string) (*models.RunSnapshot, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT payload FROM snapshots WHERE run_id = ?`, runID)
	return scanSnapshot(row)
}

func (s *sqliteStore) LatestSnapshot(ctx context.Context) (*models.RunSnapshot, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT payload FROM snapshots ORDER BY saved_at DESC LIMIT 1`)
	return scanSnapshot(row)
}

func (s *sqliteStore) ListRuns(ctx context.Context) ([]RunInfo, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT run_id, state, saved_at FROM snapshots ORDER BY saved_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []RunInfo
	for rows.Next() {
		var info RunInfo
		var savedAt string
		if err := rows.Scan(&info.RunID, &info.State, &savedAt); err != nil {
			return nil, err
		}
		info.SavedAt, _ = time.Parse(time.RFC3339Nano, savedAt)
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Close() error {
	return s.DB.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*models.RunSnapshot, error) {
	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var snap models.RunSnapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}
