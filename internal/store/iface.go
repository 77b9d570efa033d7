package store

import (
	"context"
	"time"

	"github.com/swarmgit/swarmgit/pkg/models"
)

// Store persists scheduler state across process restarts. Implementations:
// SQLite (default, at <home>/protected/db.sqlite) and PostgreSQL.
type Store interface {
	// SaveSnapshot upserts the snapshot for its run id. The snapshot JSON
	// round-trips exactly; the core treats it as opaque beyond the version.
	SaveSnapshot(ctx context.Context, snap models.RunSnapshot) error
	// LoadSnapshot returns the snapshot for runID, or nil when absent.
	LoadSnapshot(ctx context.Context, runID string) (*models.RunSnapshot, error)
	// LatestSnapshot returns the most recently saved snapshot, or nil.
	LatestSnapshot(ctx context.Context) (*models.RunSnapshot, error)
	// ListRuns returns known runs, most recent first.
	ListRuns(ctx context.Context) ([]RunInfo, error)
	Close() error
}

// RunInfo is a row in the run index.
type RunInfo struct {
	RunID   string    `json:"run_id"`
	State   string    `json:"state"`
	SavedAt time.Time `json:"saved_at"`
}
