package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/swarmgit/swarmgit/pkg/models"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	home := filepath.Join(t.TempDir(), "home")
	st, err := Open(home)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func sampleSnapshot(runID string, savedAt time.Time) models.RunSnapshot {
	return models.RunSnapshot{
		Version: models.SnapshotVersion,
		RunID:   runID,
		State:   models.SchedRunning,
		Sessions: []models.SessionState{
			{ID: "worker-1", Role: models.RoleWorker, Status: models.SessionWorking, ResumeHandle: "h-1", CredentialIndex: 1, Turns: 4, Merges: 2},
			{ID: "worker-2", Role: models.RoleWorker, Status: models.SessionRateLimited, RateLimits: 1},
		},
		Stats:     models.IntegrationStats{Commits: 7, Merges: 2, Conflicts: 1, Pushes: 2},
		StartedAt: savedAt.Add(-time.Hour),
		SavedAt:   savedAt,
	}
}

func TestSnapshot_roundTripsExactly(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	want := sampleSnapshot("run-1", time.Now().UTC().Truncate(time.Millisecond))
	if err := st.SaveSnapshot(ctx, want); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	got, err := st.LoadSnapshot(ctx, "run-1")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if got == nil {
		t.Fatal("snapshot missing")
	}
	if got.Version != want.Version || got.State != want.State || got.Stats != want.Stats {
		t.Fatalf("snapshot = %+v, want %+v", got, want)
	}
	if len(got.Sessions) != 2 || got.Sessions[0].ResumeHandle != "h-1" || got.Sessions[1].RateLimits != 1 {
		t.Fatalf("sessions = %+v", got.Sessions)
	}
	if !got.SavedAt.Equal(want.SavedAt) || !got.StartedAt.Equal(want.StartedAt) {
		t.Fatalf("timestamps differ: %v vs %v", got.SavedAt, want.SavedAt)
	}
}

func TestSnapshot_upsertReplacesRun(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	first := sampleSnapshot("run-1", time.Now().UTC())
	if err := st.SaveSnapshot(ctx, first); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	second := first
	second.State = models.SchedStopped
	second.Stats.Merges = 9
	second.SavedAt = first.SavedAt.Add(time.Minute)
	if err := st.SaveSnapshot(ctx, second); err != nil {
		t.Fatalf("SaveSnapshot update: %v", err)
	}

	got, err := st.LoadSnapshot(ctx, "run-1")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if got.State != models.SchedStopped || got.Stats.Merges != 9 {
		t.Fatalf("snapshot not replaced: %+v", got)
	}
	runs, err := st.ListRuns(ctx)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %+v, want single row", runs)
	}
}

func TestLatestSnapshot(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	if err := st.SaveSnapshot(ctx, sampleSnapshot("run-old", base.Add(-time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveSnapshot(ctx, sampleSnapshot("run-new", base)); err != nil {
		t.Fatal(err)
	}
	got, err := st.LatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if got == nil || got.RunID != "run-new" {
		t.Fatalf("latest = %+v, want run-new", got)
	}
}

func TestLoadSnapshot_missingReturnsNil(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	got, err := st.LoadSnapshot(context.Background(), "nope")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if got != nil {
		t.Fatalf("want nil for missing run, got %+v", got)
	}
}
