package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/swarmgit/swarmgit/internal/executor"
	"github.com/swarmgit/swarmgit/internal/opqueue"
	"github.com/swarmgit/swarmgit/internal/planner"
	"github.com/swarmgit/swarmgit/internal/ratelimit"
	"github.com/swarmgit/swarmgit/internal/session"
	"github.com/swarmgit/swarmgit/internal/worktree"
)

// mergeRig wires a scheduler around a real repository and one provisioned
// worker worktree on branch b1.
type mergeRig struct {
	*testRig
	worktree string
}

func newMergeRig(t *testing.T) *mergeRig {
	t.Helper()
	repo, git := initRepo(t)
	queue := opqueue.New(opqueue.Config{SettlePause: time.Millisecond})
	t.Cleanup(queue.Close)
	trees := &worktree.Manager{Git: git, Queue: queue, RepoDir: repo, Root: filepath.Join(t.TempDir(), "wt")}

	sched, err := New(Config{RunID: "mergerun", Goal: "g", RepoDir: repo, IntegrationBranch: "main", Workers: 1},
		Deps{
			Git:      git,
			Queue:    queue,
			Trees:    trees,
			Sessions: session.NewRegistry(),
			Pool:     ratelimit.NewPool(nil, 0),
			Exec:     &executor.Stub{},
			Planner:  &planner.Planner{Executor: &executor.Stub{}},
		})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	path, err := trees.Provision(context.Background(), "b1", "main")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	return &mergeRig{testRig: &testRig{repo: repo, git: git, queue: queue, sched: sched}, worktree: path}
}

func (r *mergeRig) writeMain(t *testing.T, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(r.repo, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	mustRun(t, r.git, r.repo, "add", "-A")
	mustRun(t, r.git, r.repo, "commit", "-q", "-m", "main edit")
}

func (r *mergeRig) writeWorktree(t *testing.T, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(r.worktree, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestMergeWorker_cleanMerge(t *testing.T) {
	t.Parallel()
	rig := newMergeRig(t)
	rig.writeWorktree(t, "new.txt", "worker output\n")

	if err := rig.sched.mergeWorker(context.Background(), "w1", "b1", rig.worktree, "main"); err != nil {
		t.Fatalf("mergeWorker: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(rig.repo, "new.txt"))
	if err != nil {
		t.Fatalf("merged file missing: %v", err)
	}
	if string(data) != "worker output\n" {
		t.Errorf("content = %q", data)
	}
	stats := rig.sched.Stats()
	if stats.Merges != 1 || stats.Conflicts != 0 {
		t.Errorf("stats = %+v", stats)
	}
	// One checkpoint commit plus the merge commit.
	if stats.Commits != 2 {
		t.Errorf("Commits = %d, want 2", stats.Commits)
	}
}

func TestMergeWorker_contentConflictPrefersIncoming(t *testing.T) {
	t.Parallel()
	rig := newMergeRig(t)
	rig.writeWorktree(t, "README.md", "worker version\n")
	mustRun(t, rig.git, rig.worktree, "add", "-A")
	mustRun(t, rig.git, rig.worktree, "commit", "-q", "-m", "worker edit")
	rig.writeMain(t, "README.md", "main version\n")

	if err := rig.sched.mergeWorker(context.Background(), "w1", "b1", rig.worktree, "main"); err != nil {
		t.Fatalf("mergeWorker: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(rig.repo, "README.md"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "worker version\n" {
		t.Errorf("content = %q, want the incoming side", data)
	}
	if got := rig.sched.Stats().Conflicts; got != 1 {
		t.Errorf("Conflicts = %d, want 1", got)
	}
	// The resolution must be committed, leaving a clean tree.
	out, err := rig.git.Run(context.Background(), rig.repo, "status", "--porcelain")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "" {
		t.Errorf("tree dirty after resolution: %q", out)
	}
}

func TestMergeWorker_incomingDeletionKeepsSurvivor(t *testing.T) {
	t.Parallel()
	rig := newMergeRig(t)
	mustRun(t, rig.git, rig.worktree, "rm", "-q", "README.md")
	mustRun(t, rig.git, rig.worktree, "commit", "-q", "-m", "worker delete")
	rig.writeMain(t, "README.md", "main version\n")

	if err := rig.sched.mergeWorker(context.Background(), "w1", "b1", rig.worktree, "main"); err != nil {
		t.Fatalf("mergeWorker: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(rig.repo, "README.md"))
	if err != nil {
		t.Fatalf("survivor was deleted: %v", err)
	}
	if string(data) != "main version\n" {
		t.Errorf("content = %q, want the surviving side", data)
	}
	if got := rig.sched.Stats().Conflicts; got != 1 {
		t.Errorf("Conflicts = %d, want 1", got)
	}
}

func TestMergeWorker_mixedConflicts(t *testing.T) {
	t.Parallel()
	rig := newMergeRig(t)
	// Seed a second file both sides know about.
	rig.writeMain(t, "shared.txt", "base\n")
	mustRun(t, rig.git, rig.worktree, "merge", "-q", "main")

	// Incoming side: edit README, delete shared.txt.
	rig.writeWorktree(t, "README.md", "worker version\n")
	mustRun(t, rig.git, rig.worktree, "rm", "-q", "shared.txt")
	mustRun(t, rig.git, rig.worktree, "add", "-A")
	mustRun(t, rig.git, rig.worktree, "commit", "-q", "-m", "worker edits")

	// Surviving side: competing edits to both files.
	rig.writeMain(t, "README.md", "main version\n")
	rig.writeMain(t, "shared.txt", "main kept\n")

	if err := rig.sched.mergeWorker(context.Background(), "w1", "b1", rig.worktree, "main"); err != nil {
		t.Fatalf("mergeWorker: %v", err)
	}

	readme, err := os.ReadFile(filepath.Join(rig.repo, "README.md"))
	if err != nil {
		t.Fatal(err)
	}
	if string(readme) != "worker version\n" {
		t.Errorf("README.md = %q, want the incoming content", readme)
	}
	shared, err := os.ReadFile(filepath.Join(rig.repo, "shared.txt"))
	if err != nil {
		t.Fatalf("shared.txt should survive the incoming deletion: %v", err)
	}
	if string(shared) != "main kept\n" {
		t.Errorf("shared.txt = %q", shared)
	}
	if got := rig.sched.Stats().Conflicts; got != 2 {
		t.Errorf("Conflicts = %d, want 2", got)
	}
}

func TestMergeWorker_nonConflictFailureAborts(t *testing.T) {
	t.Parallel()
	rig := newMergeRig(t)

	err := rig.sched.mergeWorker(context.Background(), "w1", "no-such-branch", rig.worktree, "main")
	if err == nil {
		t.Fatal("merge of missing branch succeeded")
	}
	if got := rig.sched.Stats().Merges; got != 0 {
		t.Errorf("Merges = %d after failed merge, want 0", got)
	}
	out, gerr := rig.git.Run(context.Background(), rig.repo, "status", "--porcelain")
	if gerr != nil {
		t.Fatal(gerr)
	}
	if strings.TrimSpace(out) != "" {
		t.Errorf("tree dirty after aborted merge: %q", out)
	}
}
