// Package worktree provisions isolated per-worker checkouts that share the
// main repository's object store. Every worktree-affecting call routes through
// the operation queue as a global operation, since it touches shared
// repository metadata.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/swarmgit/swarmgit/internal/gitx"
	"github.com/swarmgit/swarmgit/internal/opqueue"
)

// BranchName returns the swarmgit branch for a worker: swarm/<run_id>/<worker_id>.
func BranchName(runID, workerID string) string {
	return fmt.Sprintf("swarm/%s/%s", runID, workerID)
}

// FeatureBranchName returns the feature branch for a cluster: swarm/<run_id>/cluster/<name>.
func FeatureBranchName(runID, cluster string) string {
	safe := strings.ReplaceAll(cluster, " ", "-")
	return fmt.Sprintf("swarm/%s/cluster/%s", runID, safe)
}

// Manager creates and removes worktrees for one repository.
type Manager struct {
	Git     *gitx.Runner
	Queue   *opqueue.Queue
	RepoDir string // main checkout; git metadata lives here
	Root    string // directory under which worktrees are created
}

// Provision returns an isolated checkout for name on a branch created from
// baseBranch. Idempotent: if the worktree path already exists it is returned
// unchanged and no branch or worktree is created.
func (m *Manager) Provision(ctx context.Context, name, baseBranch string) (string, error) {
	if name == "" || baseBranch == "" {
		return "", fmt.Errorf("worktree name and base branch required")
	}
	path := m.Path(name)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(m.Root, 0o755); err != nil {
		return "", err
	}

	branch := name
	_, err := m.Queue.Enqueue(ctx, m.RepoDir, func(opCtx context.Context) (string, error) {
		// Drop stale registrations left by crashed runs first.
		if _, err := m.Git.Run(opCtx, m.RepoDir, "worktree", "prune"); err != nil {
			return "", err
		}
		if out, err := m.Git.Run(opCtx, m.RepoDir, "branch", branch, baseBranch); err != nil {
			if !branchExists(err) {
				return out, err
			}
		}
		out, err := m.Git.Run(opCtx, m.RepoDir, "worktree", "add", path, branch)
		if err != nil && inconsistentMetadata(err) {
			// Registration survived a crash; force re-registration.
			out, err = m.Git.Run(opCtx, m.RepoDir, "worktree", "add", "--force", path, branch)
		}
		return out, err
	}, opqueue.Options{Global: true, Label: "worktree add " + name})
	if err != nil {
		return "", err
	}
	return path, nil
}

// Remove unregisters and deletes the worktree for name. No-op if it does not
// exist.
func (m *Manager) Remove(ctx context.Context, name string) error {
	path := m.Path(name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	_, err := m.Queue.Enqueue(ctx, m.RepoDir, func(opCtx context.Context) (string, error) {
		if out, err := m.Git.Run(opCtx, m.RepoDir, "worktree", "remove", "--force", path); err != nil {
			return out, err
		}
		return m.Git.Run(opCtx, m.RepoDir, "worktree", "prune")
	}, opqueue.Options{Global: true, Label: "worktree remove " + name})
	return err
}

// Reset hard-resets the checkout at path to ref. Called before each new
// assignment so a worker never starts from a stale base.
func (m *Manager) Reset(ctx context.Context, path, ref string) error {
	_, err := m.Queue.Enqueue(ctx, path, func(opCtx context.Context) (string, error) {
		if out, err := m.Git.Run(opCtx, path, "reset", "--hard", ref); err != nil {
			return out, err
		}
		return m.Git.Run(opCtx, path, "clean", "-fd")
	}, opqueue.Options{Label: "reset " + filepath.Base(path)})
	return err
}

// Path returns the worktree path for name without creating anything.
func (m *Manager) Path(name string) string {
	safe := strings.ReplaceAll(name, "/", "-")
	return filepath.Join(m.Root, safe)
}

func branchExists(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}

func inconsistentMetadata(err error) bool {
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "already registered") ||
		strings.Contains(low, "already used by worktree") ||
		strings.Contains(low, "missing but already registered")
}
