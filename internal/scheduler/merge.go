package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/swarmgit/swarmgit/internal/opqueue"
	"github.com/swarmgit/swarmgit/internal/otel"
)

// mergeWorker lands one worker branch into the target branch. The commit in
// the worker's worktree is a local per-workdir operation; the merge into the
// shared checkout is global and high priority so it jumps ahead of any queued
// worker traffic and nothing else touches the repository while it runs.
func (s *Scheduler) mergeWorker(ctx context.Context, workerID, branch, worktreePath, target string) error {
	committed, err := s.commitWorktree(ctx, workerID, worktreePath)
	if err != nil {
		return err
	}
	if committed {
		s.mu.Lock()
		s.stats.Commits++
		s.mu.Unlock()
	}

	resolved := 0
	_, err = s.deps.Queue.Enqueue(ctx, s.cfg.RepoDir, func(opCtx context.Context) (string, error) {
		if out, err := s.deps.Git.Run(opCtx, s.cfg.RepoDir, "checkout", target); err != nil {
			return out, err
		}
		out, err := s.deps.Git.Run(opCtx, s.cfg.RepoDir, "merge", "--no-ff", "--no-edit", branch)
		if err == nil {
			return out, nil
		}
		if !isMergeConflict(out, err) {
			// Leave the checkout clean for the next operation.
			s.deps.Git.Run(opCtx, s.cfg.RepoDir, "merge", "--abort")
			return out, err
		}
		n, rerr := s.resolveConflicts(opCtx, branch)
		if rerr != nil {
			s.deps.Git.Run(opCtx, s.cfg.RepoDir, "merge", "--abort")
			return out, rerr
		}
		resolved = n
		return out, nil
	}, opqueue.Options{Global: true, Priority: opqueue.High, Label: "merge " + branch})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.stats.Merges++
	s.stats.Commits++ // the merge commit
	s.stats.Conflicts += int64(resolved)
	s.mu.Unlock()
	otel.RecordMerge(ctx, workerID)
	if resolved > 0 {
		otel.RecordConflicts(ctx, workerID, resolved)
		s.publish(map[string]any{"type": "conflicts_resolved", "worker": workerID, "files": resolved})
	}
	s.publish(map[string]any{"type": "merge", "worker": workerID, "branch": branch, "target": target})
	slog.Info("merged worker branch", "worker", workerID, "branch", branch, "target", target, "conflicts", resolved)

	return s.pushTarget(ctx, target)
}

// commitWorktree stages and commits anything the worker left uncommitted.
// Reports whether a commit was created.
func (s *Scheduler) commitWorktree(ctx context.Context, workerID, worktreePath string) (bool, error) {
	committed := false
	_, err := s.deps.Queue.Enqueue(ctx, worktreePath, func(opCtx context.Context) (string, error) {
		out, err := s.deps.Git.Run(opCtx, worktreePath, "status", "--porcelain")
		if err != nil {
			return out, err
		}
		if strings.TrimSpace(out) == "" {
			return "", nil
		}
		if out, err := s.deps.Git.Run(opCtx, worktreePath, "add", "-A"); err != nil {
			return out, err
		}
		msg := fmt.Sprintf("%s: checkpoint", workerID)
		if out, err := s.deps.Git.Run(opCtx, worktreePath, "commit", "--no-verify", "-m", msg); err != nil {
			return out, err
		}
		committed = true
		return "", nil
	}, opqueue.Options{Priority: opqueue.High, Label: "commit " + workerID})
	return committed, err
}

// resolveConflicts settles every unmerged path and commits the result. The
// policy prefers the incoming side's content; when the incoming side deleted
// a file the surviving copy is kept instead. Runs inside the global merge
// operation, so the index is stable underneath it.
func (s *Scheduler) resolveConflicts(ctx context.Context, branch string) (int, error) {
	out, err := s.deps.Git.Run(ctx, s.cfg.RepoDir, "status", "--porcelain")
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		code := line[:2]
		path := unquotePath(strings.TrimSpace(line[3:]))
		if !isUnmergedCode(code) {
			continue
		}
		switch code {
		case "DD":
			if out, err := s.deps.Git.Run(ctx, s.cfg.RepoDir, "rm", "--", path); err != nil {
				return resolved, fmt.Errorf("resolve %s: %s: %w", code, path, errOut(err, out))
			}
		case "UD":
			// Incoming deleted it; keep our surviving copy.
			if out, err := s.deps.Git.Run(ctx, s.cfg.RepoDir, "checkout", "--ours", "--", path); err != nil {
				return resolved, fmt.Errorf("resolve %s: %s: %w", code, path, errOut(err, out))
			}
			if out, err := s.deps.Git.Run(ctx, s.cfg.RepoDir, "add", "--", path); err != nil {
				return resolved, fmt.Errorf("stage %s: %w", path, errOut(err, out))
			}
		default:
			// UU, AA, AU, UA, DU: take the incoming content.
			if out, err := s.deps.Git.Run(ctx, s.cfg.RepoDir, "checkout", "--theirs", "--", path); err != nil {
				return resolved, fmt.Errorf("resolve %s: %s: %w", code, path, errOut(err, out))
			}
			if out, err := s.deps.Git.Run(ctx, s.cfg.RepoDir, "add", "--", path); err != nil {
				return resolved, fmt.Errorf("stage %s: %w", path, errOut(err, out))
			}
		}
		resolved++
	}
	if resolved == 0 {
		return 0, fmt.Errorf("merge of %s reported conflict but no unmerged paths found", branch)
	}
	msg := fmt.Sprintf("merge %s (auto-resolved %d conflicted files)", branch, resolved)
	if out, err := s.deps.Git.Run(ctx, s.cfg.RepoDir, "commit", "--no-verify", "-m", msg); err != nil {
		return resolved, fmt.Errorf("commit resolution: %w", errOut(err, out))
	}
	return resolved, nil
}

func (s *Scheduler) pushTarget(ctx context.Context, target string) error {
	if s.cfg.Remote == "" {
		return nil
	}
	_, err := s.deps.Queue.Enqueue(ctx, s.cfg.RepoDir, func(opCtx context.Context) (string, error) {
		return s.deps.Git.Run(opCtx, s.cfg.RepoDir, "push", s.cfg.Remote, target)
	}, opqueue.Options{Global: true, Label: "push " + target})
	if err != nil {
		slog.Warn("push failed, continuing", "target", target, "err", err)
		return nil
	}
	s.mu.Lock()
	s.stats.Pushes++
	s.mu.Unlock()
	return nil
}

func isMergeConflict(out string, err error) bool {
	text := strings.ToLower(out + " " + err.Error())
	return strings.Contains(text, "conflict") || strings.Contains(text, "automatic merge failed")
}

func isUnmergedCode(code string) bool {
	switch code {
	case "UU", "AA", "DD", "AU", "UA", "DU", "UD":
		return true
	}
	return false
}

// unquotePath undoes git's C-style quoting of paths with special characters.
func unquotePath(p string) string {
	if len(p) >= 2 && p[0] == '"' && p[len(p)-1] == '"' {
		if u, err := strconv.Unquote(p); err == nil {
			return u
		}
	}
	return p
}

func errOut(err error, out string) error {
	out = strings.TrimSpace(out)
	if out == "" {
		return err
	}
	return fmt.Errorf("%w: %s", err, out)
}
