package scheduler

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/swarmgit/swarmgit/internal/opqueue"
	"github.com/swarmgit/swarmgit/internal/worktree"
)

// runHierarchical splits the goal into per-cluster sub-goals and runs each
// cluster's worker pool in parallel against its own feature branch. Merges
// within a cluster stay serial through the queue; after every cluster finishes
// a pass, the feature branches land serially in the integration branch. Passes
// repeat until the planner reports the goal done or the budget elapses.
func (s *Scheduler) runHierarchical(ctx context.Context) error {
	clusters := s.cfg.Clusters
	subsets := splitWorkers(s.cfg.Workers, len(clusters))

	features := make(map[string]string, len(clusters))
	pools := make(map[string][]string, len(clusters))
	for i, name := range clusters {
		feature := worktree.FeatureBranchName(s.cfg.RunID, name)
		if err := s.createFeatureBranch(ctx, feature); err != nil {
			return err
		}
		ids, err := s.provisionWorkers(ctx, name, subsets[i], feature)
		if err != nil {
			return err
		}
		features[name] = feature
		pools[name] = ids
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		default:
		}

		goals, done := s.deps.Planner.PlanClusters(ctx, s.cfg.Goal, clusters, s.forwardEvent)
		if done {
			s.publish(map[string]any{"type": "plan_done", "scope": "clusters"})
			return nil
		}

		allDone := true
		g, passCtx := errgroup.WithContext(ctx)
		results := make([]bool, len(goals))
		for i, cg := range goals {
			g.Go(func() error {
				done, err := s.runPool(passCtx, poolSpec{
					workerIDs: pools[cg.Name],
					target:    features[cg.Name],
					goal:      cg.Goal,
					scope:     cg.Name,
				})
				results[i] = done
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		for _, d := range results {
			if !d {
				allDone = false
			}
		}

		// Serial integration: one feature branch at a time, so each merge sees
		// the previous one's result.
		for _, name := range clusters {
			if err := s.mergeFeature(ctx, name, features[name]); err != nil {
				slog.Error("feature merge failed, branch left for next pass", "cluster", name, "err", err)
			}
		}

		if allDone {
			return nil
		}
	}
}

func (s *Scheduler) createFeatureBranch(ctx context.Context, feature string) error {
	_, err := s.deps.Queue.Enqueue(ctx, s.cfg.RepoDir, func(opCtx context.Context) (string, error) {
		out, err := s.deps.Git.Run(opCtx, s.cfg.RepoDir, "branch", feature, s.cfg.IntegrationBranch)
		if err != nil && branchExists(err) {
			return "", nil
		}
		return out, err
	}, opqueue.Options{Global: true, Label: "branch " + feature})
	return err
}

// mergeFeature lands one cluster's feature branch in the integration branch
// with the same conflict policy as worker merges, then rebases the feature
// branch onto the result so the next pass starts from the integrated tip.
func (s *Scheduler) mergeFeature(ctx context.Context, cluster, feature string) error {
	resolved := 0
	_, err := s.deps.Queue.Enqueue(ctx, s.cfg.RepoDir, func(opCtx context.Context) (string, error) {
		if out, err := s.deps.Git.Run(opCtx, s.cfg.RepoDir, "checkout", s.cfg.IntegrationBranch); err != nil {
			return out, err
		}
		out, err := s.deps.Git.Run(opCtx, s.cfg.RepoDir, "merge", "--no-ff", "--no-edit", feature)
		if err != nil {
			if !isMergeConflict(out, err) {
				s.deps.Git.Run(opCtx, s.cfg.RepoDir, "merge", "--abort")
				return out, err
			}
			n, rerr := s.resolveConflicts(opCtx, feature)
			if rerr != nil {
				s.deps.Git.Run(opCtx, s.cfg.RepoDir, "merge", "--abort")
				return out, rerr
			}
			resolved = n
		}
		// Fast-forward the feature branch to the merge result.
		return s.deps.Git.Run(opCtx, s.cfg.RepoDir, "branch", "-f", feature, s.cfg.IntegrationBranch)
	}, opqueue.Options{Global: true, Priority: opqueue.High, Label: "merge feature " + feature})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.stats.Merges++
	s.stats.Commits++
	s.stats.Conflicts += int64(resolved)
	s.mu.Unlock()
	s.publish(map[string]any{"type": "feature_merged", "cluster": cluster, "branch": feature, "conflicts": resolved})
	return s.pushTarget(ctx, s.cfg.IntegrationBranch)
}

// splitWorkers distributes n workers over k clusters as evenly as possible,
// never leaving a cluster empty. Validate guarantees n >= k.
func splitWorkers(n, k int) []int {
	out := make([]int, k)
	for i := range out {
		out[i] = n / k
	}
	for i := 0; i < n%k; i++ {
		out[i]++
	}
	return out
}

func branchExists(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already exists")
}
