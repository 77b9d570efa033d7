// Package scheduler drives iterative, time-bounded, best-effort completion of
// declared work across many parallel workers, using merges as the
// synchronization points. Workers are reaped as they finish, never in a fixed
// barrier: the first completion is merged and its worker redispatched while
// the rest are still running.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/swarmgit/swarmgit/internal/executor"
	"github.com/swarmgit/swarmgit/internal/gitx"
	"github.com/swarmgit/swarmgit/internal/hub"
	"github.com/swarmgit/swarmgit/internal/opqueue"
	"github.com/swarmgit/swarmgit/internal/otel"
	"github.com/swarmgit/swarmgit/internal/planner"
	"github.com/swarmgit/swarmgit/internal/ratelimit"
	"github.com/swarmgit/swarmgit/internal/session"
	"github.com/swarmgit/swarmgit/internal/store"
	"github.com/swarmgit/swarmgit/internal/worktree"
	"github.com/swarmgit/swarmgit/pkg/models"
)

// Config describes one run.
type Config struct {
	RunID             string
	Goal              string
	RepoDir           string
	IntegrationBranch string
	Workers           int
	Topology          string   // models.TopologyFlat or models.TopologyHierarchical
	Clusters          []string // hierarchical only: cluster names
	TimeBudget        time.Duration
	SnapshotEvery     time.Duration
	ShutdownGrace     time.Duration // wait for in-flight work after stop
	Model             string
	Remote            string // push target; empty disables push entries
	RateLimitRetry    time.Duration
}

func (c *Config) withDefaults() {
	if c.Workers <= 0 {
		c.Workers = models.DefaultWorkerCount
	}
	if c.Topology == "" {
		c.Topology = models.TopologyFlat
	}
	if c.IntegrationBranch == "" {
		c.IntegrationBranch = "main"
	}
	if c.SnapshotEvery <= 0 {
		c.SnapshotEvery = 30 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 2 * time.Minute
	}
	if c.RateLimitRetry <= 0 {
		c.RateLimitRetry = 30 * time.Second
	}
}

// Validate rejects configurations the run loop cannot honor.
func (c *Config) Validate() error {
	if c.RunID == "" {
		return errors.New("run id required")
	}
	if c.RepoDir == "" {
		return errors.New("repo dir required")
	}
	if c.Goal == "" {
		return errors.New("goal required")
	}
	if c.Topology == models.TopologyHierarchical {
		if len(c.Clusters) < 1 {
			return errors.New("hierarchical topology requires at least one cluster")
		}
		if c.Workers < len(c.Clusters) {
			return fmt.Errorf("hierarchical topology needs at least one worker per cluster (%d workers, %d clusters)", c.Workers, len(c.Clusters))
		}
	}
	return nil
}

// Deps are the collaborators constructed once at process root and passed by
// reference; the scheduler owns none of them except its own loop state.
type Deps struct {
	Git      *gitx.Runner
	Queue    *opqueue.Queue
	Trees    *worktree.Manager
	Sessions *session.Registry
	Pool     *ratelimit.Pool
	Exec     executor.Executor
	Planner  *planner.Planner
	Store    store.Store // optional
	Hub      *hub.Hub    // optional
}

// Scheduler is the top-level run state machine:
// Idle -> Running -> {Paused <-> Running} -> Stopped.
type Scheduler struct {
	cfg  Config
	deps Deps

	mu        sync.Mutex
	state     string
	stats     models.IntegrationStats
	startedAt time.Time
	deadline  time.Time
	paused    chan struct{} // non-nil while paused; closed on resume

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New returns a Scheduler in the Idle state.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{cfg: cfg, deps: deps, state: models.SchedIdle, stopCh: make(chan struct{})}, nil
}

// State returns the current scheduler state.
func (s *Scheduler) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a copy of the run-wide counters.
func (s *Scheduler) Stats() models.IntegrationStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Status returns the run status for the HTTP API.
func (s *Scheduler) Status() models.StatusInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.StatusInfo{
		RunID:     s.cfg.RunID,
		State:     s.state,
		Topology:  s.cfg.Topology,
		Workers:   s.cfg.Workers,
		Stats:     s.stats,
		StartedAt: s.startedAt,
		Deadline:  s.deadline,
	}
}

// Stop requests termination. In-flight executor invocations run to
// completion; no new assignment is dispatched after the stop.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.publish(map[string]any{"type": "stop_requested"})
	})
}

// Pause suspends dispatching of new assignments. In-flight work continues.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != models.SchedRunning {
		return
	}
	s.state = models.SchedPaused
	s.paused = make(chan struct{})
	s.publishLocked(map[string]any{"type": "state", "state": s.state})
}

// Resume continues a paused run.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != models.SchedPaused {
		return
	}
	s.state = models.SchedRunning
	close(s.paused)
	s.paused = nil
	s.publishLocked(map[string]any{"type": "state", "state": s.state})
}

// waitWhilePaused blocks while the scheduler is paused.
func (s *Scheduler) waitWhilePaused(ctx context.Context) {
	for {
		s.mu.Lock()
		ch := s.paused
		s.mu.Unlock()
		if ch == nil {
			return
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

// Run executes the configured topology until the time budget elapses, the
// planner reports no more work, or Stop is called. It always leaves the
// scheduler Stopped and the final snapshot persisted.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.state != models.SchedIdle {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already %s", s.state)
	}
	s.state = models.SchedRunning
	s.startedAt = time.Now().UTC()
	if s.cfg.TimeBudget > 0 {
		s.deadline = s.startedAt.Add(s.cfg.TimeBudget)
	}
	s.mu.Unlock()
	s.publish(map[string]any{"type": "state", "state": models.SchedRunning, "run_id": s.cfg.RunID})

	if s.cfg.TimeBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, s.startedAt.Add(s.cfg.TimeBudget))
		defer cancel()
	}

	stopSnapshots := s.startSnapshotLoop(ctx)
	defer stopSnapshots()

	if err := s.checkoutIntegration(ctx); err != nil {
		s.finish(ctx)
		return err
	}

	var runErr error
	if s.cfg.Topology == models.TopologyHierarchical {
		runErr = s.runHierarchical(ctx)
	} else {
		runErr = s.runFlat(ctx)
	}

	if err := s.finalIntegrate(ctx); err != nil && runErr == nil {
		runErr = err
	}
	s.finish(ctx)
	return runErr
}

func (s *Scheduler) finish(ctx context.Context) {
	s.mu.Lock()
	s.state = models.SchedStopped
	s.mu.Unlock()
	s.saveSnapshot(context.WithoutCancel(ctx))
	s.publish(map[string]any{"type": "state", "state": models.SchedStopped, "stats": s.Stats()})
	slog.Info("scheduler stopped", "run_id", s.cfg.RunID, "stats", s.Stats())
}

// checkoutIntegration pins the main checkout to the integration branch so
// merges land in the right place.
func (s *Scheduler) checkoutIntegration(ctx context.Context) error {
	_, err := s.deps.Queue.Enqueue(ctx, s.cfg.RepoDir, func(opCtx context.Context) (string, error) {
		return s.deps.Git.Run(opCtx, s.cfg.RepoDir, "checkout", s.cfg.IntegrationBranch)
	}, opqueue.Options{Global: true, Priority: opqueue.High, Label: "checkout " + s.cfg.IntegrationBranch})
	return err
}

// runFlat is the one-lead, N-worker topology: a single pool merging straight
// into the integration branch.
func (s *Scheduler) runFlat(ctx context.Context) error {
	ids, err := s.provisionWorkers(ctx, "", s.cfg.Workers, s.cfg.IntegrationBranch)
	if err != nil {
		return err
	}
	_, err = s.runPool(ctx, poolSpec{
		workerIDs: ids,
		target:    s.cfg.IntegrationBranch,
		goal:      s.cfg.Goal,
		scope:     "flat",
	})
	return err
}

// provisionWorkers creates sessions and worktrees for count workers. The
// prefix scopes ids per cluster; empty for the flat topology.
func (s *Scheduler) provisionWorkers(ctx context.Context, prefix string, count int, baseBranch string) ([]string, error) {
	ids := make([]string, 0, count)
	for i := 1; i <= count; i++ {
		id := fmt.Sprintf("worker-%d", i)
		if prefix != "" {
			id = fmt.Sprintf("%s-worker-%d", prefix, i)
		}
		branch := worktree.BranchName(s.cfg.RunID, id)
		if _, ok := s.deps.Sessions.Get(id); !ok {
			if _, err := s.deps.Sessions.Create(id, models.RoleWorker); err != nil {
				return nil, err
			}
		}
		path, err := s.deps.Trees.Provision(ctx, branch, baseBranch)
		if err != nil {
			return nil, fmt.Errorf("provision %s: %w", id, err)
		}
		s.deps.Sessions.Update(id, func(sess *session.Session) {
			sess.WorktreePath = path
			sess.BranchName = branch
		})
		ids = append(ids, id)
	}
	return ids, nil
}

// poolSpec is one dispatch/reap/reassign loop over a worker subset merging
// into one target branch.
type poolSpec struct {
	workerIDs []string
	target    string
	goal      string
	scope     string // event labelling: "flat" or cluster name
}

type completion struct {
	workerID string
	assign   models.Assignment
	res      executor.Result
	err      error
}

// runPool plans one assignment per worker, dispatches all of them, and then
// reaps completions one at a time: merge on success, rotate-and-retry on rate
// limit, log-and-reassign on failure. Returns done=true when the planner
// reported that no work remains.
func (s *Scheduler) runPool(ctx context.Context, spec poolSpec) (bool, error) {
	assignments, done := s.deps.Planner.Plan(ctx, spec.goal, spec.workerIDs, s.forwardEvent)
	if done {
		s.publish(map[string]any{"type": "plan_done", "scope": spec.scope})
		return true, nil
	}
	s.publish(map[string]any{"type": "plan", "scope": spec.scope, "assignments": len(assignments)})

	results := make(chan completion, len(spec.workerIDs))
	inflight := 0
	for _, a := range assignments {
		// Every assignment starts from the current integration point. The
		// target branch may have moved since the last pass dispatched onto
		// this worktree.
		if err := s.resetWorktree(ctx, a.WorkerID, spec.target); err != nil {
			slog.Error("worktree reset failed, worker benched", "worker", a.WorkerID, "err", err)
			continue
		}
		s.dispatch(ctx, a, results)
		inflight++
	}

	plannerDone := false
	for inflight > 0 {
		select {
		case <-ctx.Done():
			return plannerDone, s.drain(results, inflight)
		case <-s.stopCh:
			return plannerDone, s.drain(results, inflight)
		case c := <-results:
			inflight--
			s.waitWhilePaused(ctx)
			redispatched := s.reap(ctx, spec, c, results, &plannerDone)
			if redispatched {
				inflight++
			}
		}
	}
	return plannerDone, nil
}

// reap handles one completed invocation and reports whether the worker was
// redispatched (keeping it in-flight).
func (s *Scheduler) reap(ctx context.Context, spec poolSpec, c completion, results chan completion, plannerDone *bool) bool {
	sess, _ := s.deps.Sessions.Get(c.workerID)

	switch {
	case c.err == nil && ratelimit.Detect(c.res):
		// Neither success nor failure: rotate the credential, force a fresh
		// backend context, and retry the identical assignment.
		s.rotateCredential(c.workerID)
		otel.RecordTurn(ctx, c.workerID, "rate_limited", c.res.Duration)
		s.publish(map[string]any{"type": "rate_limited", "worker": c.workerID, "scope": spec.scope})
		return s.redispatch(ctx, c.assign, results)

	case c.err == nil && c.res.Success:
		otel.RecordTurn(ctx, c.workerID, "success", c.res.Duration)
		s.deps.Sessions.Update(c.workerID, func(se *session.Session) {
			se.Status = models.SessionMerging
			se.Turns++
			se.ResumeHandle = c.res.Handle
		})
		if err := s.mergeWorker(ctx, c.workerID, sess.BranchName, sess.WorktreePath, spec.target); err != nil {
			slog.Error("merge failed, branch left unmerged", "worker", c.workerID, "branch", sess.BranchName, "err", err)
			s.deps.Sessions.Update(c.workerID, func(se *session.Session) { se.Failures++ })
			if errors.Is(err, gitx.ErrCircuitOpen) {
				s.Stop()
				return false
			}
		} else {
			s.deps.Sessions.Update(c.workerID, func(se *session.Session) {
				se.Merges++
				se.Status = models.SessionIdle
			})
		}

	default:
		// Genuine failure: excluded from this iteration's merge, siblings
		// unaffected.
		otel.RecordTurn(ctx, c.workerID, "failed", c.res.Duration)
		s.deps.Sessions.Update(c.workerID, func(se *session.Session) {
			se.Status = models.SessionFailed
			se.Turns++
			se.Failures++
		})
		slog.Warn("worker run failed", "worker", c.workerID, "err", c.err, "output_err", c.res.Error)
		s.publish(map[string]any{"type": "worker_failed", "worker": c.workerID, "scope": spec.scope})
	}

	if *plannerDone {
		s.deps.Sessions.Update(c.workerID, func(se *session.Session) { se.Status = models.SessionDone })
		return false
	}
	select {
	case <-s.stopCh:
		return false
	case <-ctx.Done():
		return false
	default:
	}

	// Reassign immediately: no worker sits idle while work remains.
	next, done := s.deps.Planner.Next(ctx, spec.goal, c.workerID, s.forwardEvent)
	if done {
		*plannerDone = true
		s.deps.Sessions.Update(c.workerID, func(se *session.Session) { se.Status = models.SessionDone })
		return false
	}
	if err := s.resetWorktree(ctx, c.workerID, spec.target); err != nil {
		slog.Error("worktree reset failed, worker benched", "worker", c.workerID, "err", err)
		return false
	}
	s.dispatch(ctx, next, results)
	return true
}

// dispatch starts one executor invocation for the assignment's worker.
func (s *Scheduler) dispatch(ctx context.Context, a models.Assignment, results chan completion) {
	sess, ok := s.deps.Sessions.Get(a.WorkerID)
	if !ok {
		results <- completion{workerID: a.WorkerID, assign: a, err: fmt.Errorf("unknown session %q", a.WorkerID)}
		return
	}
	s.deps.Sessions.Update(a.WorkerID, func(se *session.Session) { se.Status = models.SessionWorking })
	s.publish(map[string]any{"type": "dispatch", "worker": a.WorkerID, "area": a.Area})

	req := executor.Request{
		Worker:  a.WorkerID,
		Handle:  sess.ResumeHandle,
		Prompt:  assignmentPrompt(a),
		Model:   s.cfg.Model,
		Workdir: sess.WorktreePath,
		Env:     s.deps.Pool.Env(sess.CredentialIndex),
	}
	go func() {
		res, err := s.deps.Exec.Invoke(ctx, req, s.forwardEvent)
		results <- completion{workerID: a.WorkerID, assign: a, res: res, err: err}
	}()
}

// redispatch retries the identical assignment. When every credential is
// cooling down the assignment stays pending and is retried after a short
// delay rather than failed.
func (s *Scheduler) redispatch(ctx context.Context, a models.Assignment, results chan completion) bool {
	sess, _ := s.deps.Sessions.Get(a.WorkerID)
	if s.deps.Pool.Size() > 0 && !s.deps.Pool.Available(sess.CredentialIndex) {
		slog.Warn("all credentials cooling down, assignment pending", "worker", a.WorkerID, "retry_in", s.cfg.RateLimitRetry)
		go func() {
			t := time.NewTimer(s.cfg.RateLimitRetry)
			defer t.Stop()
			select {
			case <-ctx.Done():
				results <- completion{workerID: a.WorkerID, assign: a, err: ctx.Err()}
			case <-s.stopCh:
				results <- completion{workerID: a.WorkerID, assign: a, err: context.Canceled}
			case <-t.C:
				s.dispatch(ctx, a, results)
			}
		}()
		return true
	}
	s.dispatch(ctx, a, results)
	return true
}

// rotateCredential marks the worker's credential cooling, advances round-robin
// to the next available one, and clears the resumable handle so the retry
// starts a fresh backend context.
func (s *Scheduler) rotateCredential(workerID string) {
	sess, _ := s.deps.Sessions.Get(workerID)
	pool := s.deps.Pool
	pool.MarkCooling(sess.CredentialIndex)
	next, ok := pool.Next(sess.CredentialIndex)
	s.deps.Sessions.Update(workerID, func(se *session.Session) {
		se.Status = models.SessionRateLimited
		se.RateLimits++
		se.ResumeHandle = ""
		if ok {
			se.CredentialIndex = next
		}
	})
	otel.RecordRotation(context.Background(), workerID)
	if ok {
		slog.Info("rotated credential after rate limit", "worker", workerID, "credential", pool.Name(next))
	}
}

func (s *Scheduler) resetWorktree(ctx context.Context, workerID, target string) error {
	sess, ok := s.deps.Sessions.Get(workerID)
	if !ok || sess.WorktreePath == "" {
		return nil
	}
	return s.deps.Trees.Reset(ctx, sess.WorktreePath, target)
}

// drain waits for in-flight invocations after a stop, bounded by the
// shutdown grace period. Results are discarded; worker branches survive for
// the next run.
func (s *Scheduler) drain(results chan completion, inflight int) error {
	if inflight == 0 {
		return nil
	}
	slog.Info("draining in-flight workers", "count", inflight, "grace", s.cfg.ShutdownGrace)
	deadline := time.NewTimer(s.cfg.ShutdownGrace)
	defer deadline.Stop()
	for inflight > 0 {
		select {
		case <-results:
			inflight--
		case <-deadline.C:
			return fmt.Errorf("shutdown grace elapsed with %d workers still in flight", inflight)
		}
	}
	return nil
}

// finalIntegrate performs one rebase-and-push of the integration branch after
// the loops drain.
func (s *Scheduler) finalIntegrate(ctx context.Context) error {
	if s.cfg.Remote == "" {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	_, err := s.deps.Queue.Enqueue(ctx, s.cfg.RepoDir, func(opCtx context.Context) (string, error) {
		if out, err := s.deps.Git.Run(opCtx, s.cfg.RepoDir, "pull", "--rebase", s.cfg.Remote, s.cfg.IntegrationBranch); err != nil {
			return out, err
		}
		return s.deps.Git.Run(opCtx, s.cfg.RepoDir, "push", s.cfg.Remote, s.cfg.IntegrationBranch)
	}, opqueue.Options{Global: true, Priority: opqueue.High, Label: "final integrate"})
	if err == nil {
		s.mu.Lock()
		s.stats.Pushes++
		s.mu.Unlock()
	}
	return err
}

func (s *Scheduler) startSnapshotLoop(ctx context.Context) func() {
	if s.deps.Store == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.cfg.SnapshotEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				s.saveSnapshot(ctx)
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (s *Scheduler) saveSnapshot(ctx context.Context) {
	if s.deps.Store == nil {
		return
	}
	s.mu.Lock()
	snap := models.RunSnapshot{
		Version:   models.SnapshotVersion,
		RunID:     s.cfg.RunID,
		State:     s.state,
		Sessions:  s.deps.Sessions.States(),
		Stats:     s.stats,
		StartedAt: s.startedAt,
		SavedAt:   time.Now().UTC(),
	}
	s.mu.Unlock()
	if err := s.deps.Store.SaveSnapshot(ctx, snap); err != nil {
		slog.Warn("snapshot save failed", "run_id", s.cfg.RunID, "err", err)
	}
}

// Restore loads a persisted snapshot into the registry and counters before
// Run, resuming an interrupted run.
func (s *Scheduler) Restore(snap *models.RunSnapshot) {
	if snap == nil {
		return
	}
	s.deps.Sessions.Restore(snap.Sessions)
	s.mu.Lock()
	s.stats = snap.Stats
	s.mu.Unlock()
	slog.Info("restored run snapshot", "run_id", snap.RunID, "sessions", len(snap.Sessions))
}

func (s *Scheduler) forwardEvent(ev executor.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if s.deps.Hub != nil {
		s.deps.Hub.PublishJSON(ev)
	}
}

func (s *Scheduler) publish(v map[string]any) {
	if s.deps.Hub == nil {
		return
	}
	v["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	v["run_id"] = s.cfg.RunID
	s.deps.Hub.PublishJSON(v)
}

// publishLocked is publish for callers already holding s.mu.
func (s *Scheduler) publishLocked(v map[string]any) {
	if s.deps.Hub == nil {
		return
	}
	v["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	v["run_id"] = s.cfg.RunID
	s.deps.Hub.PublishJSON(v)
}

func assignmentPrompt(a models.Assignment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Area: %s\n\nTasks:\n", a.Area)
	for _, t := range a.Tasks {
		fmt.Fprintf(&b, "- %s\n", t)
	}
	if len(a.FileHints) > 0 {
		fmt.Fprintf(&b, "\nRelevant files:\n")
		for _, f := range a.FileHints {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	if len(a.AcceptanceCriteria) > 0 {
		fmt.Fprintf(&b, "\nAcceptance criteria:\n")
		for _, c := range a.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	b.WriteString("\nCommit your work before finishing.\n")
	return b.String()
}
