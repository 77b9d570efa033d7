// Package gitx executes git commands robustly on behalf of many parallel
// workers sharing one repository: stale-lock cleanup before each command,
// retry with exponential backoff and jitter on lock/timeout failures, and a
// run-wide circuit breaker that refuses further work after sustained failure.
package gitx

import (
	"context"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	defaultTimeout      = 60 * time.Second
	defaultMaxAttempts  = 3
	defaultBackoffBase  = 500 * time.Millisecond
	defaultBackoffCap   = 8 * time.Second
	defaultStaleLockAge = 3 * time.Minute
	defaultLockScanDepth = 3

	// defaultFailureCeiling trips the breaker; successes decay the score by
	// successDecay rather than resetting it, so a brief flurry of failures
	// does not immediately forgive a pattern of instability.
	defaultFailureCeiling = 20.0
	successDecay          = 0.9
)

// Runner executes single git commands with stale-lock cleanup, classified
// retries, and a shared failure budget. The zero value is usable; one Runner
// is constructed at process root and shared by every component.
type Runner struct {
	GitBin         string        // git binary, default "git"
	Timeout        time.Duration // per-attempt deadline
	MaxAttempts    int           // attempts per command for retryable failures
	BackoffBase    time.Duration // first retry delay; doubles per attempt
	BackoffCap     time.Duration // backoff upper bound
	StaleLockAge   time.Duration // locks older than this are swept
	FailureCeiling float64       // breaker trips at or above this score

	mu    sync.Mutex
	score float64
	open  bool
}

// Run executes `git args...` in workdir and returns trimmed stdout.
// Failures are returned as *Error with a Kind; lock and timeout failures are
// retried with exponential backoff and jitter, conflict failures never are.
func (r *Runner) Run(ctx context.Context, workdir string, args ...string) (string, error) {
	if err := r.checkCircuit(); err != nil {
		return "", err
	}
	r.SweepStaleLocks(workdir)

	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	var lastErr *Error
	start := time.Now()
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := r.runOnce(ctx, workdir, args)
		if err == nil {
			r.recordSuccess()
			return out, nil
		}
		kind := Classify(out, err)
		lastErr = &Error{Kind: kind, Workdir: workdir, Args: args, Attempts: attempt, Output: out, Err: err}
		if kind != KindConflict {
			// Conflicts are routine integration outcomes resolved by the
			// caller; only genuine instability feeds the breaker.
			r.recordFailure()
		}
		if kind == KindConflict || kind == KindUnknown {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if kind == KindTransientLock {
			r.SweepStaleLocks(workdir)
		}
		if attempt < attempts {
			delay := r.backoff(attempt)
			slog.Debug("git retrying after failure",
				"args", strings.Join(args, " "), "workdir", workdir,
				"kind", kind.String(), "attempt", attempt, "delay", delay)
			if !sleep(ctx, delay) {
				break
			}
		}
	}
	slog.Warn("git command failed",
		"args", strings.Join(args, " "), "workdir", workdir,
		"kind", lastErr.Kind.String(), "attempts", lastErr.Attempts,
		"elapsed", time.Since(start))
	return "", lastErr
}

func (r *Runner) runOnce(ctx context.Context, workdir string, args []string) (string, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bin := r.GitBin
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(cctx, bin, args...)
	cmd.Dir = workdir
	out, err := cmd.CombinedOutput()
	if cctx.Err() == context.DeadlineExceeded {
		return string(out), context.DeadlineExceeded
	}
	if err != nil {
		return string(out), err
	}
	return strings.TrimSpace(string(out)), nil
}

// SweepStaleLocks removes *.lock files in the repository metadata directory
// that are older than StaleLockAge. Fresh locks are left untouched; a worker
// may legitimately hold one. Recursion is bounded so a pathological metadata
// tree cannot stall the caller.
func (r *Runner) SweepStaleLocks(workdir string) {
	age := r.StaleLockAge
	if age <= 0 {
		age = defaultStaleLockAge
	}
	gitDir := resolveGitDir(workdir)
	if gitDir == "" {
		return
	}
	cutoff := time.Now().Add(-age)
	sweepLocks(gitDir, cutoff, defaultLockScanDepth)
}

func sweepLocks(dir string, cutoff time.Time, depth int) {
	if depth < 0 {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if e.IsDir() {
			sweepLocks(p, cutoff, depth-1)
			continue
		}
		if !strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(p); err == nil {
				slog.Info("removed stale git lock", "path", p, "age", time.Since(info.ModTime()))
			}
		}
	}
}

// resolveGitDir returns the metadata directory for workdir, following the
// `gitdir: <path>` indirection used by linked worktrees.
func resolveGitDir(workdir string) string {
	p := filepath.Join(workdir, ".git")
	info, err := os.Stat(p)
	if err != nil {
		return ""
	}
	if info.IsDir() {
		return p
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return ""
	}
	line := strings.TrimSpace(string(b))
	const prefix = "gitdir:"
	if !strings.HasPrefix(line, prefix) {
		return ""
	}
	target := strings.TrimSpace(strings.TrimPrefix(line, prefix))
	if !filepath.IsAbs(target) {
		target = filepath.Join(workdir, target)
	}
	return filepath.Clean(target)
}

func (r *Runner) backoff(attempt int) time.Duration {
	base := r.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}
	limit := r.BackoffCap
	if limit <= 0 {
		limit = defaultBackoffCap
	}
	d := base << (attempt - 1)
	if d > limit {
		d = limit
	}
	// Jitter up to 50% avoids synchronized retry storms across workers.
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

func (r *Runner) checkCircuit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open {
		return ErrCircuitOpen
	}
	return nil
}

func (r *Runner) recordFailure() {
	ceiling := r.FailureCeiling
	if ceiling <= 0 {
		ceiling = defaultFailureCeiling
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.score++
	if r.score >= ceiling && !r.open {
		r.open = true
		slog.Error("git failure ceiling reached, circuit breaker open", "score", r.score)
	}
}

func (r *Runner) recordSuccess() {
	r.mu.Lock()
	r.score *= successDecay
	r.mu.Unlock()
}

// FailureScore returns the current rolling failure score.
func (r *Runner) FailureScore() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.score
}

// CircuitOpen reports whether the breaker has tripped.
func (r *Runner) CircuitOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
