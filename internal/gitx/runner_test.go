package gitx

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		output string
		err    error
		want   Kind
	}{
		{"index lock", "fatal: Unable to create '/repo/.git/index.lock': File exists.", errors.New("exit 128"), KindTransientLock},
		{"another process", "Another git process seems to be running in this repository", errors.New("exit 128"), KindTransientLock},
		{"ref lock", "error: cannot lock ref 'refs/heads/main'", errors.New("exit 1"), KindTransientLock},
		{"overwrite", "error: Your local changes to the following files would be overwritten by merge", errors.New("exit 1"), KindConflict},
		{"merge conflict", "CONFLICT (content): Merge conflict in a.txt", errors.New("exit 1"), KindConflict},
		{"needs merge", "a.txt: needs merge", errors.New("exit 1"), KindConflict},
		{"deadline", "", context.DeadlineExceeded, KindTimeout},
		{"unknown", "fatal: not a git repository", errors.New("exit 128"), KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.output, tc.err); got != tc.want {
				t.Fatalf("Classify(%q) = %v, want %v", tc.output, got, tc.want)
			}
		})
	}
}

func TestClassify_conflictWinsOverLock(t *testing.T) {
	t.Parallel()
	out := "CONFLICT (content): merge conflict; also mentions index.lock"
	if got := Classify(out, errors.New("exit 1")); got != KindConflict {
		t.Fatalf("Classify = %v, want KindConflict", got)
	}
}

func TestSweepStaleLocks(t *testing.T) {
	t.Parallel()
	workdir := t.TempDir()
	gitDir := filepath.Join(workdir, ".git")
	if err := os.MkdirAll(filepath.Join(gitDir, "refs", "heads"), 0o755); err != nil {
		t.Fatal(err)
	}

	stale := filepath.Join(gitDir, "index.lock")
	if err := os.WriteFile(stale, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-10 * time.Minute)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}

	staleNested := filepath.Join(gitDir, "refs", "heads", "main.lock")
	if err := os.WriteFile(staleNested, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(staleNested, old, old); err != nil {
		t.Fatal(err)
	}

	fresh := filepath.Join(gitDir, "HEAD.lock")
	if err := os.WriteFile(fresh, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	r := &Runner{StaleLockAge: 3 * time.Minute}
	r.SweepStaleLocks(workdir)

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale index.lock should have been removed")
	}
	if _, err := os.Stat(staleNested); !os.IsNotExist(err) {
		t.Fatal("stale nested ref lock should have been removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatal("fresh lock must be left untouched")
	}
}

func TestResolveGitDir_worktreeIndirection(t *testing.T) {
	t.Parallel()
	main := t.TempDir()
	meta := filepath.Join(main, ".git", "worktrees", "w1")
	if err := os.MkdirAll(meta, 0o755); err != nil {
		t.Fatal(err)
	}
	wt := t.TempDir()
	if err := os.WriteFile(filepath.Join(wt, ".git"), []byte("gitdir: "+meta+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := resolveGitDir(wt); got != meta {
		t.Fatalf("resolveGitDir = %q, want %q", got, meta)
	}
}

func TestRunner_circuitBreaker(t *testing.T) {
	t.Parallel()
	workdir := t.TempDir() // not a repo: every command fails
	r := &Runner{GitBin: "git", MaxAttempts: 1, FailureCeiling: 2, Timeout: 10 * time.Second}
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ctx := context.Background()

	_, _ = r.Run(ctx, workdir, "status")
	_, _ = r.Run(ctx, workdir, "status")
	if !r.CircuitOpen() {
		t.Fatalf("breaker should be open, score %v", r.FailureScore())
	}
	if _, err := r.Run(ctx, workdir, "status"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("want ErrCircuitOpen, got %v", err)
	}
}

func TestRunner_successDecaysScore(t *testing.T) {
	t.Parallel()
	r := &Runner{}
	r.recordFailure()
	r.recordFailure()
	before := r.FailureScore()
	r.recordSuccess()
	after := r.FailureScore()
	if !(after < before && after > 0) {
		t.Fatalf("success should decay score gradually, before=%v after=%v", before, after)
	}
}

func TestRunner_runsInRealRepo(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ctx := context.Background()
	dir := t.TempDir()
	r := &Runner{}
	if _, err := r.Run(ctx, dir, "init", "-q"); err != nil {
		t.Fatalf("git init: %v", err)
	}
	out, err := r.Run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		t.Fatalf("rev-parse: %v", err)
	}
	if out != "true" {
		t.Fatalf("rev-parse output = %q", out)
	}
}

func TestRunner_conflictDoesNotFeedBreaker(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ctx := context.Background()
	dir := t.TempDir()
	r := &Runner{FailureCeiling: 1}

	run := func(args ...string) {
		t.Helper()
		if _, err := r.Run(ctx, dir, args...); err != nil {
			t.Fatalf("git %v: %v", args, err)
		}
	}
	write := func(content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	run("init", "-q", "-b", "main")
	run("config", "user.email", "swarm@test")
	run("config", "user.name", "swarm")
	write("base\n")
	run("add", ".")
	run("commit", "-q", "-m", "base")
	run("checkout", "-q", "-b", "side")
	write("side\n")
	run("commit", "-aqm", "side")
	run("checkout", "-q", "main")
	write("main\n")
	run("commit", "-aqm", "main")

	_, err := r.Run(ctx, dir, "merge", "side")
	var gerr *Error
	if !errors.As(err, &gerr) || gerr.Kind != KindConflict {
		t.Fatalf("merge error = %v, want conflict", err)
	}
	if r.CircuitOpen() {
		t.Fatal("conflict tripped the circuit breaker")
	}
	if got := r.FailureScore(); got != 0 {
		t.Errorf("FailureScore = %v, want 0 after a conflict", got)
	}
	run("merge", "--abort")
}
