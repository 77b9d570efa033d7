package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/swarmgit/swarmgit/pkg/models"
)

func TestWithHome_HomeFrom(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	if _, ok := HomeFrom(ctx); ok {
		t.Fatal("expected no home in empty context")
	}
	ctx = WithHome(ctx, "/foo/bar")
	got, ok := HomeFrom(ctx)
	if !ok || got != "/foo/bar" {
		t.Fatalf("HomeFrom: got %q, ok=%v; want /foo/bar, true", got, ok)
	}
}

func TestMustHomeFrom(t *testing.T) {
	t.Parallel()
	ctx := WithHome(context.Background(), "/swarmgit")
	if got := MustHomeFrom(ctx); got != "/swarmgit" {
		t.Fatalf("MustHomeFrom: got %q", got)
	}
}

func TestMustHomeFrom_panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic when home missing")
		}
	}()
	MustHomeFrom(context.Background())
}

func TestResolveHome_override(t *testing.T) {
	t.Parallel()
	got, err := ResolveHome("/custom/home")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	if got != filepath.Clean("/custom/home") {
		t.Fatalf("ResolveHome: got %q", got)
	}
}

func TestResolveHome_env(t *testing.T) {
	t.Setenv("SWARMGIT_HOME", "/env/home")
	got, err := ResolveHome("")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	if got != filepath.Clean("/env/home") {
		t.Fatalf("ResolveHome from env: got %q", got)
	}
}

func TestResolveHome_default(t *testing.T) {
	t.Setenv("SWARMGIT_HOME", "")
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("UserHomeDir: %v", err)
	}
	got, err := ResolveHome("")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	want := filepath.Join(home, ".swarmgit")
	if got != want {
		t.Fatalf("ResolveHome default: got %q, want %q", got, want)
	}
}

func writeRunConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadRun_defaults(t *testing.T) {
	t.Parallel()
	path := writeRunConfig(t, "goal: build the thing\nrepo: /src/repo\n")
	cfg, err := LoadRun(path)
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if cfg.Workers != models.DefaultWorkerCount {
		t.Errorf("Workers = %d, want default %d", cfg.Workers, models.DefaultWorkerCount)
	}
	if cfg.Topology != models.TopologyFlat {
		t.Errorf("Topology = %q", cfg.Topology)
	}
	if cfg.IntegrationBranch != "main" {
		t.Errorf("IntegrationBranch = %q", cfg.IntegrationBranch)
	}
	if cfg.Listen == "" {
		t.Error("Listen default missing")
	}
}

func TestLoadRun_full(t *testing.T) {
	t.Parallel()
	path := writeRunConfig(t, `
goal: refactor storage
repo: /src/repo
integration_branch: develop
remote: origin
workers: 6
topology: hierarchical
clusters: [api, storage]
time_budget: 2h
model: fast-1
executor:
  command: swarm-agent
  timeout: 10m
queue:
  capacity: 64
  op_timeout: 90s
`)
	cfg, err := LoadRun(path)
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if cfg.TimeBudget != 2*time.Hour {
		t.Errorf("TimeBudget = %v", cfg.TimeBudget)
	}
	if cfg.Queue.OpTimeout != 90*time.Second {
		t.Errorf("OpTimeout = %v", cfg.Queue.OpTimeout)
	}
	if len(cfg.Clusters) != 2 {
		t.Errorf("Clusters = %v", cfg.Clusters)
	}
}

func TestLoadRun_relativeRepoResolvesAgainstFile(t *testing.T) {
	t.Parallel()
	path := writeRunConfig(t, "goal: g\nrepo: ./repo\n")
	cfg, err := LoadRun(path)
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	want := filepath.Join(filepath.Dir(path), "repo")
	if cfg.Repo != want {
		t.Errorf("Repo = %q, want %q", cfg.Repo, want)
	}
}

func TestLoadRun_rejectsBadTopology(t *testing.T) {
	t.Parallel()
	cases := []string{
		"repo: /src/repo\n",                                             // no goal
		"goal: g\n",                                                     // no repo
		"goal: g\nrepo: /r\ntopology: ring\n",                           // unknown topology
		"goal: g\nrepo: /r\ntopology: hierarchical\n",                   // no clusters
		"goal: g\nrepo: /r\ntopology: hierarchical\nclusters: [a, b]\nworkers: 1\n", // too few workers
	}
	for _, body := range cases {
		if _, err := LoadRun(writeRunConfig(t, body)); err == nil {
			t.Errorf("LoadRun accepted %q", body)
		}
	}
}
