package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/swarmgit/swarmgit/internal/config"
	"github.com/swarmgit/swarmgit/internal/executor"
	"github.com/swarmgit/swarmgit/internal/gitx"
	"github.com/swarmgit/swarmgit/internal/httpapi"
	"github.com/swarmgit/swarmgit/internal/hub"
	"github.com/swarmgit/swarmgit/internal/opqueue"
	"github.com/swarmgit/swarmgit/internal/otel"
	"github.com/swarmgit/swarmgit/internal/planner"
	"github.com/swarmgit/swarmgit/internal/ratelimit"
	"github.com/swarmgit/swarmgit/internal/scheduler"
	"github.com/swarmgit/swarmgit/internal/session"
	"github.com/swarmgit/swarmgit/internal/store"
	"github.com/swarmgit/swarmgit/internal/store/postgres"
	"github.com/swarmgit/swarmgit/internal/worktree"
)

func newRunCmd() *cobra.Command {
	var (
		configPath string
		resumeID   string
		stubExec   bool
		enableOtel bool
		apiKey     string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a swarm against a repository until the goal or the budget is done",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			cfg, err := config.LoadRun(configPath)
			if err != nil {
				return err
			}
			return runSwarm(cmd.Context(), home, cfg, runFlags{
				resumeID:   resumeID,
				stubExec:   stubExec,
				enableOtel: enableOtel,
				apiKey:     apiKey,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "swarm.yaml", "Run configuration file")
	cmd.Flags().StringVar(&resumeID, "resume", "", "Resume a previous run by id")
	cmd.Flags().BoolVar(&stubExec, "stub", false, "Use the stub executor (no subprocesses; for dry runs)")
	cmd.Flags().BoolVar(&enableOtel, "otel", true, "Enable OpenTelemetry metrics (Prometheus exporter on /metrics)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "Require this key on API requests (X-API-Key)")
	return cmd
}

type runFlags struct {
	resumeID   string
	stubExec   bool
	enableOtel bool
	apiKey     string
}

func runSwarm(ctx context.Context, home string, cfg *config.RunConfig, flags runFlags) error {
	var metricsHandler http.Handler
	if flags.enableOtel {
		h, err := otel.InitMeterProvider(ctx, "swarmgit")
		if err != nil {
			slog.Warn("otel init failed, metrics disabled", "err", err)
		} else {
			metricsHandler = h
		}
	}

	var st store.Store
	var err error
	if strings.HasPrefix(cfg.Database, "postgres://") || strings.HasPrefix(cfg.Database, "postgresql://") {
		st, err = postgres.Open(ctx, cfg.Database)
	} else {
		st, err = store.Open(home)
	}
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	runID := flags.resumeID
	if runID == "" {
		runID = uuid.NewString()[:8]
	}

	git := &gitx.Runner{Timeout: cfg.Queue.OpTimeout}
	queue := opqueue.New(opqueue.Config{
		Capacity:  cfg.Queue.Capacity,
		OpTimeout: cfg.Queue.OpTimeout,
	})
	defer queue.Close()
	queue.OnExec = func(label string, global bool, elapsed time.Duration, err error) {
		otel.RecordRepoOp(context.Background(), label, global, elapsed, err != nil)
	}

	sessions := session.NewRegistry()
	events := hub.New()
	trees := &worktree.Manager{
		Git:     git,
		Queue:   queue,
		RepoDir: cfg.Repo,
		Root:    filepath.Join(home, "worktrees", runID),
	}

	pool, err := loadPool(cfg.CredentialsFile)
	if err != nil {
		return err
	}

	var exec executor.Executor
	if flags.stubExec {
		exec = &executor.Stub{Delay: 100 * time.Millisecond}
	} else {
		exec = &executor.Subprocess{
			Command: cfg.Executor.Command,
			Args:    cfg.Executor.Args,
			Timeout: cfg.Executor.Timeout,
		}
	}

	sched, err := scheduler.New(scheduler.Config{
		RunID:             runID,
		Goal:              cfg.Goal,
		RepoDir:           cfg.Repo,
		IntegrationBranch: cfg.IntegrationBranch,
		Workers:           cfg.Workers,
		Topology:          cfg.Topology,
		Clusters:          cfg.Clusters,
		TimeBudget:        cfg.TimeBudget,
		Model:             cfg.Model,
		Remote:            cfg.Remote,
	}, scheduler.Deps{
		Git:      git,
		Queue:    queue,
		Trees:    trees,
		Sessions: sessions,
		Pool:     pool,
		Exec:     exec,
		Planner:  &planner.Planner{Executor: exec, Model: cfg.Model, Workdir: cfg.Repo},
		Store:    st,
		Hub:      events,
	})
	if err != nil {
		return err
	}

	if flags.resumeID != "" {
		snap, err := st.LoadSnapshot(ctx, flags.resumeID)
		if err != nil {
			return fmt.Errorf("load snapshot %s: %w", flags.resumeID, err)
		}
		if snap == nil {
			return fmt.Errorf("no snapshot for run %s", flags.resumeID)
		}
		sched.Restore(snap)
	}

	app := httpapi.NewApp(httpapi.ServerOptions{
		Addr:           cfg.Listen,
		APIKey:         flags.apiKey,
		MetricsHandler: metricsHandler,
		UseOtelHTTP:    flags.enableOtel,
	}, sched, sessions, events, st)

	go func() {
		slog.Info("api listening", "addr", cfg.Listen)
		if err := app.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server", "err", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Server.Shutdown(shutdownCtx)
	}()

	go func() {
		<-ctx.Done()
		sched.Stop()
	}()

	slog.Info("run starting", "run_id", runID, "repo", cfg.Repo, "workers", cfg.Workers, "topology", cfg.Topology)
	return sched.Run(ctx)
}

func loadPool(path string) (*ratelimit.Pool, error) {
	if path == "" {
		return ratelimit.NewPool(nil, 0), nil
	}
	creds, err := ratelimit.LoadCredentials(path)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	return ratelimit.NewPool(creds, 0), nil
}
