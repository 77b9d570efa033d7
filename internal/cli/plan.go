package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/swarmgit/swarmgit/internal/config"
	"github.com/swarmgit/swarmgit/internal/executor"
	"github.com/swarmgit/swarmgit/internal/planner"
)

// plan runs one planning pass without dispatching anything, so a goal and
// worker count can be sanity-checked before committing a time budget.
func newPlanCmd() *cobra.Command {
	var (
		configPath string
		stubExec   bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Dry-run the planner: show the assignments one iteration would dispatch",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRun(configPath)
			if err != nil {
				return err
			}

			var exec executor.Executor
			if stubExec {
				exec = &executor.Stub{}
			} else {
				exec = &executor.Subprocess{
					Command: cfg.Executor.Command,
					Args:    cfg.Executor.Args,
					Timeout: cfg.Executor.Timeout,
				}
			}
			p := &planner.Planner{Executor: exec, Model: cfg.Model, Workdir: cfg.Repo}

			workers := make([]string, cfg.Workers)
			for i := range workers {
				workers[i] = fmt.Sprintf("worker-%d", i+1)
			}

			out := cmd.OutOrStdout()
			assignments, done := p.Plan(cmd.Context(), cfg.Goal, workers, nil)
			if done {
				_, _ = fmt.Fprintln(out, "planner reports no work remains")
				return nil
			}
			for _, a := range assignments {
				_, _ = fmt.Fprintf(out, "%s: %s\n", a.WorkerID, a.Area)
				for _, t := range a.Tasks {
					_, _ = fmt.Fprintf(out, "  - %s\n", t)
				}
				if len(a.FileHints) > 0 {
					_, _ = fmt.Fprintf(out, "  files: %s\n", strings.Join(a.FileHints, ", "))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "swarm.yaml", "Run configuration file")
	cmd.Flags().BoolVar(&stubExec, "stub", false, "Use the stub executor")
	return cmd
}
