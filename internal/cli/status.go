package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/swarmgit/swarmgit/pkg/client"
)

func newStatusCmd() *cobra.Command {
	var addr, apiKey string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running swarm",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New("http://"+addr, apiKey)
			st, err := c.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("no swarm reachable at %s: %w", addr, err)
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "run %s: %s (%s, %d workers)\n", st.RunID, st.State, st.Topology, st.Workers)
			_, _ = fmt.Fprintf(out, "  merges=%d commits=%d conflicts=%d pushes=%d\n",
				st.Stats.Merges, st.Stats.Commits, st.Stats.Conflicts, st.Stats.Pushes)
			if !st.Deadline.IsZero() {
				_, _ = fmt.Fprintf(out, "  budget remaining: %s\n", time.Until(st.Deadline).Round(time.Second))
			}

			sessions, err := c.Sessions(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range sessions {
				_, _ = fmt.Fprintf(out, "  %-16s %-12s turns=%d merges=%d failures=%d rate_limits=%d\n",
					s.ID, s.Status, s.Turns, s.Merges, s.Failures, s.RateLimits)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7433", "Swarm API address")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key, if the swarm requires one")
	return cmd
}

func newRunsCmd() *cobra.Command {
	var addr, apiKey string

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List persisted runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New("http://"+addr, apiKey)
			runs, err := c.Runs(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				_, _ = fmt.Fprintln(out, "no runs")
				return nil
			}
			for _, r := range runs {
				_, _ = fmt.Fprintf(out, "%-10s %-10s saved %s\n", r.RunID, r.State, r.SavedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7433", "Swarm API address")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key, if the swarm requires one")
	return cmd
}
