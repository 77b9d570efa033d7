package cli

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/swarmgit/swarmgit/internal/config"
)

func newDoctorCmd() *cobra.Command {
	var executorCmd string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Verify runtime dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())

			var problems []string

			// git is required for every repository operation.
			if _, err := exec.LookPath("git"); err != nil {
				problems = append(problems, "missing dependency: git (not found on PATH)")
			}

			if executorCmd != "" {
				if _, err := exec.LookPath(executorCmd); err != nil {
					problems = append(problems, fmt.Sprintf("executor command %q not found on PATH", executorCmd))
				}
			}

			if err := os.MkdirAll(home, 0o755); err != nil {
				problems = append(problems, fmt.Sprintf("home %s not writable: %v", home, err))
			}

			if len(problems) > 0 {
				for _, p := range problems {
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), p)
				}
				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}

	cmd.Flags().StringVar(&executorCmd, "executor", "", "Also check that this executor command is on PATH")
	return cmd
}
