package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/swarmgit/swarmgit/internal/config"
)

func NewRootCmd(version string) *cobra.Command {
	var homeOverride string

	cmd := &cobra.Command{
		Use:          "swarmgit",
		Short:        "swarmgit — many parallel workers, one repository",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			home, err := config.ResolveHome(homeOverride)
			if err != nil {
				return err
			}
			cmd.SetContext(config.WithHome(cmd.Context(), home))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&homeOverride, "home", "", "Override swarmgit home directory (default: ~/.swarmgit, env: SWARMGIT_HOME)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newPlanCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newRunsCmd())
	cmd.AddCommand(newDoctorCmd())

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}

	return cmd
}
