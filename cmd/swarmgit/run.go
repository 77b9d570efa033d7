package main

import (
	"context"
	"fmt"
	"os"

	"github.com/swarmgit/swarmgit/internal/cli"
)

// Run wires the CLI to the process context and maps its outcome to an exit
// code. Separate from main so tests can drive it directly.
func Run(ctx context.Context, args []string) int {
	root := cli.NewRootCmd(buildVersion())
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	return 0
}
