package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"cirunner/cmd/cli/pipelinecmd"
	"cirunner/cmd/cli/runcmd"
)

var RootCmd = &cobra.Command{
	Use:   "cictl",
	Short: "CI Runner - A Postgres backed pipeline runner",
	Long: `CI Runner executes pipeline jobs stage by stage on any number of workers, coordinating
through a single Postgres database.

At a minimum, you need to migrate the database, start the server and at least 1 worker.`,
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	RootCmd.AddCommand(runcmd.Command)
	RootCmd.AddCommand(pipelinecmd.Command)
	RootCmd.AddCommand(migrateCmd)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
