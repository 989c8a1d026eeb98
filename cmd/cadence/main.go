package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/cadence/cmd/cadence/commands"
	"github.com/teranos/cadence/logger"
)

var rootCmd = &cobra.Command{
	Use:   "cadence",
	Short: "cadence - scheduled HTTP dispatch with a durable execution log",
	Long: `cadence - scheduled HTTP dispatch with a durable execution log.

cadence keeps service definitions, decides on each pass which ones are due,
triggers them over HTTP and records every run until it is terminal.

Available commands:
  serve        - Start the HTTP API and timer-driven passes
  pass         - Run a scheduling pass from the command line
  status       - Show whether an execution has finished
  result       - Show an execution's full record
  complete     - Mark an execution as succeeded or failed
  definitions  - Manage service definitions
  db           - Manage the database
  am           - Manage configuration ("I am")

Examples:
  cadence serve                    # Serve on :8740 and run passes every quarter hour
  cadence pass run --force 3       # Trigger definition 3 now and wait for it
  cadence status <log_id>          # Check a run
  cadence am show                  # Show current configuration`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		if cmd.Name() == "serve" && verbosity == 0 {
			verbosity = logger.VerbosityInfo
		}
		jsonLog, _ := cmd.Flags().GetBool("json-log")
		if err := logger.Initialize(jsonLog, logger.VerbosityToLevel(verbosity)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json-log", false, "Write logs as JSON")
	rootCmd.PersistentFlags().StringVar(&commands.DBPath, "db-path", "", "Database path (overrides database.path)")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.CompleteCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.DefinitionsCmd)
	rootCmd.AddCommand(commands.PassCmd)
	rootCmd.AddCommand(commands.ResultCmd)
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
