package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/pulse/execlog"
	"github.com/teranos/cadence/sym"
)

// StatusCmd prints the status of one execution record
var StatusCmd = &cobra.Command{
	Use:   "status <log_id>",
	Short: sym.Log + " Show whether an execution has finished",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

// ResultCmd prints the full execution record
var ResultCmd = &cobra.Command{
	Use:   "result <log_id>",
	Short: sym.Log + " Show an execution's request, response and workflow",
	Args:  cobra.ExactArgs(1),
	RunE:  runResult,
}

// CompleteCmd performs the terminal write for a record, as an external
// completer would through the API
var CompleteCmd = &cobra.Command{
	Use:   "complete <log_id>",
	Short: sym.Log + " Mark an execution as succeeded or failed",
	Long: sym.Log + ` Mark a pending execution as success or failed.

The first terminal write wins. Repeating the same outcome is a no-op; a
different outcome for a finished record is rejected. When the record belongs
to a definition, the definition's last response and status are updated too.

Examples:
  cadence complete 0b6f... --status success --response '{"rows":5}'
  cadence complete 0b6f... --status failed --error "upstream timed out"`,
	Args: cobra.ExactArgs(1),
	RunE: runComplete,
}

var (
	completeStatus   string
	completeResponse string
	completeError    string
)

func init() {
	CompleteCmd.Flags().StringVar(&completeStatus, "status", "success", "Terminal status: success or failed")
	CompleteCmd.Flags().StringVar(&completeResponse, "response", "", "Response payload (JSON)")
	CompleteCmd.Flags().StringVar(&completeError, "error", "", "Error message for a failed run")
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withRuntime(cmd, func(rt *runtime) error {
		view, err := rt.status.GetStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), view)
	})
}

func runResult(cmd *cobra.Command, args []string) error {
	return withRuntime(cmd, func(rt *runtime) error {
		view, err := rt.status.GetResult(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), view)
	})
}

func runComplete(cmd *cobra.Command, args []string) error {
	status := execlog.Status(completeStatus)
	if !status.IsTerminal() {
		return errors.NewInvalidRequestError("--status must be success or failed, got %q", completeStatus)
	}
	var response json.RawMessage
	if completeResponse != "" {
		if !json.Valid([]byte(completeResponse)) {
			return errors.NewInvalidRequestError("--response is not valid JSON")
		}
		response = json.RawMessage(completeResponse)
	}

	return withRuntime(cmd, func(rt *runtime) error {
		ctx := cmd.Context()
		before, err := rt.logs.Get(ctx, args[0])
		if err != nil {
			return err
		}
		rec, err := rt.logs.Complete(ctx, args[0], execlog.Outcome{
			Status:       status,
			Response:     response,
			ErrorMessage: completeError,
		})
		if err != nil {
			return err
		}
		if before.IsTerminal() {
			pterm.Info.Printf("Execution %s was already %s\n", rec.LogID, rec.Status)
			return nil
		}
		rt.dispatcher.Reconcile(ctx, rec)
		pterm.Success.Printf("Execution %s marked %s\n", rec.LogID, rec.Status)
		return nil
	})
}

// withRuntime loads config, opens the database and builds the runtime for fn.
func withRuntime(cmd *cobra.Command, fn func(rt *runtime) error) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	database, err := openDatabase(DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	rt, err := buildRuntime(cmd.Context(), cfg, database)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

func printJSON(w io.Writer, v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to format JSON")
	}
	fmt.Fprintln(w, string(out))
	return nil
}
