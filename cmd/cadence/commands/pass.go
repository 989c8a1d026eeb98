package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/pulse/execlog"
	"github.com/teranos/cadence/pulse/pass"
	"github.com/teranos/cadence/sym"
)

// PassCmd groups pass commands
var PassCmd = &cobra.Command{
	Use:   "pass",
	Short: sym.Pulse + " Run scheduling passes",
	Long: sym.Pulse + ` Run a scheduling pass from the command line.

A pass sweeps stuck definitions, selects the ones due in the current window,
dispatches them and waits until every run is terminal. Runs that finish
asynchronously are completed through the server's complete endpoint, so keep
'cadence serve' (or another completer) running against the same database.

Examples:
  cadence pass run                  # Dispatch what is due now and wait
  cadence pass run --force 3,7      # Dispatch definitions 3 and 7 regardless of their schedule
  cadence pass run --force 3 --json # Print the summary as JSON`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var passRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one pass and wait for it",
	Args:  cobra.NoArgs,
	RunE:  runPass,
}

var (
	passForceIDs []int64
	passBypass   bool
	passJSON     bool
)

func init() {
	passRunCmd.Flags().Int64SliceVar(&passForceIDs, "force", nil, "Definition ids to dispatch regardless of their schedule")
	passRunCmd.Flags().BoolVar(&passBypass, "bypass-window", false, "Skip window evaluation for forced definitions")
	passRunCmd.Flags().BoolVar(&passJSON, "json", false, "Print the summary as JSON")

	PassCmd.AddCommand(passRunCmd)
}

func runPass(cmd *cobra.Command, args []string) error {
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

	// Ctrl+C stops waiting; records still pending stay pending
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := rt.engine.Start(ctx, pass.Request{
		ForcedIDs:     passForceIDs,
		BypassWindow:  passBypass,
		TriggerSource: execlog.TriggerCLI,
	})
	if err != nil {
		return errors.Wrap(err, "failed to start pass")
	}
	for _, d := range p.Diagnostics {
		pterm.Warning.Printf("definition %d: %s (%s)\n", d.DefinitionID, d.Error, d.Kind)
	}
	if !passJSON {
		pterm.Info.Printf("Pass %s: %d definition(s) due, waiting for completion...\n", p.LogID, p.ServicesFound())
	}

	summary, err := p.Run(ctx)
	if err != nil {
		return errors.Wrapf(err, "pass %s did not finish", p.LogID)
	}

	if passJSON {
		out, err := json.MarshalIndent(struct {
			LogID string `json:"log_id"`
			*pass.Summary
		}{p.LogID, summary}, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to format summary")
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	}
	return printSummary(cmd.OutOrStdout(), p.LogID, summary)
}

// printSummary renders a pass summary as a table of triggered definitions
// followed by the totals.
func printSummary(w io.Writer, logID string, s *pass.Summary) error {
	if len(s.Triggered) > 0 {
		data := pterm.TableData{{"ID", "Name", "Log ID", "Status", "Code"}}
		for _, t := range s.Triggered {
			code := ""
			if t.StatusCode != 0 {
				code = strconv.Itoa(t.StatusCode)
			}
			data = append(data, []string{
				strconv.FormatInt(t.DefinitionID, 10), t.Name, t.LogID, t.Status, code,
			})
		}
		table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
		if err != nil {
			return errors.Wrap(err, "failed to render table")
		}
		fmt.Fprintln(w, table)
	}

	fmt.Fprintf(w, "%s Pass %s\n", sym.Pulse, logID)
	fmt.Fprintf(w, "  Processed:  %d\n", s.Processed)
	fmt.Fprintf(w, "  Successful: %d\n", s.Successful)
	fmt.Fprintf(w, "  Failed:     %d\n", s.Failed)
	if s.Skipped > 0 {
		fmt.Fprintf(w, "  Skipped:    %d\n", s.Skipped)
	}
	if s.StuckServicesFound > 0 {
		fmt.Fprintf(w, "  Stuck:      %d\n", s.StuckServicesFound)
	}
	if len(s.NotFound) > 0 {
		fmt.Fprintf(w, "  Not found:  %v\n", s.NotFound)
	}
	for _, e := range s.Errors {
		fmt.Fprintf(w, "  ! %s\n", e)
	}
	fmt.Fprintf(w, "  Duration:   %dms\n", s.DurationMS)
	return nil
}
