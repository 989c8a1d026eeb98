package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/pulse/schedule"
	"github.com/teranos/cadence/sym"
)

// DefinitionsCmd manages service definitions
var DefinitionsCmd = &cobra.Command{
	Use:     "definitions",
	Aliases: []string{"defs"},
	Short:   sym.Pulse + " Manage service definitions",
	Long: sym.Pulse + ` Manage the definitions passes select from.

Examples:
  cadence definitions list
  cadence definitions add --name nightly --url https://reports.example.com/build \
      --frequency daily --schedule '{"times":["02:00"]}' --body '{"rows":5}'
  cadence definitions import definitions.toml
  cadence definitions disable 3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var definitionsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List definitions",
	Args:    cobra.NoArgs,
	RunE:    runDefinitionsList,
}

var definitionsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a definition",
	Args:  cobra.NoArgs,
	RunE:  runDefinitionsAdd,
}

var definitionsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import definitions from a TOML file",
	Long: `Import definitions from a TOML file of [[definition]] tables.

The whole file is validated before anything is written. A file may declare
requires = "<constraint>" to refuse versions of cadence it was not written for.`,
	Args: cobra.ExactArgs(1),
	RunE: runDefinitionsImport,
}

var definitionsEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Make a definition eligible for passes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setDefinitionActive(cmd, args[0], true)
	},
}

var definitionsDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Exclude a definition from passes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setDefinitionActive(cmd, args[0], false)
	},
}

var (
	defsJSON bool

	defName         string
	defFunctionApp  string
	defURL          string
	defFrequency    string
	defSchedule     string
	defBody         string
	defStart        string
	defTriggerLimit int64
	defInactive     bool

	importSkipExisting bool
)

func init() {
	definitionsListCmd.Flags().BoolVar(&defsJSON, "json", false, "Output as JSON")

	definitionsAddCmd.Flags().StringVar(&defName, "name", "", "Definition name")
	definitionsAddCmd.Flags().StringVar(&defFunctionApp, "function-app", "", "Owning application (informational)")
	definitionsAddCmd.Flags().StringVar(&defURL, "url", "", "Trigger URL")
	definitionsAddCmd.Flags().StringVar(&defFrequency, "frequency", string(schedule.FrequencyOnce), "once, interval, hourly, daily, weekly or monthly")
	definitionsAddCmd.Flags().StringVar(&defSchedule, "schedule", "", `Schedule config (JSON), e.g. '{"times":["02:00"]}'`)
	definitionsAddCmd.Flags().StringVar(&defBody, "body", "", "Request body sent on every trigger (JSON object)")
	definitionsAddCmd.Flags().StringVar(&defStart, "start", "", "Start date (RFC 3339); defaults to now")
	definitionsAddCmd.Flags().Int64Var(&defTriggerLimit, "limit", 0, "Complete the definition after this many successful runs (0 = unlimited)")
	definitionsAddCmd.Flags().BoolVar(&defInactive, "inactive", false, "Create the definition disabled")
	definitionsAddCmd.MarkFlagRequired("name")
	definitionsAddCmd.MarkFlagRequired("url")

	definitionsImportCmd.Flags().BoolVar(&importSkipExisting, "skip-existing", false, "Skip definitions whose id already exists")

	DefinitionsCmd.AddCommand(definitionsListCmd)
	DefinitionsCmd.AddCommand(definitionsAddCmd)
	DefinitionsCmd.AddCommand(definitionsImportCmd)
	DefinitionsCmd.AddCommand(definitionsEnableCmd)
	DefinitionsCmd.AddCommand(definitionsDisableCmd)
}

// withDefinitions opens the database for fn.
func withDefinitions(fn func(store *schedule.Store) error) error {
	database, err := openDatabase(DBPath)
	if err != nil {
		return err
	}
	defer database.Close()
	return fn(schedule.NewStore(database))
}

func runDefinitionsList(cmd *cobra.Command, args []string) error {
	return withDefinitions(func(store *schedule.Store) error {
		defs, err := store.List(cmd.Context())
		if err != nil {
			return err
		}
		if defsJSON {
			if defs == nil {
				defs = []*schedule.Definition{}
			}
			return printJSON(cmd.OutOrStdout(), defs)
		}
		return printDefinitions(cmd.OutOrStdout(), defs)
	})
}

func printDefinitions(w io.Writer, defs []*schedule.Definition) error {
	if len(defs) == 0 {
		fmt.Fprintln(w, "No definitions")
		return nil
	}
	data := pterm.TableData{{"ID", "Name", "Frequency", "Active", "Status", "Runs", "Last triggered"}}
	for _, d := range defs {
		last := "-"
		if d.LastTriggeredAt != nil {
			last = d.LastTriggeredAt.Format(time.RFC3339)
		}
		runs := strconv.FormatInt(d.TriggeredCount, 10)
		if d.TriggerLimit != nil {
			runs += "/" + strconv.FormatInt(*d.TriggerLimit, 10)
		}
		data = append(data, []string{
			strconv.FormatInt(d.ID, 10),
			d.Name,
			string(d.Frequency),
			strconv.FormatBool(d.IsActive),
			string(d.Status),
			runs,
			last,
		})
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return errors.Wrap(err, "failed to render table")
	}
	fmt.Fprintln(w, table)
	return nil
}

func runDefinitionsAdd(cmd *cobra.Command, args []string) error {
	def := &schedule.Definition{
		Name:        defName,
		FunctionApp: defFunctionApp,
		TriggerURL:  defURL,
		Frequency:   schedule.Frequency(defFrequency),
		IsActive:    !defInactive,
	}
	if defSchedule != "" {
		if !json.Valid([]byte(defSchedule)) {
			return errors.NewInvalidRequestError("--schedule is not valid JSON")
		}
		def.ScheduleConfig = json.RawMessage(defSchedule)
	}
	if defBody != "" {
		if !json.Valid([]byte(defBody)) {
			return errors.NewInvalidRequestError("--body is not valid JSON")
		}
		def.JSONBody = defBody
	}
	if defStart != "" {
		start, err := time.Parse(time.RFC3339, defStart)
		if err != nil {
			return errors.NewInvalidRequestError("--start: %v", err)
		}
		def.StartDate = start.UTC()
	}
	if defTriggerLimit > 0 {
		def.TriggerLimit = &defTriggerLimit
	}

	return withDefinitions(func(store *schedule.Store) error {
		if err := store.Create(cmd.Context(), def); err != nil {
			return err
		}
		pterm.Success.Printf("Created definition %d (%s)\n", def.ID, def.Name)
		return nil
	})
}

func runDefinitionsImport(cmd *cobra.Command, args []string) error {
	defs, err := schedule.LoadDefinitionsFile(args[0])
	if err != nil {
		return err
	}

	return withDefinitions(func(store *schedule.Store) error {
		created, skipped := 0, 0
		for _, d := range defs {
			if err := store.Create(cmd.Context(), d); err != nil {
				if importSkipExisting && errors.IsConflictError(err) {
					skipped++
					continue
				}
				return errors.Wrapf(err, "imported %d of %d definitions", created, len(defs))
			}
			created++
		}
		pterm.Success.Printf("Imported %d definition(s) from %s", created, args[0])
		if skipped > 0 {
			pterm.Printf(", skipped %d existing", skipped)
		}
		pterm.Println()
		return nil
	})
}

func setDefinitionActive(cmd *cobra.Command, rawID string, active bool) error {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return errors.NewInvalidRequestError("definition id must be an integer, got %q", rawID)
	}
	return withDefinitions(func(store *schedule.Store) error {
		if err := store.SetActive(cmd.Context(), id, active); err != nil {
			return err
		}
		state := "disabled"
		if active {
			state = "enabled"
		}
		pterm.Success.Printf("Definition %d %s\n", id, state)
		return nil
	})
}
