package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage cadence configuration",
	Long: sym.AM + ` am - Manage cadence configuration ("I am")

Display and manage cadence configuration settings.

Configuration sources (in order of precedence):
1. Command line flags
2. Environment variables (CADENCE_* prefix)
3. Project config (nearest am.toml above the working directory)
4. User config (~/.cadence/am.toml)
5. System config (/etc/cadence/am.toml)
6. Default values

Examples:
  cadence am show                         # Show current configuration
  cadence am show --format json           # Show configuration in JSON format
  cadence am get scheduler.timezone       # Get specific config value
  cadence am set scheduler.window_minutes 30
  cadence am validate                     # Validate current configuration
  cadence am where                        # Show where each setting comes from`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the effective cadence configuration merged from all sources",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., database.path, scheduler.cron)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write a configuration value",
	Long: `Write a configuration value to ~/.cadence/am.toml (or the file given by --file).

Values are typed: true/false become booleans, integers and floats become
numbers, anything else is a string. The previous file is kept as a backup.
A running 'cadence serve' picks up the change from the file it watches.`,
	Args: cobra.ExactArgs(2),
	RunE: runAmSet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	Long:  "Validate that the current cadence configuration is valid",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	Long: `Show the configuration cascade and which source set each value.

Lists all configuration sources in order of precedence, with the settings
each one contributes.`,
	RunE: runAmWhere,
}

var (
	configFormat string
	setFile      string
)

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")
	amSetCmd.Flags().StringVar(&setFile, "file", "", "Config file to write (default ~/.cadence/am.toml)")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amSetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return renderConfig(cmd.OutOrStdout(), maskSecrets(cfg), configFormat)
}

// maskSecrets returns a copy of cfg safe to print.
func maskSecrets(cfg *am.Config) *am.Config {
	masked := *cfg
	if masked.Events.Redis.Password != "" {
		masked.Events.Redis.Password = "********"
	}
	return &masked
}

func renderConfig(w io.Writer, cfg *am.Config, format string) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
		fmt.Fprintln(w, string(data))

	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
		fmt.Fprintf(w, "# cadence configuration\n%s", string(data))

	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to TOML: %w", err)
		}
		fmt.Fprintf(w, "# cadence configuration\n%s", string(data))

	default:
		return fmt.Errorf("unsupported format: %s (supported: toml, json, yaml)", format)
	}
	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	v := am.GetViper()
	if !v.IsSet(key) {
		return fmt.Errorf("configuration key %q not found", key)
	}

	fmt.Fprintln(cmd.OutOrStdout(), am.Get(key))
	return nil
}

func runAmSet(cmd *cobra.Command, args []string) error {
	path := setFile
	if path == "" {
		var err error
		if path, err = am.UserConfigPath(); err != nil {
			return err
		}
	}

	if err := am.SetValue(path, args[0], args[1]); err != nil {
		return errors.Wrapf(err, "failed to set %s", args[0])
	}

	// Validate what the cascade now resolves to
	am.Reset()
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "config no longer loads")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrapf(err, "%s was written but the configuration is now invalid", path)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s %s = %v (%s)\n", sym.AM, args[0], am.Get(args[0]), path)
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	if _, err := am.Load(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	writeWhere(cmd.OutOrStdout(), am.Introspect())
	return nil
}

// writeWhere prints the cascade and the settings each source contributes.
func writeWhere(w io.Writer, settings []am.SettingInfo) {
	fmt.Fprintln(w, "Configuration cascade (later overrides earlier):")
	fmt.Fprintln(w, "  1. [DEFAULT]  Built-in defaults")
	fmt.Fprintln(w, "  2. [SYSTEM]   /etc/cadence/am.toml")
	fmt.Fprintln(w, "  3. [USER]     ~/.cadence/am.toml")
	fmt.Fprintln(w, "  4. [PROJECT]  ./am.toml (searches up directories)")
	fmt.Fprintln(w, "  5. [ENV]      CADENCE_* environment variables")
	fmt.Fprintln(w)

	type group struct {
		path     string
		settings []am.SettingInfo
	}
	bySource := make(map[am.ConfigSource]*group)
	for _, s := range settings {
		g, ok := bySource[s.Source]
		if !ok {
			g = &group{path: s.SourcePath}
			bySource[s.Source] = g
		}
		g.settings = append(g.settings, s)
	}

	fmt.Fprintln(w, "Active configuration:")
	for _, source := range []am.ConfigSource{
		am.SourceDefault,
		am.SourceSystem,
		am.SourceUser,
		am.SourceProject,
		am.SourceEnvironment,
	} {
		g, ok := bySource[source]
		if !ok {
			continue
		}
		switch source {
		case am.SourceDefault:
			fmt.Fprintf(w, "\n%s: %d settings\n", source, len(g.settings))
		case am.SourceEnvironment:
			fmt.Fprintf(w, "\n%s: %d settings from environment variables\n", source, len(g.settings))
		default:
			fmt.Fprintf(w, "\n%s: %d settings from %s\n", source, len(g.settings), g.path)
		}

		for _, s := range g.settings {
			valueStr := fmt.Sprintf("%v", s.Value)
			if s.Key == "events.redis.password" && valueStr != "" {
				valueStr = "********"
			}
			// Truncate long values
			if len(valueStr) > 50 {
				valueStr = valueStr[:47] + "..."
			}
			fmt.Fprintf(w, "  %s = %s\n", s.Key, valueStr)
		}
	}
}
