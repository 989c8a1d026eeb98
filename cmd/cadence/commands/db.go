package commands

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the cadence database",
	Long: sym.DB + ` db - Manage the cadence database

Examples:
  cadence db migrate              # Apply pending migrations
  cadence db migrate --status     # List applied and pending migrations
  cadence db stats                # Definition and execution counts by status`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	Args:  cobra.NoArgs,
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show definition and execution counts",
	Args:  cobra.NoArgs,
	RunE:  runDbStats,
}

var migrateStatusOnly bool

func init() {
	dbMigrateCmd.Flags().BoolVar(&migrateStatusOnly, "status", false, "List migrations and whether they are applied, without applying any")

	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	path, err := resolveDatabasePath(DBPath)
	if err != nil {
		return err
	}
	database, err := db.Open(path, logger.Logger)
	if err != nil {
		return err
	}
	defer database.Close()

	if migrateStatusOnly {
		list, err := db.Status(cmd.Context(), database)
		if err != nil {
			return err
		}
		writeMigrations(cmd.OutOrStdout(), list)
		return nil
	}

	if err := db.Migrate(database, logger.AddDBSymbol(logger.Logger)); err != nil {
		return errors.Wrapf(err, "failed to run migrations on %s", path)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s is up to date\n", sym.DB, path)
	return nil
}

func writeMigrations(w io.Writer, list []db.Migration) {
	for _, m := range list {
		state := "pending"
		if m.Applied() {
			state = "applied " + m.AppliedAt
		}
		fmt.Fprintf(w, "  %s  %-40s %s\n", m.Version, m.File, state)
	}
}

func runDbStats(cmd *cobra.Command, args []string) error {
	path, err := resolveDatabasePath(DBPath)
	if err != nil {
		return err
	}
	database, err := openDatabase(path)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	return writeDbStats(cmd.Context(), cmd.OutOrStdout(), database, path)
}

func writeDbStats(ctx context.Context, w io.Writer, database *sql.DB, path string) error {
	definitions, err := countByStatus(ctx, database, "service_definitions")
	if err != nil {
		return err
	}
	records, err := countByStatus(ctx, database, "execution_log")
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%s Database Statistics\n", sym.DB)
	fmt.Fprintf(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Fprintf(w, "Database Path: %s\n\n", path)

	fmt.Fprintf(w, "Definitions:\n")
	writeCounts(w, definitions, "pending", "processing", "completed", "failed")
	fmt.Fprintf(w, "\nExecution records:\n")
	writeCounts(w, records, "pending", "success", "failed")
	return nil
}

// countByStatus counts rows of table per status. table is never user input.
func countByStatus(ctx context.Context, database *sql.DB, table string) (map[string]int, error) {
	rows, err := database.QueryContext(ctx, "SELECT status, COUNT(*) FROM "+table+" GROUP BY status")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to count %s", table)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrapf(err, "failed to scan %s counts", table)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func writeCounts(w io.Writer, counts map[string]int, order ...string) {
	total := 0
	for _, n := range counts {
		total += n
	}
	for _, status := range order {
		fmt.Fprintf(w, "  %-11s %d\n", status+":", counts[status])
	}
	fmt.Fprintf(w, "  %-11s %d\n", "total:", total)
}
