package db

import (
	"context"
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/sym"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

// Migration is one embedded schema file.
type Migration struct {
	Version   string `json:"version"`
	File      string `json:"file"`
	AppliedAt string `json:"applied_at,omitempty"` // empty while pending
}

// Applied reports whether the migration is recorded in schema_migrations.
func (m Migration) Applied() bool {
	return m.AppliedAt != ""
}

// embedded lists the migration files in version order. Versions must be unique.
func embedded() ([]Migration, error) {
	entries, err := migrations.ReadDir("sqlite/migrations")
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}

	var list []Migration
	seen := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.SplitN(entry.Name(), "_", 2)[0]
		if other, dup := seen[version]; dup {
			return nil, errors.Newf("migrations %s and %s share version %s", other, entry.Name(), version)
		}
		seen[version] = entry.Name()
		list = append(list, Migration{Version: version, File: entry.Name()})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Version < list[j].Version })
	return list, nil
}

// Status lists every embedded migration with the time it was applied.
// A database that was never migrated reports everything pending.
func Status(ctx context.Context, db *sql.DB) ([]Migration, error) {
	list, err := embedded()
	if err != nil {
		return nil, err
	}

	applied := make(map[string]string)
	rows, err := db.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations")
	if err != nil {
		if IsDatabaseClosed(err) {
			return nil, errors.Wrap(err, "read schema_migrations")
		}
		// No schema_migrations table yet
		return list, nil
	}
	defer rows.Close()
	for rows.Next() {
		var version, at string
		if err := rows.Scan(&version, &at); err != nil {
			return nil, errors.Wrap(err, "scan schema_migrations")
		}
		applied[version] = at
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "read schema_migrations")
	}

	for i := range list {
		list[i].AppliedAt = applied[list[i].Version]
	}
	return list, nil
}

// Migrate runs all pending migrations, each in its own transaction.
// If logger is provided, logs migration progress; otherwise operates silently.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	ctx := context.Background()
	list, err := Status(ctx, db)
	if err != nil {
		return err
	}

	applied := 0
	for _, m := range list {
		if m.Applied() {
			if logger != nil {
				logger.Debugw("Skipping migration (already applied)", "migration", m.File)
			}
			continue
		}
		if err := apply(ctx, db, m); err != nil {
			return err
		}
		if logger != nil {
			logger.Infow("Applied migration", "migration", m.File, "version", m.Version)
		}
		applied++
	}

	if logger != nil && applied > 0 {
		logger.Infow("Migrations complete",
			"symbol", sym.DB,
			"total_migrations", len(list),
			"applied", applied,
		)
	}
	return nil
}

func apply(ctx context.Context, db *sql.DB, m Migration) error {
	sqlBytes, err := migrations.ReadFile(path.Join("sqlite/migrations", m.File))
	if err != nil {
		return errors.Wrapf(err, "read %s", m.File)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "begin tx for %s", m.File)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return errors.Wrapf(err, "execute %s", m.File)
	}
	// 000 creates the table, then records itself
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", m.Version); err != nil {
		return errors.Wrapf(err, "record %s", m.File)
	}
	return errors.Wrapf(tx.Commit(), "commit %s", m.File)
}
