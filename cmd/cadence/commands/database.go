package commands

import (
	"database/sql"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
)

// DBPath overrides the configured database path (--db-path).
var DBPath string

// resolveDatabasePath picks the database file: --db-path, then DB_PATH and
// the am config, then the built-in default.
func resolveDatabasePath(dbPath string) (string, error) {
	if dbPath != "" {
		return dbPath, nil
	}
	path, err := am.GetDatabasePath()
	if err != nil {
		return "", errors.Wrap(err, "failed to get database path")
	}
	if path == "" {
		return am.DefaultDatabasePath, nil
	}
	return path, nil
}

// openDatabase opens and migrates a database using the specified path.
// If dbPath is empty, it loads from am config. Uses logger.Logger for db operations.
func openDatabase(dbPath string) (*sql.DB, error) {
	path, err := resolveDatabasePath(dbPath)
	if err != nil {
		return nil, err
	}

	database, err := db.OpenWithMigrations(path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}
	return database, nil
}
