package db

import (
	"strings"

	"github.com/teranos/cadence/errors"
)

// ErrDatabaseClosed is returned when operations are attempted on a closed database.
// This typically occurs during graceful shutdown when the connection is closed
// before every poller goroutine has returned.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed checks if an error indicates the database connection is closed.
// Falls back to message matching because the sql driver returns its own types.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}

// transientIndicators are message fragments of errors worth retrying: a store
// that is waking up, locked by a concurrent writer, or briefly unreachable.
var transientIndicators = []string{
	"database is locked",
	"database table is locked",
	"sqlite_busy",
	"cold start",
	"connection reset",
	"connection refused",
	"broken pipe",
	"i/o timeout",
	"bad connection",
}

// IsTransient reports whether err looks like a temporary store condition.
func IsTransient(err error) bool {
	if err == nil || IsDatabaseClosed(err) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, indicator := range transientIndicators {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return false
}
