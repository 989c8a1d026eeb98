package execlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/util"
)

// Store persists execution records in the execution_log table.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new execution log store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const insertRecord = `
	INSERT INTO execution_log (
		log_id, definition_id, service_name, trigger_source, status,
		started_at, request, parent_id, root_id, metadata
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// Create inserts a pending record. A missing LogID or StartedAt is filled in.
func (s *Store) Create(ctx context.Context, rec *Record) error {
	return s.create(ctx, s.db, rec)
}

// CreateTx inserts a pending record inside tx, so the caller can commit it
// together with the window claim.
func (s *Store) CreateTx(ctx context.Context, tx *sql.Tx, rec *Record) error {
	return s.create(ctx, tx, rec)
}

func (s *Store) create(ctx context.Context, ex execer, rec *Record) error {
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if rec.Status != StatusPending {
		return errors.NewInvalidRequestError("new records must be pending, got %q", rec.Status)
	}
	if rec.LogID == "" {
		rec.LogID = NewLogID()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = s.now()
	}
	rec.StartedAt = rec.StartedAt.UTC()

	_, err := ex.ExecContext(ctx, insertRecord,
		rec.LogID,
		rec.DefinitionID,
		rec.ServiceName,
		rec.TriggerSource,
		string(rec.Status),
		util.FormatTime(rec.StartedAt),
		nullJSON(rec.Request),
		rec.ParentID,
		rec.RootID,
		nullJSON(rec.Metadata),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create execution record %s", rec.LogID)
	}
	return nil
}

const selectRecord = `
	SELECT log_id, definition_id, service_name, trigger_source, status,
	       started_at, completed_at, duration_ms, request, response,
	       error_message, parent_id, root_id, metadata
	FROM execution_log
`

// Get returns the record for logID, or ErrRecordNotFound.
func (s *Store) Get(ctx context.Context, logID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectRecord+" WHERE log_id = ?", logID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrRecordNotFound, "log_id %s", logID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read execution record %s", logID)
	}
	return rec, nil
}

// Complete performs the terminal write for logID.
//
// The UPDATE only matches pending rows. When nothing matched, a repeated
// write of the same outcome is a no-op and a different outcome returns
// ErrRecordTerminal. completed_at is clamped to started_at.
func (s *Store) Complete(ctx context.Context, logID string, out Outcome) (*Record, error) {
	if !out.Status.IsTerminal() {
		return nil, errors.NewInvalidRequestError("terminal status must be success or failed, got %q", out.Status)
	}

	current, err := s.Get(ctx, logID)
	if err != nil {
		return nil, err
	}
	if current.IsTerminal() {
		return settled(current, out)
	}

	completedAt := out.CompletedAt
	if completedAt.IsZero() {
		completedAt = s.now()
	}
	completedAt = completedAt.UTC()
	if completedAt.Before(current.StartedAt) {
		completedAt = current.StartedAt
	}
	durationMS := completedAt.Sub(current.StartedAt).Milliseconds()

	var errMsg interface{}
	if out.ErrorMessage != "" {
		errMsg = out.ErrorMessage
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE execution_log
		SET status = ?, completed_at = ?, duration_ms = ?, response = ?, error_message = ?
		WHERE log_id = ? AND status = 'pending'
	`,
		string(out.Status),
		util.FormatTime(completedAt),
		durationMS,
		nullJSON(out.Response),
		errMsg,
		logID,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to complete execution record %s", logID)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "failed to check rows affected")
	}
	if affected == 0 {
		// Another writer finished it between the read and the update
		current, err = s.Get(ctx, logID)
		if err != nil {
			return nil, err
		}
		return settled(current, out)
	}

	current.Status = out.Status
	current.CompletedAt = &completedAt
	current.DurationMS = &durationMS
	current.Response = out.Response
	if out.ErrorMessage != "" {
		current.ErrorMessage = util.Ptr(out.ErrorMessage)
	}
	return current, nil
}

// settled resolves a terminal write against an already terminal record.
func settled(current *Record, out Outcome) (*Record, error) {
	if current.Status == out.Status {
		return current, nil
	}
	return current, errors.WithDetailf(
		errors.Wrapf(errors.ErrRecordTerminal, "log_id %s", current.LogID),
		"record is %s, write asked for %s", current.Status, out.Status)
}

// ListPending returns pending records, oldest first. limit <= 0 means no limit.
func (s *Store) ListPending(ctx context.Context, limit int) ([]*Record, error) {
	query := selectRecord + " WHERE status = 'pending' ORDER BY started_at, log_id"
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.list(ctx, query, args...)
}

// ListByParent returns the records dispatched under parentID, oldest first.
func (s *Store) ListByParent(ctx context.Context, parentID string) ([]*Record, error) {
	return s.list(ctx, selectRecord+" WHERE parent_id = ? ORDER BY started_at, log_id", parentID)
}

// LatestForDefinition returns the most recent record of a definition, or ErrRecordNotFound.
func (s *Store) LatestForDefinition(ctx context.Context, definitionID int64) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		selectRecord+" WHERE definition_id = ? ORDER BY started_at DESC, log_id DESC LIMIT 1", definitionID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrRecordNotFound, "no record for definition %d", definitionID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read latest record of definition %d", definitionID)
	}
	return rec, nil
}

func (s *Store) list(ctx context.Context, query string, args ...interface{}) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query execution records")
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution record")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate execution records")
	}
	return records, nil
}

// Ping checks that the execution log is readable.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1 FROM execution_log LIMIT 1").Scan(&one); err != nil && err != sql.ErrNoRows {
		return errors.Wrap(err, "execution log health check failed")
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	var rec Record
	var status, startedAt string
	var definitionID, durationMS sql.NullInt64
	var completedAt, request, response, errMsg, parentID, rootID, metadata sql.NullString

	if err := row.Scan(
		&rec.LogID,
		&definitionID,
		&rec.ServiceName,
		&rec.TriggerSource,
		&status,
		&startedAt,
		&completedAt,
		&durationMS,
		&request,
		&response,
		&errMsg,
		&parentID,
		&rootID,
		&metadata,
	); err != nil {
		return nil, err
	}

	rec.Status = Status(status)

	var err error
	if rec.StartedAt, err = util.ParseTime(startedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse started_at of %s", rec.LogID)
	}
	if completedAt.Valid {
		t, err := util.ParseTime(completedAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse completed_at of %s", rec.LogID)
		}
		rec.CompletedAt = &t
	}
	if definitionID.Valid {
		rec.DefinitionID = &definitionID.Int64
	}
	if durationMS.Valid {
		rec.DurationMS = &durationMS.Int64
	}
	if request.Valid {
		rec.Request = json.RawMessage(request.String)
	}
	if response.Valid {
		rec.Response = json.RawMessage(response.String)
	}
	if errMsg.Valid {
		rec.ErrorMessage = &errMsg.String
	}
	if parentID.Valid {
		rec.ParentID = &parentID.String
	}
	if rootID.Valid {
		rec.RootID = &rootID.String
	}
	if metadata.Valid {
		rec.Metadata = json.RawMessage(metadata.String)
	}

	return &rec, nil
}

// nullJSON stores empty payloads as NULL
func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
