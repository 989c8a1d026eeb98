package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/util"
)

// StuckResponseCode is recorded on definitions failed by the stuck sweep.
const StuckResponseCode = 408

// Store handles persistence of service definitions
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new definition store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

const selectDefinition = `
	SELECT id, name, function_app, trigger_url, json_body, frequency,
	       schedule_config, start_date, is_active, status, trigger_limit,
	       triggered_count, last_triggered_at, last_log_id, last_response_code,
	       last_response_detail, error_message, processed_at, created_at, updated_at
	FROM service_definitions d
`

// List returns every definition ordered by id.
func (s *Store) List(ctx context.Context) ([]*Definition, error) {
	return s.list(ctx, selectDefinition+" ORDER BY id")
}

// Get returns one definition, or ErrDefinitionNotFound.
func (s *Store) Get(ctx context.Context, id int64) (*Definition, error) {
	def, err := scanDefinition(s.db.QueryRowContext(ctx, selectDefinition+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrDefinitionNotFound, "definition %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get definition %d", id)
	}
	return def, nil
}

// Create validates and inserts a definition. A zero ID lets the store assign
// one; a zero StartDate means now.
func (s *Store) Create(ctx context.Context, d *Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}

	now := s.now().UTC()
	if d.StartDate.IsZero() {
		d.StartDate = now
	}
	if d.Status == "" {
		d.Status = StatusPending
	}
	if d.JSONBody == "" {
		d.JSONBody = "{}"
	}
	if len(d.ScheduleConfig) == 0 {
		d.ScheduleConfig = json.RawMessage("{}")
	}
	d.CreatedAt, d.UpdatedAt = now, now

	var id interface{}
	if d.ID != 0 {
		id = d.ID
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO service_definitions (
			id, name, function_app, trigger_url, json_body, frequency,
			schedule_config, start_date, is_active, status, trigger_limit,
			triggered_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		id,
		d.Name,
		d.FunctionApp,
		d.TriggerURL,
		d.JSONBody,
		string(d.Frequency),
		string(d.ScheduleConfig),
		util.FormatTime(d.StartDate),
		d.IsActive,
		string(d.Status),
		d.TriggerLimit,
		d.TriggeredCount,
		util.FormatTime(now),
		util.FormatTime(now),
	)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
			err = errors.Mark(err, errors.ErrConflict)
		}
		return errors.Wrapf(err, "failed to create definition %q", d.Name)
	}

	if d.ID == 0 {
		if d.ID, err = result.LastInsertId(); err != nil {
			return errors.Wrap(err, "failed to read definition id")
		}
	}
	return nil
}

// SetActive toggles is_active.
func (s *Store) SetActive(ctx context.Context, id int64, active bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE service_definitions SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, util.FormatTime(s.now()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to update definition %d", id)
	}
	return requireOneRow(result, errors.Wrapf(errors.ErrDefinitionNotFound, "definition %d", id))
}

// ClaimTx claims the current window for def inside tx: last_triggered_at moves
// from the value the evaluator saw to now and the definition becomes processing.
//
// The update only matches if last_triggered_at is unchanged, and unless forced,
// if the status is still pending or failed. Zero matched rows return ErrClaimLost.
func (s *Store) ClaimTx(ctx context.Context, tx *sql.Tx, def *Definition, logID string, now time.Time, forced bool) error {
	query := `
		UPDATE service_definitions
		SET last_triggered_at = ?, status = 'processing', last_log_id = ?,
		    processed_at = ?, updated_at = ?
		WHERE id = ? AND last_triggered_at IS ?`
	if !forced {
		query += ` AND status IN ('pending', 'failed')`
	}

	stamp := util.FormatTime(now)
	result, err := tx.ExecContext(ctx, query,
		stamp, logID, stamp, stamp,
		def.ID, util.FormatTimePtr(def.LastTriggeredAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to claim definition %d", def.ID)
	}
	return requireOneRow(result, errors.Wrapf(errors.ErrClaimLost, "definition %d", def.ID))
}

// Outcome is the result of one run, applied to its definition.
type Outcome struct {
	LogID          string
	Success        bool
	ResponseCode   int
	ResponseDetail string
	ErrorMessage   string
	DetailLimit    int // characters of ResponseDetail kept; 0 keeps all
}

// RecordOutcome applies a finished run to the definition that claimed logID.
//
// Success increments triggered_count and returns the definition to pending,
// or completes it when it runs once or reached its limit. Failure marks it
// failed, which leaves it eligible for the next window. Outcomes of an older
// claim, and repeats of an outcome already applied, are ignored.
func (s *Store) RecordOutcome(ctx context.Context, id int64, out Outcome) error {
	detail := out.ResponseDetail
	if out.DetailLimit > 0 {
		detail = util.Truncate(detail, out.DetailLimit)
	}
	var errMsg interface{}
	if out.ErrorMessage != "" {
		errMsg = out.ErrorMessage
	}
	stamp := util.FormatTime(s.now())

	var query string
	if out.Success {
		query = `
			UPDATE service_definitions
			SET triggered_count = triggered_count + 1,
			    status = CASE
			        WHEN frequency = 'once' THEN 'completed'
			        WHEN trigger_limit IS NOT NULL AND triggered_count + 1 >= trigger_limit THEN 'completed'
			        ELSE 'pending'
			    END,
			    last_response_code = ?, last_response_detail = ?, error_message = ?, updated_at = ?
			WHERE id = ? AND last_log_id = ? AND status = 'processing'`
	} else {
		query = `
			UPDATE service_definitions
			SET status = 'failed',
			    last_response_code = ?, last_response_detail = ?, error_message = ?, updated_at = ?
			WHERE id = ? AND last_log_id = ? AND status = 'processing'`
	}

	_, err := s.db.ExecContext(ctx, query, out.ResponseCode, detail, errMsg, stamp, id, out.LogID)
	if err != nil {
		return errors.Wrapf(err, "failed to record outcome of definition %d", id)
	}
	return nil
}

// ListStuck returns processing definitions claimed before cutoff (or never)
// whose last record is terminal or missing.
func (s *Store) ListStuck(ctx context.Context, cutoff time.Time) ([]*Definition, error) {
	return s.list(ctx, selectDefinition+`
		WHERE d.status = 'processing'
		  AND (d.last_triggered_at IS NULL OR d.last_triggered_at < ?)
		  AND NOT EXISTS (
		      SELECT 1 FROM execution_log e
		      WHERE e.log_id = d.last_log_id AND e.status = 'pending'
		  )
		ORDER BY d.id`, util.FormatTime(cutoff))
}

// MarkStuck fails a definition left in processing. Its records are untouched.
func (s *Store) MarkStuck(ctx context.Context, id int64, reason string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE service_definitions
		SET status = 'failed', last_response_code = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'
	`, StuckResponseCode, reason, util.FormatTime(s.now()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to mark definition %d stuck", id)
	}
	return requireOneRow(result, errors.Wrapf(errors.ErrConflict, "definition %d is no longer processing", id))
}

// BeginTx starts a transaction for a claim.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	return tx, nil
}

func (s *Store) list(ctx context.Context, query string, args ...interface{}) ([]*Definition, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query definitions")
	}
	defer rows.Close()

	var defs []*Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan definition")
		}
		defs = append(defs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate definitions")
	}
	return defs, nil
}

func requireOneRow(result sql.Result, none error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if n == 0 {
		return none
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDefinition(row scanner) (*Definition, error) {
	var d Definition
	var frequency, status, scheduleConfig, startDate, createdAt, updatedAt string
	var triggerLimit, responseCode sql.NullInt64
	var lastTriggeredAt, lastLogID, responseDetail, errMsg, processedAt sql.NullString

	if err := row.Scan(
		&d.ID,
		&d.Name,
		&d.FunctionApp,
		&d.TriggerURL,
		&d.JSONBody,
		&frequency,
		&scheduleConfig,
		&startDate,
		&d.IsActive,
		&status,
		&triggerLimit,
		&d.TriggeredCount,
		&lastTriggeredAt,
		&lastLogID,
		&responseCode,
		&responseDetail,
		&errMsg,
		&processedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	d.Frequency = Frequency(frequency)
	d.Status = Status(status)
	d.ScheduleConfig = json.RawMessage(scheduleConfig)

	var err error
	if d.StartDate, err = util.ParseTime(startDate); err != nil {
		return nil, errors.Wrapf(err, "failed to parse start_date of definition %d", d.ID)
	}
	if d.CreatedAt, err = util.ParseTime(createdAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at of definition %d", d.ID)
	}
	if d.UpdatedAt, err = util.ParseTime(updatedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at of definition %d", d.ID)
	}
	if d.LastTriggeredAt, err = parseNullTime(lastTriggeredAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse last_triggered_at of definition %d", d.ID)
	}
	if d.ProcessedAt, err = parseNullTime(processedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse processed_at of definition %d", d.ID)
	}

	if triggerLimit.Valid {
		d.TriggerLimit = &triggerLimit.Int64
	}
	if responseCode.Valid {
		code := int(responseCode.Int64)
		d.LastResponseCode = &code
	}
	if lastLogID.Valid {
		d.LastLogID = &lastLogID.String
	}
	if responseDetail.Valid {
		d.LastResponseDetail = &responseDetail.String
	}
	if errMsg.Valid {
		d.ErrorMessage = &errMsg.String
	}

	return &d, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := util.ParseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
