// Package status is the read path for execution records: a stateless status
// view and a full result view for any log id.
package status

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/util"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/pulse/execlog"
)

// Reader reads one record and checks the store.
type Reader interface {
	Get(ctx context.Context, logID string) (*execlog.Record, error)
	Ping(ctx context.Context) error
}

// Metadata is the lineage block of a status view.
type Metadata struct {
	TriggerSource string          `json:"trigger_source"`
	RootID        *string         `json:"root_id"`
	ParentID      *string         `json:"parent_id"`
	DefinitionID  *int64          `json:"definition_id,omitempty"`
	Extra         json.RawMessage `json:"extra,omitempty"`
}

// StatusView is the answer to "is it done yet?".
type StatusView struct {
	LogID        string   `json:"log_id"`
	Status       string   `json:"status"`
	StartedAt    string   `json:"started_at"`
	CompletedAt  *string  `json:"completed_at"`
	DurationMS   *int64   `json:"duration_ms"`
	ServiceName  string   `json:"service_name"`
	ErrorMessage *string  `json:"error_message"`
	Metadata     Metadata `json:"metadata"`
}

// Workflow places a record in its run tree.
type Workflow struct {
	RootID   *string `json:"root_id"`
	ParentID *string `json:"parent_id"`
	IsRoot   bool    `json:"is_root"`
}

// ResultView is the full record. Response is null until the record is terminal.
type ResultView struct {
	LogID         string          `json:"log_id"`
	Status        string          `json:"status"`
	StartedAt     string          `json:"started_at"`
	CompletedAt   *string         `json:"completed_at"`
	DurationMS    *int64          `json:"duration_ms"`
	ServiceName   string          `json:"service_name"`
	TriggerSource string          `json:"trigger_source"`
	ErrorMessage  *string         `json:"error_message"`
	Request       json.RawMessage `json:"request"`
	Response      json.RawMessage `json:"response"`
	Metadata      json.RawMessage `json:"metadata"`
	Workflow      Workflow        `json:"workflow"`
}

// Service answers status and result queries.
type Service struct {
	reader  Reader
	retrier *db.Retrier
	logger  *zap.SugaredLogger
}

// NewService creates a query service. A nil retrier uses the defaults.
func NewService(reader Reader, retrier *db.Retrier) *Service {
	l := logger.AddLogSymbol(logger.ComponentLogger("pulse.status"))
	if retrier == nil {
		retrier = db.NewRetrier(db.DefaultRetryAttempts, db.DefaultRetryDelay, l)
	}
	return &Service{reader: reader, retrier: retrier, logger: l}
}

// GetStatus returns the status view of logID.
func (s *Service) GetStatus(ctx context.Context, logID string) (*StatusView, error) {
	rec, err := s.read(ctx, logID)
	if err != nil {
		return nil, err
	}
	return &StatusView{
		LogID:        rec.LogID,
		Status:       string(rec.Status),
		StartedAt:    util.FormatTime(rec.StartedAt),
		CompletedAt:  util.FormatTimePtr(rec.CompletedAt),
		DurationMS:   rec.DurationMS,
		ServiceName:  rec.ServiceName,
		ErrorMessage: rec.ErrorMessage,
		Metadata: Metadata{
			TriggerSource: rec.TriggerSource,
			RootID:        rec.RootID,
			ParentID:      rec.ParentID,
			DefinitionID:  rec.DefinitionID,
			Extra:         compact(rec.Metadata),
		},
	}, nil
}

// GetResult returns the result view of logID.
func (s *Service) GetResult(ctx context.Context, logID string) (*ResultView, error) {
	rec, err := s.read(ctx, logID)
	if err != nil {
		return nil, err
	}
	view := &ResultView{
		LogID:         rec.LogID,
		Status:        string(rec.Status),
		StartedAt:     util.FormatTime(rec.StartedAt),
		CompletedAt:   util.FormatTimePtr(rec.CompletedAt),
		DurationMS:    rec.DurationMS,
		ServiceName:   rec.ServiceName,
		TriggerSource: rec.TriggerSource,
		ErrorMessage:  rec.ErrorMessage,
		Request:       compact(rec.Request),
		Metadata:      compact(rec.Metadata),
		Workflow: Workflow{
			RootID:   rec.RootID,
			ParentID: rec.ParentID,
			IsRoot:   rec.ParentID == nil,
		},
	}
	if rec.IsTerminal() {
		view.Response = compact(rec.Response)
	}
	return view, nil
}

// Health checks the execution log store through the retrier.
func (s *Service) Health(ctx context.Context) error {
	return s.retrier.Do(ctx, "execution log health check", s.reader.Ping)
}

func (s *Service) read(ctx context.Context, logID string) (*execlog.Record, error) {
	if logID == "" {
		return nil, errors.NewInvalidRequestError("log_id is required")
	}

	var rec *execlog.Record
	err := s.retrier.Do(ctx, "read execution record "+logID, func(ctx context.Context) error {
		var err error
		rec, err = s.reader.Get(ctx, logID)
		return err
	})
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, errors.ErrRecordNotFound), errors.IsServiceUnavailableError(err):
		return nil, err
	case ctx.Err() != nil:
		return nil, err
	}

	s.logger.Errorw("Failed to read execution record",
		logger.FieldLogID, logID,
		logger.FieldError, err,
	)
	return nil, errors.StoreUnavailable(err, "read execution record "+logID)
}

// compact returns raw without insignificant whitespace, or nil when empty.
// Values that are not JSON are returned as a JSON string.
func compact(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	out, err := json.Marshal(raw)
	if err != nil {
		s, _ := json.Marshal(string(raw))
		return s
	}
	return out
}
