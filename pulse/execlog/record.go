// Package execlog is the durable log of runs: one record per dispatched
// invocation, from pending to a single terminal outcome.
package execlog

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status of an execution record. Transitions are pending -> success or
// pending -> failed, nothing else.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusPending || s.IsTerminal()
}

// Trigger sources recorded on each run
const (
	TriggerTimer    = "timer"
	TriggerManual   = "manual"
	TriggerHTTP     = "http"
	TriggerCLI      = "cli"
	TriggerExternal = "external"
)

// SchedulerServiceName is the service_name of pass records.
const SchedulerServiceName = "scheduler"

// Record is one row of the execution log.
type Record struct {
	LogID         string          `json:"log_id"`
	DefinitionID  *int64          `json:"definition_id,omitempty"`
	ServiceName   string          `json:"service_name"`
	TriggerSource string          `json:"trigger_source"`
	Status        Status          `json:"status"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	DurationMS    *int64          `json:"duration_ms,omitempty"`
	Request       json.RawMessage `json:"request,omitempty"`
	Response      json.RawMessage `json:"response,omitempty"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	ParentID      *string         `json:"parent_id,omitempty"`
	RootID        *string         `json:"root_id,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// IsTerminal reports whether the record holds its final outcome.
func (r *Record) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// Outcome is a terminal write.
type Outcome struct {
	Status       Status
	Response     json.RawMessage
	ErrorMessage string
	CompletedAt  time.Time // zero means now
}

// Success builds a success outcome carrying response.
func Success(response json.RawMessage) Outcome {
	return Outcome{Status: StatusSuccess, Response: response}
}

// Failure builds a failed outcome with a diagnostic response.
func Failure(message string, response json.RawMessage) Outcome {
	return Outcome{Status: StatusFailed, Response: response, ErrorMessage: message}
}

// NewLogID returns a fresh, globally unique record id.
func NewLogID() string {
	return uuid.NewString()
}
