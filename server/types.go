package server

import (
	"encoding/json"
	"time"

	"github.com/teranos/cadence/pulse/execlog"
	"github.com/teranos/cadence/pulse/pass"
	"github.com/teranos/cadence/pulse/status"
)

const (
	// MaxClients is the maximum number of concurrent WebSocket clients
	MaxClients = 100
	// MaxClientMessageQueueSize is the size of per-client message queues
	MaxClientMessageQueueSize = 256
	// ShutdownTimeout bounds how long Stop waits for passes started over HTTP
	ShutdownTimeout = 60 * time.Second
	// maxBodyBytes caps request bodies
	maxBodyBytes = 1 << 20
)

// ServerState represents the server lifecycle state
type ServerState int

const (
	ServerStateRunning  ServerState = iota // Normal operation
	ServerStateDraining                    // Graceful shutdown in progress
	ServerStateStopped                     // Shutdown complete
)

// triggerRequest is the manual trigger body. force_service_ids stays raw so a
// malformed value can be reported precisely.
type triggerRequest struct {
	ForceServiceIDs   json.RawMessage `json:"force_service_ids"`
	BypassWindowCheck bool            `json:"bypass_window_check"`
	ScheduleID        *int64          `json:"schedule_id"`
}

type triggerResponse struct {
	Status        string            `json:"status"`
	ServicesFound int               `json:"services_found"`
	LogID         string            `json:"log_id"`
	PassID        string            `json:"pass_id"`
	NotFound      []int64           `json:"not_found"`
	Diagnostics   []pass.Diagnostic `json:"diagnostics"`
	Summary       *pass.Summary     `json:"summary,omitempty"`
}

// createExecutionRequest registers a pending record on behalf of an external actor
type createExecutionRequest struct {
	ServiceName   string          `json:"service_name"`
	DefinitionID  *int64          `json:"definition_id"`
	TriggerSource string          `json:"trigger_source"`
	Request       json.RawMessage `json:"request"`
	ParentID      *string         `json:"parent_id"`
	Metadata      json.RawMessage `json:"metadata"`
}

type completeRequest struct {
	Status       execlog.Status  `json:"status"`
	Response     json.RawMessage `json:"response"`
	ErrorMessage string          `json:"error_message"`
}

type completeResponse struct {
	*status.StatusView
	DefinitionUpdated bool `json:"definition_updated"`
}

// definitionRequest is the body of POST /api/definitions. json_body may be a
// JSON object or a string holding one.
type definitionRequest struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	FunctionApp    string          `json:"function_app"`
	TriggerURL     string          `json:"trigger_url"`
	JSONBody       json.RawMessage `json:"json_body"`
	Frequency      string          `json:"frequency"`
	ScheduleConfig json.RawMessage `json:"schedule_config"`
	StartDate      *time.Time      `json:"start_date"`
	IsActive       *bool           `json:"is_active"`
	TriggerLimit   *int64          `json:"trigger_limit"`
}

type definitionPatch struct {
	IsActive *bool `json:"is_active"`
}

// helloMessage is the first frame on /ws/executions
type helloMessage struct {
	Type    string `json:"type"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}
