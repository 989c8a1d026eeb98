// Package schedule holds service definitions, the recurrence rules that make
// them due, and the window evaluator that selects them for a pass.
package schedule

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/teranos/cadence/errors"
)

// Frequency names a recurrence rule.
type Frequency string

const (
	FrequencyOnce     Frequency = "once"
	FrequencyInterval Frequency = "interval"
	FrequencyHourly   Frequency = "hourly"
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyMonthly  Frequency = "monthly"
)

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyOnce, FrequencyInterval, FrequencyHourly, FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	}
	return false
}

// Status is the lifecycle state of a definition.
type Status string

const (
	StatusPending    Status = "pending"    // waiting for its next window
	StatusProcessing Status = "processing" // claimed, run in flight
	StatusCompleted  Status = "completed"  // once, or trigger limit reached
	StatusFailed     Status = "failed"     // last run failed; eligible again
)

// Definition is a configured, recurring unit of schedulable work.
type Definition struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	FunctionApp    string          `json:"function_app"`
	TriggerURL     string          `json:"trigger_url"`
	JSONBody       string          `json:"json_body"`
	Frequency      Frequency       `json:"frequency"`
	ScheduleConfig json.RawMessage `json:"schedule_config"`
	StartDate      time.Time       `json:"start_date"`
	IsActive       bool            `json:"is_active"`
	Status         Status          `json:"status"`
	TriggerLimit   *int64          `json:"trigger_limit,omitempty"`
	TriggeredCount int64           `json:"triggered_count"`

	LastTriggeredAt    *time.Time `json:"last_triggered_at,omitempty"`
	LastLogID          *string    `json:"last_log_id,omitempty"`
	LastResponseCode   *int       `json:"last_response_code,omitempty"`
	LastResponseDetail *string    `json:"last_response_detail,omitempty"`
	ErrorMessage       *string    `json:"error_message,omitempty"`
	ProcessedAt        *time.Time `json:"processed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Eligible reports whether the definition may be selected by window evaluation:
// active, pending or failed, under its trigger limit and past its start date.
func (d *Definition) Eligible(now time.Time) bool {
	if !d.IsActive {
		return false
	}
	if d.Status != StatusPending && d.Status != StatusFailed {
		return false
	}
	if d.TriggerLimit != nil && d.TriggeredCount >= *d.TriggerLimit {
		return false
	}
	return !d.StartDate.After(now)
}

// LimitReached reports whether one more success exhausts the trigger limit.
func (d *Definition) LimitReached(afterSuccess bool) bool {
	if d.TriggerLimit == nil {
		return false
	}
	count := d.TriggeredCount
	if afterSuccess {
		count++
	}
	return count >= *d.TriggerLimit
}

// Validate checks a definition before it is stored.
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.NewInvalidRequestError("definition name is required")
	}
	u, err := url.Parse(d.TriggerURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.NewInvalidRequestError("definition %q: trigger_url must be an absolute http(s) URL, got %q", d.Name, d.TriggerURL)
	}
	if !d.Frequency.Valid() {
		return errors.NewInvalidRequestError("definition %q: unknown frequency %q", d.Name, d.Frequency)
	}
	if _, err := ParseRule(d.Frequency, d.ScheduleConfig); err != nil {
		return errors.Wrapf(errors.Mark(err, errors.ErrInvalidRequest), "definition %q", d.Name)
	}
	if d.JSONBody != "" {
		var body map[string]interface{}
		if err := json.Unmarshal([]byte(d.JSONBody), &body); err != nil {
			return errors.NewInvalidRequestError("definition %q: json_body must be a JSON object", d.Name)
		}
	}
	if d.TriggerLimit != nil && *d.TriggerLimit < 0 {
		return errors.NewInvalidRequestError("definition %q: trigger_limit must be >= 0", d.Name)
	}
	return nil
}
