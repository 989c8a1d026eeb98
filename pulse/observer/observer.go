// Package observer fans execution events out to sinks: the structured log,
// a Redis stream and the websocket feed.
//
// Observers never fail the operation that emitted the event. A sink that
// cannot deliver logs the problem and moves on.
package observer

import (
	"context"
	"encoding/json"
	"time"
)

// EventType names what happened to a record or a pass.
type EventType string

const (
	EventRecordCreated   EventType = "record_created"
	EventRecordCompleted EventType = "record_completed"
	EventPassStarted     EventType = "pass_started"
	EventPassCompleted   EventType = "pass_completed"
	EventDefinitionStuck EventType = "definition_stuck"
	EventClaimLost       EventType = "claim_lost"
)

// Event is one observation. Payload is redacted by the sinks that export it.
type Event struct {
	Type          EventType       `json:"type"`
	Time          time.Time       `json:"time"`
	LogID         string          `json:"log_id,omitempty"`
	DefinitionID  *int64          `json:"definition_id,omitempty"`
	ServiceName   string          `json:"service_name,omitempty"`
	TriggerSource string          `json:"trigger_source,omitempty"`
	Status        string          `json:"status,omitempty"`
	ParentID      string          `json:"parent_id,omitempty"`
	RootID        string          `json:"root_id,omitempty"`
	DurationMS    *int64          `json:"duration_ms,omitempty"`
	Error         string          `json:"error,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Observer receives events.
type Observer interface {
	Observe(ctx context.Context, ev Event)
}

// Func adapts a function to Observer.
type Func func(ctx context.Context, ev Event)

func (f Func) Observe(ctx context.Context, ev Event) { f(ctx, ev) }

// Fanout delivers each event to every observer in order. Nil entries are skipped.
type Fanout []Observer

func (f Fanout) Observe(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	for _, o := range f {
		if o != nil {
			o.Observe(ctx, ev)
		}
	}
}

// Nop discards events.
var Nop Observer = Func(func(context.Context, Event) {})

// OrNop returns o, or Nop when o is nil.
func OrNop(o Observer) Observer {
	if o == nil {
		return Nop
	}
	return o
}
