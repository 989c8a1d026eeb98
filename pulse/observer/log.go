package observer

import (
	"context"

	"go.uber.org/zap"

	"github.com/teranos/cadence/logger"
)

// LogObserver writes events to a zap logger. Errors and payloads are redacted.
type LogObserver struct {
	logger *zap.SugaredLogger
}

// NewLogObserver creates a log sink. A nil logger uses the "pulse.events"
// component logger.
func NewLogObserver(l *zap.SugaredLogger) *LogObserver {
	if l == nil {
		l = logger.ComponentLogger("pulse.events")
	}
	return &LogObserver{logger: logger.AddPulseSymbol(l)}
}

func (o *LogObserver) Observe(ctx context.Context, ev Event) {
	fields := []interface{}{
		"event", string(ev.Type),
	}
	if ev.LogID != "" {
		fields = append(fields, logger.FieldLogID, ev.LogID)
	}
	if ev.DefinitionID != nil {
		fields = append(fields, logger.FieldDefinitionID, *ev.DefinitionID)
	}
	if ev.ServiceName != "" {
		fields = append(fields, logger.FieldService, ev.ServiceName)
	}
	if ev.TriggerSource != "" {
		fields = append(fields, logger.FieldTriggerSource, ev.TriggerSource)
	}
	if ev.Status != "" {
		fields = append(fields, logger.FieldStatus, ev.Status)
	}
	if ev.ParentID != "" {
		fields = append(fields, logger.FieldParentID, ev.ParentID)
	}
	if ev.RootID != "" {
		fields = append(fields, logger.FieldRootID, ev.RootID)
	}
	if ev.DurationMS != nil {
		fields = append(fields, logger.FieldDurationMS, *ev.DurationMS)
	}
	if len(ev.Payload) > 0 {
		fields = append(fields, "payload", string(RedactJSON(ev.Payload)))
	}

	log := logger.FromContext(ctx, o.logger)
	switch {
	case ev.Error != "":
		log.Warnw(message(ev.Type), append(fields, logger.FieldError, Redact(ev.Error))...)
	case ev.Type == EventRecordCreated || ev.Type == EventClaimLost:
		log.Debugw(message(ev.Type), fields...)
	default:
		log.Infow(message(ev.Type), fields...)
	}
}

func message(t EventType) string {
	switch t {
	case EventRecordCreated:
		return "Execution record created"
	case EventRecordCompleted:
		return "Execution record completed"
	case EventPassStarted:
		return "Scheduling pass started"
	case EventPassCompleted:
		return "Scheduling pass completed"
	case EventDefinitionStuck:
		return "Definition stuck in processing"
	case EventClaimLost:
		return "Window already claimed"
	}
	return string(t)
}
