package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging across cadence.
// Use these constants instead of raw strings so log queries stay stable.
const (
	// Identity and correlation
	FieldLogID        = "log_id"
	FieldPassID       = "pass_id"
	FieldDefinitionID = "definition_id"
	FieldParentID     = "parent_id"
	FieldRootID       = "root_id"
	FieldRequestID    = "request_id"

	// Components
	FieldComponent = "component"
	FieldService   = "service"
	FieldFrequency = "frequency"

	// Operations
	FieldOperation     = "operation"
	FieldMethod        = "method"
	FieldPath          = "path"
	FieldTriggerSource = "trigger_source"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldAttempt    = "attempt"

	// Errors
	FieldError        = "error"
	FieldResponseCode = "response_code"

	// Counts
	FieldCount = "count"

	// Status
	FieldStatus = "status"

	// Network
	FieldAddress = "address"
	FieldURL     = "url"

	FieldSymbol = "symbol" // subsystem glyph (꩜, ✿, ❀, ⊔, ...)
)

type contextKey string

const (
	passIDKey    contextKey = "logger_pass_id"
	requestIDKey contextKey = "logger_request_id"
	componentKey contextKey = "logger_component"
)

// WithPassID adds a scheduling pass ID to the context for logging
func WithPassID(ctx context.Context, passID string) context.Context {
	return context.WithValue(ctx, passIDKey, passID)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if passID, ok := ctx.Value(passIDKey).(string); ok && passID != "" {
		fields = append(fields, FieldPassID, passID)
	}
	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext returns base with the fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	type Poller struct {
//	    logger *zap.SugaredLogger
//	}
//
//	func NewPoller() *Poller {
//	    return &Poller{logger: logger.ComponentLogger("pulse.poller")}
//	}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
