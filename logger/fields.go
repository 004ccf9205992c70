package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging.
// Use these constants instead of raw strings.
const (
	// Identity
	FieldJobID      = "job_id"
	FieldJobType    = "job_type"
	FieldInstanceID = "instance_id"
	FieldWorkerID   = "worker_id"
	FieldRequestID  = "request_id"

	// Components
	FieldComponent = "component"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldNextRunAt  = "next_run_at"

	// Errors
	FieldError = "error"

	// Counts
	FieldCount      = "count"
	FieldRetryCount = "retry_count"
	FieldMaxRetries = "max_retries"

	// Status
	FieldStatus = "status"

	// Network
	FieldAddress = "address"
	FieldHost    = "host"
	FieldPort    = "port"
)

// Context keys for propagating logging context
type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	requestIDKey contextKey = "logger_request_id"
	componentKey contextKey = "logger_component"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
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

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// LoggerFromContext returns the global logger with fields extracted from context.
func LoggerFromContext(ctx context.Context) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return Logger
	}
	return Logger.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
//
// Example:
//
//	d := dispatch.New(store, registry, cfg, logger.ComponentLogger("pulse.dispatch"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
