package logging

import "log/slog"

// Common field names for consistent logging across the pipeline.
const (
	FieldComponent = "component"
	FieldEventType = "event_type"
	FieldEventID   = "event_id"
	FieldStore     = "store"
	FieldBatchSize = "batch_size"
	FieldAttempt   = "attempt"
	FieldReason    = "reason"
	FieldError     = "error"
)

// Component returns a slog attribute for a pipeline component name.
func Component(name string) slog.Attr {
	return slog.String(FieldComponent, name)
}

// EventType returns a slog attribute for an event type.
func EventType(t string) slog.Attr {
	return slog.String(FieldEventType, t)
}

// EventID returns a slog attribute for a record ID.
func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

// Store returns a slog attribute for a store backend name.
func Store(name string) slog.Attr {
	return slog.String(FieldStore, name)
}

// BatchSize returns a slog attribute for a batch size.
func BatchSize(n int) slog.Attr {
	return slog.Int(FieldBatchSize, n)
}

// Attempt returns a slog attribute for a delivery attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

// Reason returns a slog attribute for a drop or dead-letter reason.
func Reason(r string) slog.Attr {
	return slog.String(FieldReason, r)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	return slog.String(FieldError, err.Error())
}
