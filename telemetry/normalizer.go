package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/agenttrail-systems/agenttrail/telemetry/event"
	"github.com/agenttrail-systems/agenttrail/telemetry/internal/clock"
)

// normalizer turns a host callback into a Record. It is total: a
// malformed payload degrades to sentinel values, never to a dropped
// record or an error in the host's call stack. The timestamp is
// assigned here so ordering reflects when the event occurred, not when
// the queue accepted it.
type normalizer struct {
	clk       clock.Clock
	formatter *formatter
}

func newNormalizer(clk clock.Clock, f *formatter) *normalizer {
	return &normalizer{clk: clk, formatter: f}
}

func (n *normalizer) normalize(eventType event.Type, fields event.Fields) event.Record {
	content, truncated := n.formatter.format(eventType, fields)

	rec := event.Record{
		ID:           uuid.NewString(),
		Timestamp:    n.clk.Now().UTC(),
		EventType:    eventType,
		Agent:        stringField(fields, "agent"),
		SessionID:    stringField(fields, "session_id"),
		InvocationID: stringField(fields, "invocation_id"),
		UserID:       stringField(fields, "user_id"),
		Content:      content,
		IsTruncated:  truncated,
	}

	switch eventType {
	case event.LLMError, event.ToolError:
		rec.ErrorMessage = errorField(fields)
	}

	return rec
}

// stringField reads a string-valued field, rendering non-string values
// rather than failing.
func stringField(fields event.Fields, key string) string {
	v, ok := fields[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// valueField renders an arbitrarily shaped field; structured values
// come out as JSON so tool arguments stay readable.
func valueField(fields event.Fields, key string) string {
	v, ok := fields[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	if data, err := json.Marshal(v); err == nil {
		return string(data)
	}
	return fmt.Sprint(v)
}

// listField joins a list-valued field with commas; empty when the
// field is missing.
func listField(fields event.Fields, key string) string {
	v, ok := fields[key]
	if !ok || v == nil {
		return ""
	}
	switch list := v.(type) {
	case string:
		return list
	case []string:
		return strings.Join(list, ", ")
	case []any:
		parts := make([]string, len(list))
		for i, item := range list {
			parts[i] = fmt.Sprint(item)
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(v)
	}
}

// errorField renders the error payload carried by error-class events.
func errorField(fields event.Fields) string {
	v, ok := fields["error"]
	if !ok || v == nil {
		return ""
	}
	switch e := v.(type) {
	case error:
		return e.Error()
	case string:
		return e
	default:
		return fmt.Sprint(v)
	}
}
