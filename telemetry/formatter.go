package telemetry

import (
	"fmt"

	"github.com/agenttrail-systems/agenttrail/common/logging"
	"github.com/agenttrail-systems/agenttrail/telemetry/event"
)

// ContentFormatter transforms the raw content piece of an event before
// the structural template for its type is applied. The input is the
// untruncated raw content; truncation always runs afterwards. A
// formatter that returns an error or panics is treated as absent for
// that record.
type ContentFormatter func(eventType event.Type, content string) (string, error)

// formatter renders the content column of a record: raw payload piece,
// optional custom transform, structural template, then truncation.
type formatter struct {
	maxLength int
	custom    ContentFormatter
	log       *logging.Logger
}

func newFormatter(maxLength int, custom ContentFormatter, log *logging.Logger) *formatter {
	return &formatter{
		maxLength: maxLength,
		custom:    custom,
		log:       log,
	}
}

func (f *formatter) format(eventType event.Type, fields event.Fields) (string, bool) {
	content := rawContent(eventType, fields)
	if f.custom != nil {
		content = f.applyCustom(eventType, content)
	}
	return truncate(applyTemplate(eventType, fields, content), f.maxLength)
}

// applyCustom runs the configured formatter, falling back to the raw
// content if it fails or panics. Host-supplied code must never take
// the pipeline down.
func (f *formatter) applyCustom(eventType event.Type, content string) (out string) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Warn("content formatter panicked, using default rendering",
				logging.EventType(string(eventType)), "panic", fmt.Sprint(r))
			out = content
		}
	}()

	formatted, err := f.custom(eventType, content)
	if err != nil {
		f.log.Warn("content formatter failed, using default rendering",
			logging.EventType(string(eventType)), logging.Error(err))
		return content
	}
	return formatted
}

// rawContent picks the free-text piece of the payload for the event
// type; this is what a custom formatter sees.
func rawContent(eventType event.Type, fields event.Fields) string {
	switch eventType {
	case event.LLMRequest:
		return stringField(fields, "prompt")
	case event.LLMResponse, event.ModelResponse:
		return stringField(fields, "response")
	case event.UserMessageReceived:
		return stringField(fields, "message")
	case event.ToolStarting, event.ToolError:
		return valueField(fields, "args")
	case event.ToolCompleted:
		return valueField(fields, "result")
	case event.ToolCall, event.ToolResult:
		return stringField(fields, "function")
	case event.AgentStarting, event.AgentCompleted:
		return stringField(fields, "agent")
	default:
		return ""
	}
}

// applyTemplate wraps the content piece in the structural template for
// the event type; types without a template pass content through
// verbatim.
func applyTemplate(eventType event.Type, fields event.Fields, content string) string {
	switch eventType {
	case event.LLMRequest:
		return fmt.Sprintf("Model: %s\nPrompt: %s", stringField(fields, "model"), content)
	case event.LLMResponse:
		// A response that carried tool calls is summarized
		// structurally; a plain text response passes through.
		if tools := listField(fields, "tools"); tools != "" {
			return fmt.Sprintf("Tools: %s\nTokens: %s", tools, usageSummary(fields))
		}
		return content
	case event.ToolStarting:
		return fmt.Sprintf("Tool: %s\nDescription: %s\nArgs: %s",
			stringField(fields, "tool"), stringField(fields, "description"), content)
	case event.ToolCompleted:
		return fmt.Sprintf("Tool: %s\nResult: %s", stringField(fields, "tool"), content)
	case event.ToolError:
		return fmt.Sprintf("Tool: %s\nArgs: %s", stringField(fields, "tool"), content)
	case event.LLMError, event.InvocationStarting, event.InvocationCompleted:
		return ""
	default:
		return content
	}
}

// usageSummary renders the token accounting of a model response. The
// usage map is host-supplied; missing or mistyped counts read as 0.
func usageSummary(fields event.Fields) string {
	usage, _ := fields["usage"].(map[string]any)
	return fmt.Sprintf("prompt=%s completion=%s total=%s",
		countField(usage, "prompt_tokens"),
		countField(usage, "completion_tokens"),
		countField(usage, "total_tokens"))
}

func countField(usage map[string]any, key string) string {
	v, ok := usage[key]
	if !ok || v == nil {
		return "0"
	}
	return fmt.Sprint(v)
}

// truncate cuts content to maxLength characters. Characters, not
// bytes: a multibyte rune is never split.
func truncate(content string, maxLength int) (string, bool) {
	runes := []rune(content)
	if len(runes) <= maxLength {
		return content, false
	}
	return string(runes[:maxLength]), true
}
