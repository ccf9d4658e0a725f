// Package event defines the event types and the normalized record that
// flows through the telemetry pipeline.
package event

import "time"

// Type identifies the host lifecycle point that produced an event. The
// string values double as the names accepted by the allowlist/denylist
// configuration.
type Type string

const (
	// LLMRequest is emitted before a model call.
	LLMRequest Type = "LLM_REQUEST"

	// LLMResponse is emitted after a model call returns.
	LLMResponse Type = "LLM_RESPONSE"

	// LLMError is emitted when a model call fails.
	LLMError Type = "LLM_ERROR"

	// ToolStarting is emitted before a tool call.
	ToolStarting Type = "TOOL_STARTING"

	// ToolCompleted is emitted after a tool call returns.
	ToolCompleted Type = "TOOL_COMPLETED"

	// ToolError is emitted when a tool call fails.
	ToolError Type = "TOOL_ERROR"

	// InvocationStarting and InvocationCompleted bracket a full run.
	InvocationStarting  Type = "INVOCATION_STARTING"
	InvocationCompleted Type = "INVOCATION_COMPLETED"

	// AgentStarting and AgentCompleted bracket a single agent's turn.
	AgentStarting  Type = "AGENT_STARTING"
	AgentCompleted Type = "AGENT_COMPLETED"

	// UserMessageReceived is emitted when user input reaches the runtime.
	UserMessageReceived Type = "USER_MESSAGE_RECEIVED"

	// ToolCall and ToolResult are emitted when the event stream carries a
	// function call or a function response.
	ToolCall   Type = "TOOL_CALL"
	ToolResult Type = "TOOL_RESULT"

	// ModelResponse is emitted when the event stream carries text.
	ModelResponse Type = "MODEL_RESPONSE"
)

// Types lists every known event type, in the order they appear in an
// agent run.
var Types = []Type{
	LLMRequest,
	LLMResponse,
	LLMError,
	ToolStarting,
	ToolCompleted,
	ToolError,
	InvocationStarting,
	InvocationCompleted,
	AgentStarting,
	AgentCompleted,
	UserMessageReceived,
	ToolCall,
	ToolResult,
	ModelResponse,
}

// Fields is the raw variant payload a host passes alongside an event
// type. Extraction is total: missing or mistyped values fall back to
// zero-value sentinels, never errors. Well-known keys: "agent",
// "session_id", "invocation_id", "user_id" (correlation, any type),
// plus per-type keys such as "model", "prompt", "response", "tools",
// "usage", "tool", "description", "args", "result", "message",
// "function", and "error".
type Fields map[string]any

// Record is the normalized, immutable unit of work. Once constructed it
// carries no references into host state, which makes it safe to hand
// across the queue boundary. Timestamp is assigned at normalization
// time and is the sole ordering key.
type Record struct {
	ID           string    `json:"id" msgpack:"id"`
	Timestamp    time.Time `json:"timestamp" msgpack:"timestamp"`
	EventType    Type      `json:"event_type" msgpack:"event_type"`
	Agent        string    `json:"agent,omitempty" msgpack:"agent"`
	SessionID    string    `json:"session_id,omitempty" msgpack:"session_id"`
	InvocationID string    `json:"invocation_id,omitempty" msgpack:"invocation_id"`
	UserID       string    `json:"user_id,omitempty" msgpack:"user_id"`
	Content      string    `json:"content" msgpack:"content"`
	ErrorMessage string    `json:"error_message,omitempty" msgpack:"error_message"`
	IsTruncated  bool      `json:"is_truncated" msgpack:"is_truncated"`
}
