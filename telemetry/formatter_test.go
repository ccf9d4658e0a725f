package telemetry

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agenttrail-systems/agenttrail/common/logging"
	"github.com/agenttrail-systems/agenttrail/telemetry/event"
)

func TestFormatter_Templates(t *testing.T) {
	f := newFormatter(500, nil, logging.Default())

	tests := []struct {
		name      string
		eventType event.Type
		fields    event.Fields
		want      string
	}{
		{
			name:      "llm request",
			eventType: event.LLMRequest,
			fields:    event.Fields{"model": "gemini-2.0-flash", "prompt": "plan the trip"},
			want:      "Model: gemini-2.0-flash\nPrompt: plan the trip",
		},
		{
			name:      "llm response with tool calls",
			eventType: event.LLMResponse,
			fields: event.Fields{
				"tools": []string{"search_flights", "book_hotel"},
				"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 34, "total_tokens": 46},
			},
			want: "Tools: search_flights, book_hotel\nTokens: prompt=12 completion=34 total=46",
		},
		{
			name:      "llm response with tools but no usage",
			eventType: event.LLMResponse,
			fields:    event.Fields{"tools": []string{"search_flights"}},
			want:      "Tools: search_flights\nTokens: prompt=0 completion=0 total=0",
		},
		{
			name:      "llm response plain text",
			eventType: event.LLMResponse,
			fields:    event.Fields{"response": "Here is the plan."},
			want:      "Here is the plan.",
		},
		{
			name:      "llm error keeps content empty",
			eventType: event.LLMError,
			fields:    event.Fields{"error": "quota exhausted"},
			want:      "",
		},
		{
			name:      "tool starting",
			eventType: event.ToolStarting,
			fields: event.Fields{
				"tool":        "search_flights",
				"description": "Search for flights",
				"args":        map[string]any{"origin": "SFO"},
			},
			want: "Tool: search_flights\nDescription: Search for flights\nArgs: {\"origin\":\"SFO\"}",
		},
		{
			name:      "tool completed",
			eventType: event.ToolCompleted,
			fields:    event.Fields{"tool": "search_flights", "result": "3 flights found"},
			want:      "Tool: search_flights\nResult: 3 flights found",
		},
		{
			name:      "tool error",
			eventType: event.ToolError,
			fields:    event.Fields{"tool": "book_hotel", "args": map[string]any{"city": "Paris"}, "error": "upstream 500"},
			want:      "Tool: book_hotel\nArgs: {\"city\":\"Paris\"}",
		},
		{
			name:      "invocation markers are empty",
			eventType: event.InvocationStarting,
			fields:    event.Fields{"session_id": "s-1"},
			want:      "",
		},
		{
			name:      "agent starting carries the agent name",
			eventType: event.AgentStarting,
			fields:    event.Fields{"agent": "planner"},
			want:      "planner",
		},
		{
			name:      "user message passes through",
			eventType: event.UserMessageReceived,
			fields:    event.Fields{"message": "find me a flight"},
			want:      "find me a flight",
		},
		{
			name:      "tool call carries the function name",
			eventType: event.ToolCall,
			fields:    event.Fields{"function": "search_flights"},
			want:      "search_flights",
		},
		{
			name:      "model response text",
			eventType: event.ModelResponse,
			fields:    event.Fields{"response": "done"},
			want:      "done",
		},
		{
			name:      "missing fields degrade to sentinels",
			eventType: event.LLMRequest,
			fields:    event.Fields{},
			want:      "Model: \nPrompt: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, truncated := f.format(tt.eventType, tt.fields)
			assert.Equal(t, tt.want, got)
			assert.False(t, truncated)
		})
	}
}

func TestFormatter_CustomTransformRunsBeforeTemplate(t *testing.T) {
	custom := func(eventType event.Type, content string) (string, error) {
		return "[redacted]", nil
	}
	f := newFormatter(500, custom, logging.Default())

	got, truncated := f.format(event.LLMRequest, event.Fields{
		"model":  "gemini-2.0-flash",
		"prompt": "secret plans",
	})

	assert.Equal(t, "Model: gemini-2.0-flash\nPrompt: [redacted]", got)
	assert.False(t, truncated)
}

func TestFormatter_CustomErrorFallsBackToRaw(t *testing.T) {
	custom := func(event.Type, string) (string, error) {
		return "", errors.New("formatter broken")
	}
	f := newFormatter(500, custom, logging.Default())

	got, _ := f.format(event.UserMessageReceived, event.Fields{"message": "hello"})

	assert.Equal(t, "hello", got, "an erroring formatter must not lose the raw content")
}

func TestFormatter_CustomPanicFallsBackToRaw(t *testing.T) {
	custom := func(event.Type, string) (string, error) {
		panic("host bug")
	}
	f := newFormatter(500, custom, logging.Default())

	got, _ := f.format(event.UserMessageReceived, event.Fields{"message": "hello"})

	assert.Equal(t, "hello", got, "a panicking formatter must not lose the raw content")
}

func TestFormatter_TruncatesToExactLength(t *testing.T) {
	f := newFormatter(10, nil, logging.Default())

	got, truncated := f.format(event.UserMessageReceived, event.Fields{
		"message": strings.Repeat("a", 25),
	})

	assert.True(t, truncated)
	assert.Equal(t, strings.Repeat("a", 10), got)
}

func TestFormatter_ContentAtLimitIsNotTruncated(t *testing.T) {
	f := newFormatter(5, nil, logging.Default())

	got, truncated := f.format(event.UserMessageReceived, event.Fields{"message": "12345"})

	assert.False(t, truncated)
	assert.Equal(t, "12345", got)
}

func TestFormatter_TruncationCountsRunesNotBytes(t *testing.T) {
	f := newFormatter(3, nil, logging.Default())

	got, truncated := f.format(event.UserMessageReceived, event.Fields{"message": "日本語テキスト"})

	assert.True(t, truncated)
	assert.Equal(t, "日本語", got)
}

func TestFormatter_TruncationAppliesAfterTemplate(t *testing.T) {
	f := newFormatter(12, nil, logging.Default())

	got, truncated := f.format(event.LLMRequest, event.Fields{
		"model":  "gemini",
		"prompt": "a very long prompt",
	})

	assert.True(t, truncated)
	assert.Equal(t, "Model: gemin", got)
}
