// Package seeder generates synthetic multi-agent sessions and plays
// them through a telemetry pipeline, for demos and for loading a store
// with realistic data.
package seeder

import (
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/agenttrail-systems/agenttrail/telemetry/event"
)

// Emitter accepts host lifecycle events. *telemetry.Pipeline satisfies
// it.
type Emitter interface {
	Emit(eventType event.Type, fields event.Fields)
}

// Config controls the shape of the generated load.
type Config struct {
	// Sessions is the number of user sessions to generate.
	Sessions int

	// Agents is the pool a session's turns draw from.
	Agents []string

	// MaxTurns caps agent turns per session; each session runs between
	// one and MaxTurns turns.
	MaxTurns int

	// ErrorRate is the probability that a model or tool call fails, in
	// [0, 1].
	ErrorRate float64

	// Seed makes a run reproducible; zero picks a random seed.
	Seed int64

	// Interval pauses between sessions to spread load over time.
	Interval time.Duration
}

// DefaultConfig returns a small, mostly-successful load.
func DefaultConfig() Config {
	return Config{
		Sessions:  25,
		Agents:    []string{"planner", "researcher", "critic", "summarizer"},
		MaxTurns:  3,
		ErrorRate: 0.05,
	}
}

// Summary reports what a run generated.
type Summary struct {
	Sessions int
	Events   int
}

// Runner generates sessions against one emitter.
type Runner struct {
	cfg  Config
	emit Emitter
}

var models = []string{"gemini-2.0-flash", "gemini-2.5-pro", "gpt-4o-mini"}

var toolPool = []string{"search_flights", "book_hotel", "fetch_weather", "query_knowledge_base", "send_email"}

var callErrors = []string{
	"rate limited by upstream",
	"deadline exceeded",
	"quota exhausted for project",
	"upstream returned 503",
}

// NewRunner builds a runner, filling zero config fields from
// DefaultConfig and clamping ErrorRate to [0, 1].
func NewRunner(cfg Config, emit Emitter) *Runner {
	def := DefaultConfig()
	if cfg.Sessions <= 0 {
		cfg.Sessions = def.Sessions
	}
	if len(cfg.Agents) == 0 {
		cfg.Agents = def.Agents
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = def.MaxTurns
	}
	if cfg.ErrorRate < 0 {
		cfg.ErrorRate = 0
	}
	if cfg.ErrorRate > 1 {
		cfg.ErrorRate = 1
	}
	return &Runner{cfg: cfg, emit: emit}
}

// Run generates every session. Events reach the emitter in the order a
// real host would produce them.
func (r *Runner) Run() Summary {
	gofakeit.Seed(r.cfg.Seed)

	var sum Summary
	for i := 0; i < r.cfg.Sessions; i++ {
		sum.Events += r.session()
		sum.Sessions++
		if r.cfg.Interval > 0 && i < r.cfg.Sessions-1 {
			time.Sleep(r.cfg.Interval)
		}
	}
	return sum
}

type session struct {
	sessionID    string
	invocationID string
	userID       string
	events       int
}

// session emits one full invocation and returns its event count.
func (r *Runner) session() int {
	s := &session{
		sessionID:    gofakeit.UUID(),
		invocationID: gofakeit.UUID(),
		userID:       "user-" + gofakeit.Username(),
	}
	root := pick(r.cfg.Agents)

	r.send(s, event.InvocationStarting, event.Fields{"agent": root})
	r.send(s, event.UserMessageReceived, event.Fields{
		"agent":   root,
		"message": gofakeit.Question(),
	})

	turns := gofakeit.Number(1, r.cfg.MaxTurns)
	for i := 0; i < turns; i++ {
		r.turn(s, pick(r.cfg.Agents))
	}

	r.send(s, event.InvocationCompleted, event.Fields{"agent": root})
	return s.events
}

// turn emits one agent's model call and any tool calls it makes.
func (r *Runner) turn(s *session, agent string) {
	model := pick(models)

	r.send(s, event.AgentStarting, event.Fields{"agent": agent})
	r.send(s, event.LLMRequest, event.Fields{
		"agent":  agent,
		"model":  model,
		"prompt": gofakeit.HackerPhrase(),
	})

	if r.fails() {
		r.send(s, event.LLMError, event.Fields{
			"agent": agent,
			"model": model,
			"error": pick(callErrors),
		})
		r.send(s, event.AgentCompleted, event.Fields{"agent": agent})
		return
	}

	tools := pickTools()
	promptTokens := gofakeit.Number(200, 4000)
	completionTokens := gofakeit.Number(20, 1500)
	response := event.Fields{
		"agent":    agent,
		"model":    model,
		"response": gofakeit.Sentence(14),
		"usage": map[string]any{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
		},
	}
	if len(tools) > 0 {
		response["tools"] = tools
	}
	r.send(s, event.LLMResponse, response)

	for _, tool := range tools {
		r.toolCall(s, agent, tool)
	}

	r.send(s, event.ModelResponse, event.Fields{
		"agent":    agent,
		"response": gofakeit.Sentence(20),
	})
	r.send(s, event.AgentCompleted, event.Fields{"agent": agent})
}

// toolCall emits the call/start/finish sequence for one tool. The turn
// continues after a tool error, the way a real agent would.
func (r *Runner) toolCall(s *session, agent, tool string) {
	args := map[string]any{
		"query": gofakeit.Sentence(4),
		"limit": gofakeit.Number(1, 50),
	}

	r.send(s, event.ToolCall, event.Fields{"agent": agent, "function": tool})
	r.send(s, event.ToolStarting, event.Fields{
		"agent":       agent,
		"tool":        tool,
		"description": gofakeit.Sentence(6),
		"args":        args,
	})

	if r.fails() {
		r.send(s, event.ToolError, event.Fields{
			"agent": agent,
			"tool":  tool,
			"args":  args,
			"error": pick(callErrors),
		})
		return
	}

	r.send(s, event.ToolCompleted, event.Fields{
		"agent":  agent,
		"tool":   tool,
		"result": gofakeit.Sentence(8),
	})
	r.send(s, event.ToolResult, event.Fields{"agent": agent, "function": tool})
}

// send stamps the session's correlation fields onto every event.
func (r *Runner) send(s *session, eventType event.Type, fields event.Fields) {
	fields["session_id"] = s.sessionID
	fields["invocation_id"] = s.invocationID
	fields["user_id"] = s.userID
	r.emit.Emit(eventType, fields)
	s.events++
}

func (r *Runner) fails() bool {
	return gofakeit.Float64Range(0, 1) < r.cfg.ErrorRate
}

func pick(list []string) string {
	return gofakeit.RandomString(list)
}

func pickTools() []string {
	n := gofakeit.Number(0, 2)
	if n == 0 {
		return nil
	}
	names := make([]string, 0, n)
	for len(names) < n {
		name := pick(toolPool)
		if !contains(names, name) {
			names = append(names, name)
		}
	}
	return names
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
