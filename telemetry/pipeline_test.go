package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenttrail-systems/agenttrail/common/logging"
	"github.com/agenttrail-systems/agenttrail/telemetry/event"
	"github.com/agenttrail-systems/agenttrail/telemetry/internal/clock"
	"github.com/agenttrail-systems/agenttrail/telemetry/internal/storage"
)

// stubSink records every batch and succeeds unless told otherwise.
type stubSink struct {
	mu       sync.Mutex
	ensures  int
	batches  [][]event.Record
	closed   bool
	closeErr error
}

func (s *stubSink) Name() string { return "stub" }

func (s *stubSink) EnsureSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensures++
	return nil
}

func (s *stubSink) Append(ctx context.Context, records []event.Record) (*storage.AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]event.Record(nil), records...))
	return &storage.AppendResult{Appended: len(records)}, nil
}

func (s *stubSink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.closeErr
}

// delivered returns every record shipped so far, in arrival order.
func (s *stubSink) delivered() []event.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Record
	for _, batch := range s.batches {
		out = append(out, batch...)
	}
	return out
}

func (s *stubSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func newTestPipeline(t *testing.T, cfg Config, sink storage.Sink) *Pipeline {
	t.Helper()
	clk := clock.NewFake(time.Unix(1700000000, 0).UTC())
	return newPipeline(cfg.withDefaults(), logging.Default(), sink, nil, clk)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond, msg)
}

func TestPipeline_EndToEnd(t *testing.T) {
	sink := &stubSink{}
	p := newTestPipeline(t, DefaultConfig(), sink)

	require.NoError(t, p.Start())

	p.Emit(event.LLMRequest, event.Fields{
		"agent":  "planner",
		"model":  "gemini-2.0-flash",
		"prompt": "plan the trip",
	})
	p.Emit(event.ToolStarting, event.Fields{
		"agent": "planner",
		"tool":  "search_flights",
		"args":  map[string]any{"origin": "SFO"},
	})

	waitFor(t, func() bool { return len(sink.delivered()) == 2 }, "records never delivered")

	recs := sink.delivered()
	assert.Equal(t, event.LLMRequest, recs[0].EventType, "delivery must preserve emit order")
	assert.Equal(t, event.ToolStarting, recs[1].EventType)
	assert.Equal(t, "Model: gemini-2.0-flash\nPrompt: plan the trip", recs[0].Content)
	assert.Equal(t, "planner", recs[1].Agent)

	require.NoError(t, p.Shutdown())
	assert.True(t, sink.isClosed(), "shutdown must close the store client")

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.Enqueued)
	assert.Equal(t, uint64(2), stats.Delivered)
	assert.Equal(t, uint64(0), stats.Dropped)
	assert.Equal(t, "stopped", stats.WorkerState)
}

func TestPipeline_AllowlistKeepsFilteredEventsOutOfQueue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EventAllowlist = []string{"LLM_REQUEST", "LLM_RESPONSE"}
	sink := &stubSink{}
	p := newTestPipeline(t, cfg, sink)

	require.NoError(t, p.Start())

	for i := 0; i < 3; i++ {
		p.Emit(event.ToolStarting, event.Fields{"tool": "t"})
	}
	p.Emit(event.LLMRequest, event.Fields{"prompt": "p"})

	waitFor(t, func() bool { return len(sink.delivered()) == 1 }, "allowlisted event never delivered")

	stats := p.Stats()
	assert.Equal(t, uint64(3), stats.Filtered)
	assert.Equal(t, uint64(1), stats.Enqueued)
	assert.Equal(t, event.LLMRequest, sink.delivered()[0].EventType)

	require.NoError(t, p.Shutdown())
}

func TestPipeline_DisabledDropsEverything(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false

	p, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Start())

	for _, et := range event.Types {
		p.Emit(et, event.Fields{"agent": "planner"})
	}

	stats := p.Stats()
	assert.Equal(t, uint64(0), stats.Enqueued)
	assert.Equal(t, uint64(len(event.Types)), stats.Filtered)
	assert.Equal(t, "disabled", stats.WorkerState)

	require.NoError(t, p.Shutdown())
}

func TestPipeline_StartTwiceErrors(t *testing.T) {
	sink := &stubSink{}
	p := newTestPipeline(t, DefaultConfig(), sink)

	require.NoError(t, p.Start())
	assert.ErrorIs(t, p.Start(), ErrAlreadyStarted)

	require.NoError(t, p.Shutdown())
}

func TestPipeline_EmitAfterShutdownIsSilentlyDropped(t *testing.T) {
	sink := &stubSink{}
	p := newTestPipeline(t, DefaultConfig(), sink)

	require.NoError(t, p.Start())
	p.Emit(event.LLMRequest, event.Fields{"prompt": "p"})
	waitFor(t, func() bool { return len(sink.delivered()) == 1 }, "record never delivered")
	require.NoError(t, p.Shutdown())

	assert.NotPanics(t, func() {
		p.Emit(event.LLMRequest, event.Fields{"prompt": "late"})
	})
	assert.Equal(t, uint64(1), p.Stats().Enqueued, "post-shutdown emits must not be accepted")
	assert.Len(t, sink.delivered(), 1)
}

func TestPipeline_ShutdownIsIdempotent(t *testing.T) {
	sink := &stubSink{}
	p := newTestPipeline(t, DefaultConfig(), sink)

	require.NoError(t, p.Start())
	require.NoError(t, p.Shutdown())
	require.NoError(t, p.Shutdown())
}

func TestPipeline_ShutdownReportsCloseError(t *testing.T) {
	sink := &stubSink{closeErr: errors.New("connection reset")}
	p := newTestPipeline(t, DefaultConfig(), sink)

	require.NoError(t, p.Start())

	err := p.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close store client")

	// The stored error is returned again on repeat calls.
	assert.Equal(t, err, p.Shutdown())
}

func TestPipeline_FullQueueDropsNewestRecord(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueCapacity = 2
	sink := &stubSink{}
	p := newTestPipeline(t, cfg, sink)

	// No worker is consuming yet, so the queue fills in emit order.
	for i := 0; i < 3; i++ {
		p.Emit(event.UserMessageReceived, event.Fields{"message": fmt.Sprintf("msg %d", i)})
	}

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.Enqueued)
	assert.Equal(t, uint64(1), stats.Dropped, "the newest record is the one shed")

	require.NoError(t, p.Start())
	waitFor(t, func() bool { return len(sink.delivered()) == 2 }, "buffered records never delivered")

	recs := sink.delivered()
	assert.Equal(t, "msg 0", recs[0].Content)
	assert.Equal(t, "msg 1", recs[1].Content)

	require.NoError(t, p.Shutdown())
}

func TestPipeline_FailingCustomFormatterLosesNoEvents(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ContentFormatter = func(event.Type, string) (string, error) {
		return "", errors.New("always broken")
	}
	sink := &stubSink{}
	p := newTestPipeline(t, cfg, sink)

	require.NoError(t, p.Start())
	p.Emit(event.UserMessageReceived, event.Fields{"message": "hello"})

	waitFor(t, func() bool { return len(sink.delivered()) == 1 }, "record never delivered")
	assert.Equal(t, "hello", sink.delivered()[0].Content, "default rendering must survive a broken formatter")

	require.NoError(t, p.Shutdown())
}

func TestPipeline_UnknownBackendErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Backend = "mysql"

	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store backend")
}
