package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenttrail-systems/agenttrail/common/logging"
	"github.com/agenttrail-systems/agenttrail/telemetry/event"
	"github.com/agenttrail-systems/agenttrail/telemetry/internal/clock"
	"github.com/agenttrail-systems/agenttrail/telemetry/internal/queue"
	"github.com/agenttrail-systems/agenttrail/telemetry/internal/storage"
	"github.com/agenttrail-systems/agenttrail/telemetry/internal/worker"
)

// appendOutcome scripts one Append call. A zero value means success
// for the whole batch.
type appendOutcome struct {
	res *storage.AppendResult
	err error
}

// mockSink is a scripted Sink. Append consumes one outcome per call
// and succeeds once the script runs out.
type mockSink struct {
	mu        sync.Mutex
	script    []appendOutcome
	ensureErr error
	ensures   int
	calls     [][]event.Record

	// gate, when set, blocks every Append until it is closed. entered
	// receives one signal per Append entry.
	gate    chan struct{}
	entered chan struct{}
}

func (m *mockSink) Name() string { return "mock" }

func (m *mockSink) EnsureSchema(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensures++
	return m.ensureErr
}

func (m *mockSink) Append(ctx context.Context, batch []event.Record) (*storage.AppendResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, append([]event.Record(nil), batch...))
	var out appendOutcome
	if len(m.script) > 0 {
		out = m.script[0]
		m.script = m.script[1:]
	}
	gate, entered := m.gate, m.entered
	m.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	if out.err != nil {
		return nil, out.err
	}
	if out.res != nil {
		return out.res, nil
	}
	return &storage.AppendResult{Appended: len(batch)}, nil
}

func (m *mockSink) Close(ctx context.Context) error { return nil }

func (m *mockSink) appendCalls() [][]event.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]event.Record(nil), m.calls...)
}

func (m *mockSink) ensureCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensures
}

type mockDeadLetter struct {
	mu         sync.Mutex
	connectErr error
	publishErr error
	connects   int
	published  []event.FailedRecord
}

func (m *mockDeadLetter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	return m.connectErr
}

func (m *mockDeadLetter) Publish(ctx context.Context, failed event.FailedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, failed)
	return nil
}

func (m *mockDeadLetter) records() []event.FailedRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]event.FailedRecord(nil), m.published...)
}

func (m *mockDeadLetter) connectCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

func makeRecords(n int) []event.Record {
	recs := make([]event.Record, n)
	for i := range recs {
		recs[i] = event.Record{
			ID:        uuid.NewString(),
			Timestamp: time.Unix(int64(1700000000+i), 0).UTC(),
			EventType: event.LLMRequest,
			Agent:     "planner",
			Content:   fmt.Sprintf("record %d", i),
		}
	}
	return recs
}

func recordIDs(recs []event.Record) []string {
	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ID
	}
	return ids
}

// newTestWorker builds a worker over a fresh queue preloaded with the
// given records. MaxBatchWait is an hour so dequeue timers never fire
// on the small advances the tests make.
func newTestWorker(t *testing.T, sink storage.Sink, dlq worker.DeadLetter, clk clock.Clock, queued ...event.Record) (*worker.Worker, *queue.Queue) {
	t.Helper()

	q := queue.New(64, clk)
	for _, rec := range queued {
		require.True(t, q.Enqueue(rec))
	}

	w := worker.New(worker.Config{
		MaxBatchSize: 10,
		MaxBatchWait: time.Hour,
		DrainTimeout: time.Second,
	}, q, sink, dlq, clk, logging.Default())
	return w, q
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond, msg)
}

func TestWorker_DeliversBatchInOrder(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0).UTC())
	sink := &mockSink{}
	dlq := &mockDeadLetter{}
	recs := makeRecords(3)

	w, _ := newTestWorker(t, sink, dlq, clk, recs...)
	w.Start()

	eventually(t, func() bool { return len(sink.appendCalls()) == 1 }, "batch never delivered")
	assert.Equal(t, worker.StateRunning, w.State())

	calls := sink.appendCalls()
	assert.Equal(t, recordIDs(recs), recordIDs(calls[0]), "delivery must preserve enqueue order")
	assert.Equal(t, 1, dlq.connectCalls())
	assert.Empty(t, dlq.records())

	w.Stop()
	assert.Equal(t, worker.StateStopped, w.State())
}

func TestWorker_RetriesTransientFailureWithBackoff(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0).UTC())
	sink := &mockSink{script: []appendOutcome{
		{err: errors.New("connection refused")},
		{err: errors.New("connection refused")},
	}}
	recs := makeRecords(2)

	w, _ := newTestWorker(t, sink, nil, clk, recs...)
	w.Start()

	// Attempt 1 fails and parks on the 500ms backoff. One timer
	// belongs to the initial dequeue wait, one to the backoff.
	clk.WaitForTimers(2)
	clk.Advance(500 * time.Millisecond)

	// Attempt 2 fails and parks on the doubled backoff.
	clk.WaitForTimers(2)
	clk.Advance(time.Second)

	eventually(t, func() bool { return len(sink.appendCalls()) == 3 }, "expected third attempt")

	calls := sink.appendCalls()
	for i, call := range calls {
		assert.Equal(t, recordIDs(recs), recordIDs(call), "attempt %d must resend the same batch", i+1)
	}

	w.Stop()
}

func TestWorker_ExhaustsRetriesAndDeadLetters(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0).UTC())
	boom := errors.New("store on fire")
	sink := &mockSink{script: []appendOutcome{
		{err: boom}, {err: boom}, {err: boom}, {err: boom}, {err: boom},
	}}
	dlq := &mockDeadLetter{}
	recs := makeRecords(2)

	w, q := newTestWorker(t, sink, dlq, clk, recs...)
	w.Start()

	for _, backoff := range []time.Duration{
		500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second,
	} {
		clk.WaitForTimers(2)
		clk.Advance(backoff)
	}

	eventually(t, func() bool { return len(dlq.records()) == 2 }, "records never dead-lettered")

	assert.Len(t, sink.appendCalls(), 5)
	for i, failed := range dlq.records() {
		assert.Equal(t, recs[i].ID, failed.Record.ID)
		assert.Equal(t, event.ReasonRetryExhausted, failed.Reason)
		assert.Equal(t, 5, failed.Attempts)
		assert.Equal(t, boom.Error(), failed.Error)
		assert.False(t, failed.LastAttempt.IsZero())
	}

	// The batch is gone and the worker keeps running.
	assert.Equal(t, worker.StateRunning, w.State())
	assert.Equal(t, 0, q.Depth())

	w.Stop()
	assert.Len(t, dlq.records(), 2, "stop must not dead-letter anything else")
}

func TestWorker_NilDeadLetterDropsSilently(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0).UTC())
	boom := errors.New("no route to host")
	sink := &mockSink{script: []appendOutcome{
		{err: boom}, {err: boom}, {err: boom}, {err: boom}, {err: boom},
	}}
	recs := makeRecords(1)

	w, q := newTestWorker(t, sink, nil, clk, recs...)
	w.Start()

	for _, backoff := range []time.Duration{
		500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second,
	} {
		clk.WaitForTimers(2)
		clk.Advance(backoff)
	}

	eventually(t, func() bool { return len(sink.appendCalls()) == 5 }, "expected five attempts")
	eventually(t, func() bool { return q.Depth() == 0 }, "batch should be dropped")

	w.Stop()
	assert.Equal(t, worker.StateStopped, w.State())
}

func TestWorker_SplitRetryResendsOnlyFlaggedRecords(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0).UTC())
	recs := makeRecords(3)
	sink := &mockSink{script: []appendOutcome{
		{res: &storage.AppendResult{
			Appended: 1,
			Rejected: []storage.RejectedRecord{{Record: recs[1], Err: "mapper_parsing_exception"}},
			Retry:    []event.Record{recs[2]},
		}},
	}}
	dlq := &mockDeadLetter{}

	w, _ := newTestWorker(t, sink, dlq, clk, recs...)
	w.Start()

	// The retryable remainder waits out one backoff before resend.
	clk.WaitForTimers(2)
	clk.Advance(500 * time.Millisecond)

	eventually(t, func() bool { return len(sink.appendCalls()) == 2 }, "retry batch never sent")

	calls := sink.appendCalls()
	assert.Equal(t, []string{recs[2].ID}, recordIDs(calls[1]), "only the flagged record goes around again")

	failed := dlq.records()
	require.Len(t, failed, 1)
	assert.Equal(t, recs[1].ID, failed[0].Record.ID)
	assert.Equal(t, event.ReasonRejected, failed[0].Reason)
	assert.Equal(t, 1, failed[0].Attempts)
	assert.Contains(t, failed[0].Error, "mapper_parsing_exception")

	w.Stop()
}

func TestWorker_ReprovisionsOnceOnSchemaMissing(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0).UTC())
	sink := &mockSink{script: []appendOutcome{
		{err: fmt.Errorf("append: %w", storage.ErrSchemaMissing)},
	}}
	recs := makeRecords(2)

	w, _ := newTestWorker(t, sink, nil, clk, recs...)
	w.Start()

	// No backoff applies: re-provision happens inline and the batch is
	// retried immediately.
	eventually(t, func() bool { return len(sink.appendCalls()) == 2 }, "batch not retried after re-provision")
	assert.Equal(t, 2, sink.ensureCalls(), "one startup run plus one re-provision")

	w.Stop()
}

func TestWorker_SecondSchemaMissFallsBackToRetryPolicy(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0).UTC())
	schemaGone := fmt.Errorf("append: %w", storage.ErrSchemaMissing)
	sink := &mockSink{script: []appendOutcome{
		{err: schemaGone},
		{err: schemaGone},
	}}
	recs := makeRecords(1)

	w, _ := newTestWorker(t, sink, nil, clk, recs...)
	w.Start()

	// The second consecutive miss is treated as transient: backoff,
	// not another provisioning run.
	clk.WaitForTimers(2)
	clk.Advance(500 * time.Millisecond)

	eventually(t, func() bool { return len(sink.appendCalls()) == 3 }, "expected a third attempt")
	assert.Equal(t, 2, sink.ensureCalls(), "re-provisioning must not loop")

	w.Stop()
}

func TestWorker_StopDrainsQueuedRecords(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0).UTC())
	sink := &mockSink{
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 16),
	}
	recs := makeRecords(3)

	w, q := newTestWorker(t, sink, nil, clk, recs[0])
	w.Start()

	// Worker is now blocked inside Append for the first record; the
	// rest lands in the queue behind it.
	<-sink.entered
	require.True(t, q.Enqueue(recs[1]))
	require.True(t, q.Enqueue(recs[2]))

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	time.Sleep(50 * time.Millisecond)
	close(sink.gate)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	calls := sink.appendCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{recs[0].ID}, recordIDs(calls[0]))
	assert.Equal(t, []string{recs[1].ID, recs[2].ID}, recordIDs(calls[1]), "queued records must be flushed on stop")
	assert.Equal(t, 0, q.Depth())
	assert.Equal(t, worker.StateStopped, w.State())
}

func TestWorker_DrainTimeoutDiscardsLeftovers(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0).UTC())
	boom := errors.New("still down")
	sink := &mockSink{script: []appendOutcome{
		{err: boom}, {err: boom}, {err: boom}, {err: boom}, {err: boom},
	}}
	dlq := &mockDeadLetter{}
	recs := makeRecords(3)

	w, q := newTestWorker(t, sink, dlq, clk, recs...)
	w.Start()

	// First attempt fails and the worker parks on its backoff.
	clk.WaitForTimers(2)

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()

	// Stop aborts the running backoff and the batch carries into the
	// drain phase, which retries under the one second drain deadline.
	clk.WaitForTimers(3)
	clk.Advance(500 * time.Millisecond)
	clk.WaitForTimers(2)
	clk.Advance(500 * time.Millisecond)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	assert.Len(t, sink.appendCalls(), 3, "one running attempt plus two drain attempts")
	assert.Empty(t, dlq.records(), "drain leftovers are discarded, not dead-lettered")
	assert.Equal(t, 0, q.Depth())
	assert.Equal(t, worker.StateStopped, w.State())
}

func TestWorker_ProvisionFailureDoesNotBlockDelivery(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0).UTC())
	sink := &mockSink{ensureErr: errors.New("permission denied")}
	dlq := &mockDeadLetter{connectErr: errors.New("broker unreachable")}
	recs := makeRecords(2)

	w, _ := newTestWorker(t, sink, dlq, clk, recs...)
	w.Start()

	eventually(t, func() bool { return len(sink.appendCalls()) == 1 }, "delivery blocked by provisioning failure")
	assert.Equal(t, 1, sink.ensureCalls())
	assert.Equal(t, 1, dlq.connectCalls())
	assert.Empty(t, dlq.records())

	w.Stop()
}
