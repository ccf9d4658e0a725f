// Package worker runs the single delivery loop that moves queued
// records into the remote store.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agenttrail-systems/agenttrail/common/logging"
	"github.com/agenttrail-systems/agenttrail/telemetry/event"
	"github.com/agenttrail-systems/agenttrail/telemetry/internal/clock"
	"github.com/agenttrail-systems/agenttrail/telemetry/internal/metrics"
	"github.com/agenttrail-systems/agenttrail/telemetry/internal/queue"
	"github.com/agenttrail-systems/agenttrail/telemetry/internal/storage"
)

// Retry policy for transient delivery failures. Backoff doubles per
// attempt up to the cap and resets for every fresh batch.
const (
	maxDeliverAttempts = 5
	baseBackoff        = 500 * time.Millisecond
	maxBackoff         = 30 * time.Second
)

// State is the worker lifecycle phase.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// DeadLetter receives records the worker gives up on.
type DeadLetter interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, failed event.FailedRecord) error
}

// Config holds the delivery loop's tunables.
type Config struct {
	MaxBatchSize int
	MaxBatchWait time.Duration

	// DrainTimeout bounds the best-effort flush after Stop; records
	// still queued when it elapses are discarded.
	DrainTimeout time.Duration
}

// Worker is the pipeline's only consumer. One goroutine dequeues
// batches and appends them to the sink, so per-store append order is
// deterministic and no write interleaving needs coordination. Delivery
// failures never propagate beyond this package.
type Worker struct {
	cfg  Config
	que  *queue.Queue
	sink storage.Sink
	dlq  DeadLetter
	clk  clock.Clock
	log  *logging.Logger

	state    atomic.Int32
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	delivered    atomic.Uint64
	deadLettered atomic.Uint64
	discarded    atomic.Uint64

	// reprovisioned latches the one mid-run schema re-provision
	// allowed per missing-schema episode; it resets on a successful
	// append. Touched only by the run goroutine.
	reprovisioned bool
}

func New(cfg Config, que *queue.Queue, sink storage.Sink, dlq DeadLetter, clk clock.Clock, log *logging.Logger) *Worker {
	return &Worker{
		cfg:    cfg,
		que:    que,
		sink:   sink,
		dlq:    dlq,
		clk:    clk,
		log:    log.With(logging.Component("worker"), logging.Store(sink.Name())),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the delivery loop. Call once.
func (w *Worker) Start() {
	metrics.QueueCapacity.Set(float64(w.que.Capacity()))
	go w.run()
}

// Stop signals the worker to drain and blocks until it finishes.
// Total wait is bounded by DrainTimeout plus the in-flight attempt.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.done
}

// State reports the current lifecycle phase.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Delivered returns the total number of records the store accepted.
func (w *Worker) Delivered() uint64 {
	return w.delivered.Load()
}

// DeadLettered returns the total number of records abandoned to the
// dead-letter path.
func (w *Worker) DeadLettered() uint64 {
	return w.deadLettered.Load()
}

// Discarded returns the total number of records dropped at the drain
// deadline.
func (w *Worker) Discarded() uint64 {
	return w.discarded.Load()
}

func (w *Worker) run() {
	defer close(w.done)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-w.stopCh
		cancel()
	}()

	w.provision(runCtx)
	w.state.Store(int32(StateRunning))

	var pending []event.Record
loop:
	for {
		select {
		case <-w.stopCh:
			break loop
		default:
		}

		metrics.QueueDepth.Set(float64(w.que.Depth()))

		batch := w.que.DequeueBatch(runCtx, w.cfg.MaxBatchSize, w.cfg.MaxBatchWait)
		if runCtx.Err() != nil {
			pending = batch
			break loop
		}
		if len(batch) == 0 {
			continue
		}
		if pending = w.deliver(runCtx, batch, time.Time{}); len(pending) > 0 {
			break loop
		}
	}

	w.drain(pending)
	w.state.Store(int32(StateStopped))
	w.log.Info("worker stopped")
}

// provision runs the schema setup once before delivery begins. Failure
// is logged and delivery proceeds; a missing schema surfaces again as
// ErrSchemaMissing and gets one more attempt then.
func (w *Worker) provision(ctx context.Context) {
	if w.dlq != nil {
		if err := w.dlq.Connect(ctx); err != nil {
			w.log.Warn("dead-letter queue unavailable", logging.Error(err))
		}
	}

	if err := w.sink.EnsureSchema(ctx); err != nil {
		metrics.ProvisionRuns.WithLabelValues("error").Inc()
		w.log.Error("schema provisioning failed, will retry on demand", logging.Error(err))
		return
	}
	metrics.ProvisionRuns.WithLabelValues("ok").Inc()
}

// drain delivers what is left after a stop signal, bounded by
// DrainTimeout. pending carries a batch interrupted mid-retry.
func (w *Worker) drain(pending []event.Record) {
	w.state.Store(int32(StateDraining))
	w.log.Info("draining", "queued", w.que.Depth()+len(pending))

	deadline := w.clk.Now().Add(w.cfg.DrainTimeout)
	ctx := context.Background()

	batch := pending
	for {
		if len(batch) == 0 {
			batch = w.que.TryDequeue(w.cfg.MaxBatchSize)
		}
		if len(batch) == 0 {
			return
		}
		if !w.clk.Now().Before(deadline) {
			break
		}
		batch = w.deliver(ctx, batch, deadline)
	}

	leftover := len(batch) + w.que.Depth()
	if leftover > 0 {
		w.discarded.Add(uint64(leftover))
		metrics.RecordsDiscarded.Add(float64(leftover))
		w.log.Warn("drain timeout elapsed, discarding queued records", "discarded", leftover)
	}
}

// deliver appends the batch with retry and returns the records not yet
// accounted for when the context or drain deadline cut it short. A
// zero deadline means no drain bound applies.
func (w *Worker) deliver(ctx context.Context, batch []event.Record, deadline time.Time) []event.Record {
	attempt := 1
	backoff := baseBackoff

	for {
		if !deadline.IsZero() && !w.clk.Now().Before(deadline) {
			return batch
		}

		start := w.clk.Now()
		res, err := w.append(ctx, batch, deadline)
		metrics.DeliveryDuration.Observe(w.clk.Now().Sub(start).Seconds())

		if err != nil {
			if errors.Is(err, storage.ErrSchemaMissing) && !w.reprovisioned {
				w.reprovisioned = true
				w.log.Warn("schema missing, re-provisioning once", logging.Error(err))
				if provErr := w.sink.EnsureSchema(ctx); provErr != nil {
					metrics.ProvisionRuns.WithLabelValues("error").Inc()
					w.log.Error("re-provisioning failed", logging.Error(provErr))
				} else {
					metrics.ProvisionRuns.WithLabelValues("ok").Inc()
				}
				continue
			}

			metrics.BatchesTotal.WithLabelValues(metrics.BatchRetried).Inc()
			w.log.Warn("batch append failed",
				logging.BatchSize(len(batch)), logging.Attempt(attempt), logging.Error(err))

			if attempt >= maxDeliverAttempts {
				w.abandon(ctx, batch, err, event.ReasonRetryExhausted, attempt)
				return nil
			}
			if !w.sleep(ctx, backoff, deadline) {
				return batch
			}
			attempt++
			backoff = nextBackoff(backoff)
			continue
		}

		w.reprovisioned = false

		if res.Appended > 0 {
			w.delivered.Add(uint64(res.Appended))
			metrics.RecordsDelivered.Add(float64(res.Appended))
		}
		for _, rej := range res.Rejected {
			w.log.Error("record rejected by store",
				logging.EventID(rej.Record.ID),
				logging.EventType(string(rej.Record.EventType)),
				logging.Reason(rej.Err))
			w.deadLetter(ctx, rej.Record, errors.New(rej.Err), event.ReasonRejected, attempt)
		}

		if len(res.Retry) == 0 {
			metrics.BatchesTotal.WithLabelValues(metrics.BatchDelivered).Inc()
			return nil
		}

		// Only the store-flagged retryable records go around again.
		batch = res.Retry
		metrics.BatchesTotal.WithLabelValues(metrics.BatchRetried).Inc()
		w.log.Warn("store flagged records for retry",
			logging.BatchSize(len(batch)), logging.Attempt(attempt))

		if attempt >= maxDeliverAttempts {
			w.abandon(ctx, batch, errors.New("store kept flagging records as retryable"),
				event.ReasonRetryExhausted, attempt)
			return nil
		}
		if !w.sleep(ctx, backoff, deadline) {
			return batch
		}
		attempt++
		backoff = nextBackoff(backoff)
	}
}

// append bounds the sink call by the drain deadline when one applies.
func (w *Worker) append(ctx context.Context, batch []event.Record, deadline time.Time) (*storage.AppendResult, error) {
	if deadline.IsZero() {
		return w.sink.Append(ctx, batch)
	}
	appendCtx, cancel := context.WithTimeout(ctx, deadline.Sub(w.clk.Now()))
	defer cancel()
	return w.sink.Append(appendCtx, batch)
}

// abandon drops records the retry policy gave up on, handing each to
// the dead-letter queue.
func (w *Worker) abandon(ctx context.Context, records []event.Record, cause error, reason string, attempts int) {
	metrics.BatchesTotal.WithLabelValues(metrics.BatchFailed).Inc()
	w.log.Error("dropping undeliverable records",
		logging.BatchSize(len(records)), logging.Reason(reason), logging.Error(cause))
	for _, rec := range records {
		w.deadLetter(ctx, rec, cause, reason, attempts)
	}
}

func (w *Worker) deadLetter(ctx context.Context, rec event.Record, cause error, reason string, attempts int) {
	w.deadLettered.Add(1)
	metrics.RecordsDeadLettered.WithLabelValues(reason).Inc()
	if w.dlq == nil {
		return
	}

	now := w.clk.Now().UTC()
	failed := event.FailedRecord{
		Timestamp:   now,
		Record:      rec,
		Error:       cause.Error(),
		Reason:      reason,
		Attempts:    attempts,
		LastAttempt: now,
	}
	if err := w.dlq.Publish(ctx, failed); err != nil {
		w.log.Warn("dead-letter publish failed",
			logging.EventID(rec.ID), logging.Error(err))
	}
}

// sleep waits out the backoff, capped by the drain deadline, returning
// false if the context was canceled first.
func (w *Worker) sleep(ctx context.Context, d time.Duration, deadline time.Time) bool {
	if !deadline.IsZero() {
		if remaining := deadline.Sub(w.clk.Now()); remaining < d {
			d = remaining
		}
	}
	if d <= 0 {
		return true
	}
	select {
	case <-w.clk.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
