// Package telemetry is an embedded, asynchronous pipeline that turns
// agent-runtime lifecycle events into structured records and ships
// them to an analytical store. Host callbacks hand events to Emit,
// which normalizes, formats, and filters on the calling goroutine and
// then enqueues; a single background worker batches, delivers, and
// retries. No failure inside the pipeline ever propagates into the
// host's call stack.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/agenttrail-systems/agenttrail/common/logging"
	"github.com/agenttrail-systems/agenttrail/telemetry/event"
	"github.com/agenttrail-systems/agenttrail/telemetry/internal/clock"
	"github.com/agenttrail-systems/agenttrail/telemetry/internal/dlq"
	"github.com/agenttrail-systems/agenttrail/telemetry/internal/metrics"
	"github.com/agenttrail-systems/agenttrail/telemetry/internal/queue"
	"github.com/agenttrail-systems/agenttrail/telemetry/internal/storage"
	"github.com/agenttrail-systems/agenttrail/telemetry/internal/worker"
)

// ErrAlreadyStarted is returned by Start when the pipeline is running.
var ErrAlreadyStarted = errors.New("telemetry pipeline already started")

// Pipeline is the host-facing surface. Construct with New, call Start
// once, Emit from any goroutine, and Shutdown once when the host
// exits. All methods are safe for concurrent use.
type Pipeline struct {
	cfg  Config
	log  *logging.Logger
	filt filter
	norm *normalizer
	que  *queue.Queue
	sink storage.Sink
	dl   *dlq.Queue
	wrk  *worker.Worker

	started  atomic.Bool
	stopOnce sync.Once
	stopErr  error
	filtered atomic.Uint64
}

// New builds a pipeline from cfg. No connection is opened here; the
// store is first touched by the worker after Start. A disabled
// pipeline is a valid object whose Emit discards everything.
func New(cfg Config) (*Pipeline, error) {
	cfg = cfg.withDefaults()

	log := cfg.Logger
	if log == nil {
		log = logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	}
	log = log.With(logging.Component("telemetry"))

	if !cfg.Enabled {
		return newPipeline(cfg, log, nil, nil, clock.Real()), nil
	}

	sink, err := buildSink(cfg, log)
	if err != nil {
		return nil, err
	}

	dl := dlq.New(dlq.Config{
		Enabled: cfg.DLQ.Enabled,
		URL:     cfg.DLQ.URL,
		Stream:  cfg.DLQ.Stream,
	}, log)

	return newPipeline(cfg, log, sink, dl, clock.Real()), nil
}

// newPipeline wires the components around an already-built sink. Tests
// inject a fake sink and clock here.
func newPipeline(cfg Config, log *logging.Logger, sink storage.Sink, dl *dlq.Queue, clk clock.Clock) *Pipeline {
	p := &Pipeline{
		cfg:  cfg,
		log:  log,
		filt: newFilter(cfg.Enabled, cfg.EventAllowlist, cfg.EventDenylist),
		norm: newNormalizer(clk, newFormatter(cfg.MaxContentLength, cfg.ContentFormatter, log)),
		que:  queue.New(cfg.QueueCapacity, clk),
		sink: sink,
		dl:   dl,
	}

	if sink != nil {
		var wdl worker.DeadLetter
		if dl != nil {
			wdl = dl
		}
		p.wrk = worker.New(worker.Config{
			MaxBatchSize: cfg.MaxBatchSize,
			MaxBatchWait: cfg.MaxBatchWait,
			DrainTimeout: cfg.ShutdownTimeout,
		}, p.que, sink, wdl, clk, log)
	}
	return p
}

func buildSink(cfg Config, log *logging.Logger) (storage.Sink, error) {
	switch cfg.Store.Backend {
	case BackendOpenSearch:
		os := cfg.Store.OpenSearch
		return storage.NewOpenSearch(storage.OpenSearchConfig{
			Addresses:     os.Addresses,
			Username:      os.Username,
			Password:      os.Password,
			TLSSkipVerify: os.TLSSkipVerify,
			IndexPrefix:   os.IndexPrefix,
			Timeout:       os.Timeout,
			ShardCount:    os.ShardCount,
			ReplicaCount:  os.ReplicaCount,
		}, log)
	case BackendPostgres:
		pg := cfg.Store.Postgres
		return storage.NewPostgres(storage.PostgresConfig{
			DSN:             pg.DSN,
			MaxConns:        pg.MaxConns,
			MinConns:        pg.MinConns,
			MaxConnLifetime: pg.MaxConnLifetime,
			MaxConnIdleTime: pg.MaxConnIdleTime,
		}, log)
	case BackendRedis:
		rd := cfg.Store.Redis
		return storage.NewRedis(storage.RedisConfig{
			Addr:     rd.Addr,
			Password: rd.Password,
			DB:       rd.DB,
			Stream:   rd.Stream,
			MaxLen:   rd.MaxLen,
		}, log)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// Start spawns the delivery worker. Schema provisioning runs on the
// worker before its first delivery; Emit may be called concurrently
// with it. Starting a disabled pipeline is a no-op.
func (p *Pipeline) Start() error {
	if p.started.Swap(true) {
		return ErrAlreadyStarted
	}
	if p.wrk == nil {
		p.log.Info("telemetry disabled, events will be discarded")
		return nil
	}

	p.log.Info("starting telemetry pipeline",
		logging.Store(p.sink.Name()),
		"queue_capacity", p.cfg.QueueCapacity,
		"max_batch_size", p.cfg.MaxBatchSize)
	p.wrk.Start()
	return nil
}

// Emit accepts one host lifecycle event. It runs the synchronous half
// of the pipeline on the calling goroutine and returns immediately:
// filtered events never reach the queue, and when the queue is full
// the new event is counted and dropped rather than blocking the host.
// Emit never returns an error and never panics on malformed fields.
func (p *Pipeline) Emit(eventType event.Type, fields event.Fields) {
	if !p.filt.shouldLog(eventType) {
		p.filtered.Add(1)
		metrics.EventsTotal.WithLabelValues(string(eventType), metrics.StatusFiltered).Inc()
		return
	}

	rec := p.norm.normalize(eventType, fields)
	if p.que.Enqueue(rec) {
		metrics.EventsTotal.WithLabelValues(string(eventType), metrics.StatusAccepted).Inc()
		return
	}

	metrics.EventsTotal.WithLabelValues(string(eventType), metrics.StatusDropped).Inc()
	p.log.Debug("event dropped", logging.EventType(string(eventType)), logging.EventID(rec.ID))
}

// Shutdown closes intake, drains the queue bounded by ShutdownTimeout,
// then closes the store client bounded by ClientCloseTimeout, so total
// shutdown latency is bounded by their sum. Records still queued when
// the drain deadline passes are discarded. Idempotent; events emitted
// after Shutdown are silently dropped. The returned error is advisory
// (a store client that failed to close cleanly); the host may ignore
// it.
func (p *Pipeline) Shutdown() error {
	p.stopOnce.Do(func() {
		p.que.Close()
		if p.wrk == nil {
			return
		}

		p.log.Info("shutting down telemetry pipeline", "queued", p.que.Depth())
		if p.started.Load() {
			p.wrk.Stop()
		}

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ClientCloseTimeout)
		defer cancel()
		if err := p.sink.Close(ctx); err != nil {
			p.log.Warn("store client close failed", logging.Error(err))
			p.stopErr = fmt.Errorf("close store client: %w", err)
		}
		p.dl.Close()

		p.log.Info("telemetry pipeline stopped")
	})
	return p.stopErr
}

// Stats is a point-in-time snapshot of the pipeline's throughput
// counters. WorkerState is "disabled" when the pipeline was built with
// Enabled false.
type Stats struct {
	Enqueued     uint64 `json:"enqueued"`
	Filtered     uint64 `json:"filtered"`
	Dropped      uint64 `json:"dropped"`
	Delivered    uint64 `json:"delivered"`
	DeadLettered uint64 `json:"dead_lettered"`
	Discarded    uint64 `json:"discarded"`
	QueueDepth   int    `json:"queue_depth"`
	WorkerState  string `json:"worker_state"`
}

// Stats reports current counter values. Safe to call at any point in
// the lifecycle.
func (p *Pipeline) Stats() Stats {
	s := Stats{
		Enqueued:    p.que.Enqueued(),
		Filtered:    p.filtered.Load(),
		Dropped:     p.que.Dropped(),
		QueueDepth:  p.que.Depth(),
		WorkerState: "disabled",
	}
	if p.wrk != nil {
		s.WorkerState = p.wrk.State().String()
		s.Delivered = p.wrk.Delivered()
		s.DeadLettered = p.wrk.DeadLettered()
		s.Discarded = p.wrk.Discarded()
	}
	return s
}
