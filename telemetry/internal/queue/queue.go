// Package queue implements the bounded hand-off buffer between host
// goroutines and the delivery worker. It is the only structure shared
// across that boundary.
package queue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/agenttrail-systems/agenttrail/telemetry/event"
	"github.com/agenttrail-systems/agenttrail/telemetry/internal/clock"
)

// Queue is a bounded, multi-producer / single-consumer FIFO built on a
// buffered channel. Enqueue never blocks: when the buffer is full the
// new record is dropped and counted, never an older queued one. The
// records channel is never closed, so a producer racing Close can not
// panic; it just sees the closed flag and drops.
type Queue struct {
	records  chan event.Record
	clk      clock.Clock
	closed   atomic.Bool
	enqueued atomic.Uint64
	dropped  atomic.Uint64
}

// New creates a Queue with the given capacity.
func New(capacity int, clk clock.Clock) *Queue {
	return &Queue{
		records: make(chan event.Record, capacity),
		clk:     clk,
	}
}

// Enqueue hands rec to the delivery side. It returns false when the
// record was dropped, either because the queue is full (counted in
// Dropped) or because the queue has been closed. Safe to call from any
// number of goroutines; never blocks beyond the channel send attempt.
func (q *Queue) Enqueue(rec event.Record) bool {
	if q.closed.Load() {
		return false
	}

	select {
	case q.records <- rec:
		q.enqueued.Add(1)
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// DequeueBatch returns up to max records for the single consumer. When
// the queue is empty it waits up to maxWait for the first record, then
// takes whatever more is immediately available. Returns nil when the
// wait elapses or ctx is cancelled with nothing read.
func (q *Queue) DequeueBatch(ctx context.Context, max int, maxWait time.Duration) []event.Record {
	var batch []event.Record

	select {
	case rec := <-q.records:
		batch = append(batch, rec)
	case <-q.clk.After(maxWait):
		return nil
	case <-ctx.Done():
		return nil
	}

	for len(batch) < max {
		select {
		case rec := <-q.records:
			batch = append(batch, rec)
		default:
			return batch
		}
	}
	return batch
}

// TryDequeue returns up to max records without waiting. Used while
// draining, where an empty result must mean the queue is empty.
func (q *Queue) TryDequeue(max int) []event.Record {
	var batch []event.Record
	for len(batch) < max {
		select {
		case rec := <-q.records:
			batch = append(batch, rec)
		default:
			return batch
		}
	}
	return batch
}

// Close marks the queue closed. Later enqueues drop; records already
// buffered remain readable by the consumer.
func (q *Queue) Close() {
	q.closed.Store(true)
}

// Depth returns the number of records currently buffered.
func (q *Queue) Depth() int {
	return len(q.records)
}

// Capacity returns the configured buffer size.
func (q *Queue) Capacity() int {
	return cap(q.records)
}

// Enqueued returns the total number of records accepted.
func (q *Queue) Enqueued() uint64 {
	return q.enqueued.Load()
}

// Dropped returns the total number of records dropped because the
// queue was full.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}
