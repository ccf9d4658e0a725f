// Package storage implements the write-side clients for the analytical
// stores the pipeline can deliver to. Every backend satisfies Sink; the
// delivery worker is agnostic to which one is configured.
package storage

import (
	"context"
	"errors"

	"github.com/agenttrail-systems/agenttrail/telemetry/event"
)

// ErrSchemaMissing marks a delivery failure caused by the destination
// table or index not existing. The worker reacts with a single
// re-provisioning attempt before retrying the batch.
var ErrSchemaMissing = errors.New("schema missing")

// RejectedRecord pairs a permanently refused record with the store's
// per-record error string. Rejected records are dropped from the batch
// and dead-lettered; they are never retried.
type RejectedRecord struct {
	Record event.Record
	Err    string
}

// AppendResult reports the per-record outcome of an Append call.
// Records in Retry failed transiently at the record level (throttling,
// a partial flush failure) and should be re-sent; accepted records are
// never re-sent.
type AppendResult struct {
	Appended int
	Rejected []RejectedRecord
	Retry    []event.Record
}

// Sink is the store client used by the delivery worker.
//
// EnsureSchema is idempotent and tolerates concurrent-creation races:
// an "already exists" outcome is success. Append performs one batched
// write; a whole-call error return means the batch went nowhere
// (transient, unless it matches ErrSchemaMissing). Close releases the
// client within the deadline carried by ctx.
type Sink interface {
	Name() string
	EnsureSchema(ctx context.Context) error
	Append(ctx context.Context, records []event.Record) (*AppendResult, error)
	Close(ctx context.Context) error
}
