// Package deadletter inspects the dead-letter stream the pipeline
// publishes undeliverable records to.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/agenttrail-systems/agenttrail/telemetry/event"
)

// subjectFilter matches every reason the pipeline publishes under.
const subjectFilter = "telemetry.dlq.>"

// Config holds broker and stream settings for the reader.
type Config struct {
	URL    string
	Stream string
}

// Reader fetches failed records from an existing dead-letter stream.
type Reader struct {
	conn   *nats.Conn
	stream jetstream.Stream
}

// Connect dials the broker and looks up the dead-letter stream. The
// stream must already exist; the pipeline creates it on first use.
func Connect(ctx context.Context, cfg Config) (*Reader, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("agenttrail-cli"),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	stream, err := js.Stream(ctx, cfg.Stream)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("look up stream %q: %w", cfg.Stream, err)
	}

	return &Reader{conn: conn, stream: stream}, nil
}

// List fetches up to limit failed records from the head of the stream
// without consuming them.
func (r *Reader) List(ctx context.Context, limit int) ([]event.FailedRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	consumer, err := r.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject: subjectFilter,
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create dlq consumer: %w", err)
	}

	msgs, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("fetch dlq entries: %w", err)
	}

	var entries []event.FailedRecord
	for msg := range msgs.Messages() {
		var failed event.FailedRecord
		if err := json.Unmarshal(msg.Data(), &failed); err != nil {
			continue
		}
		entries = append(entries, failed)
	}
	if err := msgs.Error(); err != nil && len(entries) == 0 {
		return nil, fmt.Errorf("fetch dlq entries: %w", err)
	}
	return entries, nil
}

// Messages returns the number of records currently in the stream.
func (r *Reader) Messages(ctx context.Context) (uint64, error) {
	info, err := r.stream.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("stream info: %w", err)
	}
	return info.State.Msgs, nil
}

// Purge removes every record from the stream.
func (r *Reader) Purge(ctx context.Context) error {
	if err := r.stream.Purge(ctx); err != nil {
		return fmt.Errorf("purge stream: %w", err)
	}
	return nil
}

// Close releases the broker connection.
func (r *Reader) Close() {
	if r.conn != nil {
		r.conn.Close()
	}
}
