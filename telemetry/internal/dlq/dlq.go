// Package dlq writes undeliverable records to NATS JetStream so they
// can be inspected and replayed out of band.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/agenttrail-systems/agenttrail/common/logging"
	"github.com/agenttrail-systems/agenttrail/telemetry/event"
)

// SubjectPrefix is the subject tree failed records are published
// under; the dead-letter reason becomes the final token.
const SubjectPrefix = "telemetry.dlq"

// Config holds broker and stream settings for the dead-letter queue.
type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Stream  string `mapstructure:"stream"`
}

// DefaultConfig returns a disabled queue pointed at a local broker.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		URL:     nats.DefaultURL,
		Stream:  "AGENTTRAIL_DLQ",
	}
}

// Queue publishes failed records to a JetStream stream. A nil Queue is
// valid and drops everything; all methods are nil-safe so callers need
// no enabled checks.
type Queue struct {
	cfg     Config
	log     *logging.Logger
	conn    *nats.Conn
	js      jetstream.JetStream
	written atomic.Uint64
}

// New builds the queue without connecting, or returns nil when the
// dead-letter queue is disabled. Connect dials the broker.
func New(cfg Config, log *logging.Logger) *Queue {
	if !cfg.Enabled {
		return nil
	}
	return &Queue{
		cfg: cfg,
		log: log.With(logging.Component("dlq")),
	}
}

// Connect dials the broker and creates or updates the dead-letter
// stream. Once established the connection reconnects on its own
// indefinitely.
func (q *Queue) Connect(ctx context.Context) error {
	if q == nil {
		return nil
	}

	conn, err := nats.Connect(q.cfg.URL,
		nats.Name("agenttrail-dlq"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, streamConfig(q.cfg.Stream)); err != nil {
		conn.Close()
		return fmt.Errorf("failed to create dlq stream: %w", err)
	}

	q.conn = conn
	q.js = js
	q.log.Debug("dead-letter stream ready", "stream", q.cfg.Stream)
	return nil
}

// Publish writes one failed record to the stream, waiting for the
// broker acknowledgment.
func (q *Queue) Publish(ctx context.Context, failed event.FailedRecord) error {
	if q == nil {
		return nil
	}
	if q.js == nil {
		return fmt.Errorf("dlq not connected")
	}

	data, err := json.Marshal(failed)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", SubjectPrefix, failed.Reason)
	if _, err := q.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish dlq entry: %w", err)
	}

	q.written.Add(1)
	return nil
}

// Written returns the number of records this process has published.
func (q *Queue) Written() uint64 {
	if q == nil {
		return 0
	}
	return q.written.Load()
}

// Close releases the broker connection.
func (q *Queue) Close() {
	if q == nil || q.conn == nil {
		return
	}
	q.conn.Close()
}

func streamConfig(name string) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{SubjectPrefix + ".>"},
		MaxAge:    7 * 24 * time.Hour,
		MaxBytes:  1024 * 1024 * 1024, // 1GB
		MaxMsgs:   1000000,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	}
}
