package storage

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/agenttrail-systems/agenttrail/common/logging"
	"github.com/agenttrail-systems/agenttrail/telemetry/event"
)

// RedisConfig holds connection and stream settings for the streaming
// store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
	MaxLen   int64  `mapstructure:"max_len"`
}

// DefaultRedisConfig returns settings for a local instance with a
// bounded stream.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:   "localhost:6379",
		Stream: "agenttrail:events",
		MaxLen: 100000,
	}
}

// Redis appends records to a capped stream for live consumers.
// Delivery is at least once; consumers dedupe on the record ID carried
// in the payload.
type Redis struct {
	client *redis.Client
	cfg    RedisConfig
	log    *logging.Logger
}

// NewRedis builds the client without connecting; connectivity is
// verified by EnsureSchema.
func NewRedis(cfg RedisConfig, log *logging.Logger) (*Redis, error) {
	if cfg.Stream == "" {
		cfg.Stream = "agenttrail:events"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &Redis{
		client: client,
		cfg:    cfg,
		log:    log.With(logging.Store("redis")),
	}, nil
}

func (s *Redis) Name() string { return "redis" }

// EnsureSchema verifies connectivity. Streams need no provisioning;
// the first XADD creates the key.
func (s *Redis) EnsureSchema(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	s.log.Debug("schema ensured", "stream", s.cfg.Stream)
	return nil
}

// Append pushes the batch onto the stream in a single pipeline,
// trimming it approximately to the configured length.
func (s *Redis) Append(ctx context.Context, records []event.Record) (*AppendResult, error) {
	result := &AppendResult{}

	payloads := make([][]byte, 0, len(records))
	batch := make([]event.Record, 0, len(records))
	for _, rec := range records {
		data, err := msgpack.Marshal(rec)
		if err != nil {
			result.Rejected = append(result.Rejected, RejectedRecord{
				Record: rec,
				Err:    fmt.Sprintf("marshal record: %v", err),
			})
			continue
		}
		payloads = append(payloads, data)
		batch = append(batch, rec)
	}

	if len(batch) == 0 {
		return result, nil
	}

	cmds, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, data := range payloads {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: s.cfg.Stream,
				MaxLen: s.cfg.MaxLen,
				Approx: true,
				Values: map[string]interface{}{"record": data},
			})
		}
		return nil
	})
	if len(cmds) != len(batch) {
		return nil, fmt.Errorf("failed to append to stream: %w", err)
	}

	for i, cmd := range cmds {
		if cmd.Err() != nil {
			result.Retry = append(result.Retry, batch[i])
			continue
		}
		result.Appended++
	}

	return result, nil
}

// Close releases the client's connections.
func (s *Redis) Close(ctx context.Context) error {
	return s.client.Close()
}
