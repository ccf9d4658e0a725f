package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agenttrail-systems/agenttrail/cli/internal/output"
	"github.com/agenttrail-systems/agenttrail/telemetry"
)

var (
	initPath  string
	initForce bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Long: `Write a starter agenttrail.yaml with every setting at its default,
ready to edit.

Examples:
  # Write ./agenttrail.yaml
  agenttrail init

  # Write the system-wide config
  agenttrail init --path /etc/agenttrail/agenttrail.yaml`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initPath, "path", "agenttrail.yaml", "where to write the config file")
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing file")
}

func runInit(cmd *cobra.Command, args []string) error {
	if err := writeStarterConfig(initPath, initForce); err != nil {
		return err
	}
	output.Success("Wrote starter config to %s", initPath)
	return nil
}

func writeStarterConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, pass --force to overwrite", path)
		}
	}
	data, err := starterYAML()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// The starter mirrors telemetry.Config with durations as strings so
// the generated file shows "1s" instead of nanosecond integers.
type starterFile struct {
	Enabled            bool           `yaml:"enabled"`
	EventAllowlist     []string       `yaml:"event_allowlist"`
	EventDenylist      []string       `yaml:"event_denylist"`
	MaxContentLength   int            `yaml:"max_content_length"`
	QueueCapacity      int            `yaml:"queue_capacity"`
	MaxBatchSize       int            `yaml:"max_batch_size"`
	MaxBatchWait       string         `yaml:"max_batch_wait"`
	ShutdownTimeout    string         `yaml:"shutdown_timeout"`
	ClientCloseTimeout string         `yaml:"client_close_timeout"`
	Store              starterStore   `yaml:"store"`
	DLQ                starterDLQ     `yaml:"dlq"`
	Logging            starterLogging `yaml:"logging"`
}

type starterStore struct {
	Backend    string            `yaml:"backend"`
	OpenSearch starterOpenSearch `yaml:"opensearch"`
	Postgres   starterPostgres   `yaml:"postgres"`
	Redis      starterRedis      `yaml:"redis"`
}

type starterOpenSearch struct {
	Addresses     []string `yaml:"addresses"`
	Username      string   `yaml:"username"`
	Password      string   `yaml:"password"`
	TLSSkipVerify bool     `yaml:"tls_skip_verify"`
	IndexPrefix   string   `yaml:"index_prefix"`
	Timeout       string   `yaml:"timeout"`
	ShardCount    int      `yaml:"shard_count"`
	ReplicaCount  int      `yaml:"replica_count"`
}

type starterPostgres struct {
	DSN             string `yaml:"dsn"`
	MaxConns        int32  `yaml:"max_conns"`
	MinConns        int32  `yaml:"min_conns"`
	MaxConnLifetime string `yaml:"max_conn_lifetime"`
	MaxConnIdleTime string `yaml:"max_conn_idle_time"`
}

type starterRedis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	MaxLen   int64  `yaml:"max_len"`
}

type starterDLQ struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Stream  string `yaml:"stream"`
}

type starterLogging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func starterYAML() ([]byte, error) {
	def := telemetry.DefaultConfig()
	starter := starterFile{
		Enabled:            def.Enabled,
		EventAllowlist:     []string{},
		EventDenylist:      []string{},
		MaxContentLength:   def.MaxContentLength,
		QueueCapacity:      def.QueueCapacity,
		MaxBatchSize:       def.MaxBatchSize,
		MaxBatchWait:       def.MaxBatchWait.String(),
		ShutdownTimeout:    def.ShutdownTimeout.String(),
		ClientCloseTimeout: def.ClientCloseTimeout.String(),
		Store: starterStore{
			Backend: def.Store.Backend,
			OpenSearch: starterOpenSearch{
				Addresses:     def.Store.OpenSearch.Addresses,
				Username:      def.Store.OpenSearch.Username,
				Password:      def.Store.OpenSearch.Password,
				TLSSkipVerify: def.Store.OpenSearch.TLSSkipVerify,
				IndexPrefix:   def.Store.OpenSearch.IndexPrefix,
				Timeout:       def.Store.OpenSearch.Timeout.String(),
				ShardCount:    def.Store.OpenSearch.ShardCount,
				ReplicaCount:  def.Store.OpenSearch.ReplicaCount,
			},
			Postgres: starterPostgres{
				DSN:             def.Store.Postgres.DSN,
				MaxConns:        def.Store.Postgres.MaxConns,
				MinConns:        def.Store.Postgres.MinConns,
				MaxConnLifetime: def.Store.Postgres.MaxConnLifetime.String(),
				MaxConnIdleTime: def.Store.Postgres.MaxConnIdleTime.String(),
			},
			Redis: starterRedis{
				Addr:     def.Store.Redis.Addr,
				Password: def.Store.Redis.Password,
				DB:       def.Store.Redis.DB,
				Stream:   def.Store.Redis.Stream,
				MaxLen:   def.Store.Redis.MaxLen,
			},
		},
		DLQ: starterDLQ{
			Enabled: def.DLQ.Enabled,
			URL:     def.DLQ.URL,
			Stream:  def.DLQ.Stream,
		},
		Logging: starterLogging{
			Level:  def.Logging.Level,
			Format: def.Logging.Format,
		},
	}

	body, err := yaml.Marshal(starter)
	if err != nil {
		return nil, fmt.Errorf("marshal starter config: %w", err)
	}

	header := "# AgentTrail pipeline configuration.\n" +
		"# Every key can be overridden with an AGENTTRAIL_* environment\n" +
		"# variable, for example AGENTTRAIL_STORE_BACKEND=postgres.\n"
	return append([]byte(header), body...), nil
}
