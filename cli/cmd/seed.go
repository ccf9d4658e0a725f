package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agenttrail-systems/agenttrail/cli/internal/output"
	"github.com/agenttrail-systems/agenttrail/cli/internal/seeder"
	"github.com/agenttrail-systems/agenttrail/telemetry"
)

var (
	seedCount     int
	seedAgents    string
	seedErrorRate float64
	seedSeed      int64
	seedInterval  time.Duration
	seedStore     string
	seedFlushWait time.Duration
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Generate synthetic agent sessions",
	Long: `Generate synthetic multi-agent sessions and run them through the
telemetry pipeline into the configured store.

Examples:
  # Seed 25 sessions into the configured store
  agenttrail seed

  # Seed 200 sessions into Postgres with a reproducible sequence
  agenttrail seed --count 200 --store postgres --seed 42

  # Spread sessions over time with a higher failure rate
  agenttrail seed --count 50 --interval 200ms --error-rate 0.2`,
	RunE: runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
	seedCmd.Flags().IntVarP(&seedCount, "count", "c", 25, "number of sessions to generate")
	seedCmd.Flags().StringVar(&seedAgents, "agents", "", "comma-separated agent names (default: built-in pool)")
	seedCmd.Flags().Float64Var(&seedErrorRate, "error-rate", 0.05, "probability that a model or tool call fails")
	seedCmd.Flags().Int64Var(&seedSeed, "seed", 0, "random seed for reproducible runs (0 picks one)")
	seedCmd.Flags().DurationVar(&seedInterval, "interval", 0, "pause between sessions")
	seedCmd.Flags().StringVar(&seedStore, "store", "", "override the configured store backend")
	seedCmd.Flags().DurationVar(&seedFlushWait, "flush-timeout", 30*time.Second, "how long to wait for the queue to drain")
}

func runSeed(cmd *cobra.Command, args []string) error {
	if !cfg.Enabled {
		return fmt.Errorf("telemetry is disabled in the configuration, enable it before seeding")
	}
	if seedStore != "" {
		cfg.Store.Backend = seedStore
	}

	p, err := telemetry.New(*cfg)
	if err != nil {
		return err
	}
	if err := p.Start(); err != nil {
		return err
	}

	seedCfg := seeder.Config{
		Sessions:  seedCount,
		ErrorRate: seedErrorRate,
		Seed:      seedSeed,
		Interval:  seedInterval,
	}
	if seedAgents != "" {
		for _, name := range strings.Split(seedAgents, ",") {
			if name = strings.TrimSpace(name); name != "" {
				seedCfg.Agents = append(seedCfg.Agents, name)
			}
		}
	}

	output.Info("Seeding %d sessions into the %s store", seedCount, cfg.Store.Backend)
	sum := seeder.NewRunner(seedCfg, p).Run()

	waitForFlush(p, seedFlushWait)
	if err := p.Shutdown(); err != nil {
		output.Warn("shutdown: %v", err)
	}

	stats := p.Stats()
	output.Success("Seeded %d sessions (%d events)", sum.Sessions, sum.Events)
	output.Info("enqueued=%d delivered=%d dropped=%d dead-lettered=%d discarded=%d",
		stats.Enqueued, stats.Delivered, stats.Dropped, stats.DeadLettered, stats.Discarded)
	if lost := stats.Enqueued - stats.Delivered; lost > 0 {
		output.Warn("%d events did not reach the store, check the dead-letter queue", lost)
	}
	return nil
}

// waitForFlush polls until the queue drains or the deadline passes, so
// large runs are not cut off by the shutdown drain window.
func waitForFlush(p *telemetry.Pipeline, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if p.Stats().QueueDepth == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}
