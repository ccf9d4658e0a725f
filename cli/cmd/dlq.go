package cmd

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agenttrail-systems/agenttrail/cli/internal/deadletter"
	"github.com/agenttrail-systems/agenttrail/cli/internal/output"
)

var (
	dlqURL    string
	dlqStream string
	dlqLimit  int
	dlqAsJSON bool
	dlqForce  bool
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect the dead-letter queue",
	Long: `Inspect or drain the JetStream dead-letter queue the pipeline
publishes undeliverable records to.

Examples:
  # Show the oldest 50 failed records
  agenttrail dlq list

  # Dump every record as JSON for replay tooling
  agenttrail dlq list --limit 1000 --json

  # Drop everything without the confirmation prompt
  agenttrail dlq purge --force`,
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List failed records",
	RunE:  runDLQList,
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every failed record",
	RunE:  runDLQPurge,
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd, dlqPurgeCmd)
	dlqCmd.PersistentFlags().StringVar(&dlqURL, "url", "", "NATS server URL (default: dlq.url from config)")
	dlqCmd.PersistentFlags().StringVar(&dlqStream, "stream", "", "dead-letter stream name (default: dlq.stream from config)")
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 50, "maximum records to fetch")
	dlqListCmd.Flags().BoolVar(&dlqAsJSON, "json", false, "print records as JSON")
	dlqPurgeCmd.Flags().BoolVar(&dlqForce, "force", false, "skip the confirmation prompt")
}

func dlqReader(cmd *cobra.Command) (*deadletter.Reader, error) {
	rc := deadletter.Config{URL: dlqURL, Stream: dlqStream}
	if rc.URL == "" {
		rc.URL = cfg.DLQ.URL
	}
	if rc.Stream == "" {
		rc.Stream = cfg.DLQ.Stream
	}
	return deadletter.Connect(cmd.Context(), rc)
}

func runDLQList(cmd *cobra.Command, args []string) error {
	reader, err := dlqReader(cmd)
	if err != nil {
		return err
	}
	defer reader.Close()

	ctx := cmd.Context()
	entries, err := reader.List(ctx, dlqLimit)
	if err != nil {
		return err
	}

	if dlqAsJSON {
		return output.JSON(entries)
	}
	if len(entries) == 0 {
		output.Info("Dead-letter stream is empty")
		return nil
	}

	table := output.NewTable([]string{"TIME", "EVENT TYPE", "REASON", "ATTEMPTS", "ERROR"})
	for _, e := range entries {
		table.AddRow([]string{
			e.Timestamp.Format(time.RFC3339),
			string(e.Record.EventType),
			e.Reason,
			strconv.Itoa(e.Attempts),
			clip(e.Error, 48),
		})
	}
	table.Render()

	if total, err := reader.Messages(ctx); err == nil && total > uint64(len(entries)) {
		output.Info("Showing %d of %d records, raise --limit to fetch more", len(entries), total)
	}
	return nil
}

func runDLQPurge(cmd *cobra.Command, args []string) error {
	reader, err := dlqReader(cmd)
	if err != nil {
		return err
	}
	defer reader.Close()

	ctx := cmd.Context()
	total, err := reader.Messages(ctx)
	if err != nil {
		return err
	}
	if total == 0 {
		output.Info("Dead-letter stream is already empty")
		return nil
	}

	if !dlqForce {
		fmt.Fprintf(cmd.OutOrStdout(), "Purge %d records? [y/N] ", total)
		answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		answer = strings.ToLower(strings.TrimSpace(answer))
		if answer != "y" && answer != "yes" {
			output.Info("Aborted")
			return nil
		}
	}

	if err := reader.Purge(ctx); err != nil {
		return err
	}
	output.Success("Purged %d records", total)
	return nil
}

// clip shortens s to at most max runes for table cells.
func clip(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
