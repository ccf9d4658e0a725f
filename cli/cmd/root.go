package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agenttrail-systems/agenttrail/telemetry"
)

var (
	cfgFile string
	cfg     *telemetry.Config
)

var rootCmd = &cobra.Command{
	Use:   "agenttrail",
	Short: "AgentTrail telemetry toolkit",
	Long: `agenttrail is the operations companion for the AgentTrail telemetry
pipeline.

Provision the store schema, generate synthetic agent sessions, write a
starter configuration, and inspect the dead-letter stream.`,
	Version: "0.1.0",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./agenttrail.yaml or /etc/agenttrail)")
}

func initConfig() {
	var err error
	cfg, err = telemetry.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not load config: %v\n", err)
		def := telemetry.DefaultConfig()
		cfg = &def
	}
}
