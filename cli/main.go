package main

import (
	"os"

	"github.com/agenttrail-systems/agenttrail/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
