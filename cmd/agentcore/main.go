package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags)
var (
	Version = "dev"
	Commit  = "unknown"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "agentcore",
		Short: "Durable session, event and agent-health runtime",
		Long: `agentcore runs the production core for multi-agent systems:
versioned session persistence with pluggable backends, a durable
in-process event bus with replay, and an agent health monitor with
automatic recovery.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to YAML config file")

	root.AddCommand(newRunCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentcore %s (%s)\n", Version, Commit)
		},
	}
}
