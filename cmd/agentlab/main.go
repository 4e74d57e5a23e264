package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "agentlab",
	Short: "Orchestrator for local conversational agent processes",
	Long: `agentlab keeps a registry of Rasa-style agents, allocates their ports,
provisions workspaces from templates, supervises training and relays
operator messages to running agents.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ./config.yaml or ./configs/config.yaml)")
	rootCmd.AddCommand(newServeCmd(), newAgentsCmd(), newMockAgentCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
