// Package main provides the CLI entry point for agentd, the agent
// execution core of the assistant runtime: the run scheduler, dialog
// loop, tool executor, and their supporting services (compaction,
// compliance, alerting, usage accounting, distributed nodes, and
// scheduled jobs).
//
// Channel adapters, the vector memory store, the skills catalog, MCP
// integration, and CLI onboarding are external collaborators this
// binary does not implement; agentd defines the interfaces they are
// driven through.
//
// # Basic Usage
//
// Start the runtime:
//
//	agentd serve --config agentd.yaml
//
// # Environment Variables
//
//   - AGENTD_CONFIG: path to configuration file (default: agentd.yaml)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// defaultConfigName is the config file resolved when --config is left
// unset and AGENTD_CONFIG is unset.
const defaultConfigName = "agentd.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentd",
		Short: "agentd - the agent execution core of the assistant runtime",
		Long: `agentd runs the agent loop: a session-scheduled dialog loop over
pluggable LLM providers with failover, a sandboxed tool executor, context
compaction, and supporting services (alerts, compliance sweeps, usage
ledger, distributed nodes, scheduled jobs).

Channel adapters, memory, skills, and MCP integration are driven through
the interfaces this binary exposes, not implemented by it.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildValidateCmd(),
	)

	return rootCmd
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("AGENTD_CONFIG"); env != "" {
		return env
	}
	return defaultConfigName
}
