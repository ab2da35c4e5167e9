// Package main provides the CLI entry point for the Relay agent server.
//
// Relay exposes an Anthropic-backed agent over HTTP: blocking and
// streaming query endpoints, tool execution via MCP servers, and
// Redis-backed session persistence.
//
// # Basic Usage
//
// Start the server:
//
//	relay serve --config relay.yaml
//
// # Environment Variables
//
//   - RELAY_CONFIG: Path to configuration file (default: relay.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key, referenced from the config
//     file as ${ANTHROPIC_API_KEY}
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay - Anthropic agent server with MCP tool execution",
		Long: `Relay runs an Anthropic-backed agent behind an HTTP API.

Queries run a model/tool loop against tools aggregated from MCP servers,
with progress streamed over SSE and conversations persisted in Redis.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relay %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
