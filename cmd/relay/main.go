// Package main is the relay CLI: the serve command runs the
// conversational hub, migrate manages the database schema.
//
// Start the server:
//
//	relay serve --config relay.yaml
//
// Apply pending migrations:
//
//	relay migrate up
//
// Configuration can also arrive through the environment; see
// internal/config for the recognized variables. RELAY_CONFIG names the
// config file when the --config flag is absent.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay - multi-channel conversational AI hub",
		Long: `Relay connects messaging channels (WhatsApp, Telegram, email, web chat)
to LLM providers, routing each conversation through configurable flows
with tool execution and knowledge retrieval.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "relay %s\ncommit: %s\nbuilt:  %s\n", version, commit, date)
		},
	}
}

// resolveConfigPath falls back to RELAY_CONFIG, then to relay.yaml when
// one exists in the working directory. An empty result loads from
// environment and defaults alone.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("RELAY_CONFIG"); env != "" {
		return env
	}
	if _, err := os.Stat("relay.yaml"); err == nil {
		return "relay.yaml"
	}
	return ""
}
