// Package main provides the CLI entry point for the strand agent
// runtime.
//
// # Basic Usage
//
// Start an interactive session:
//
//	strand chat
//
// Run a single task:
//
//	strand run "summarize the README"
//
// Inspect the configured tools:
//
//	strand tools list
//	strand tools info web_search
//
// Manage configuration:
//
//	strand config init
//	strand config show
//
// # Environment Variables
//
//   - OPENAI_API_KEY: OpenAI API key
//   - ANTHROPIC_API_KEY: Anthropic API key
//
// A .env file next to agent.json is loaded automatically; variables
// already present in the environment win.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during release builds.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags shared by every subcommand.
var (
	configPath string
	modelFlag  string
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "strand",
		Short: "strand - tool-using conversational agent",
		Long: `strand runs tool-using conversational agents against OpenAI or
Anthropic models, with skills, MCP servers, persistent memory, and a
permission-gated tool pipeline.

Configuration is read from agent.json, discovered by walking upward
from the current directory.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to agent.json (default: discovered upward from the current directory)")
	rootCmd.PersistentFlags().StringVarP(&modelFlag, "model", "m", "",
		"Model override (takes precedence over the configured model)")

	rootCmd.AddCommand(
		buildChatCmd(),
		buildRunCmd(),
		buildToolsCmd(),
		buildConfigCmd(),
	)

	return rootCmd
}
