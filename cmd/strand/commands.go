// commands.go contains the cobra command definitions and their flag
// configuration. Each builder wires a command to its handler.
package main

import (
	"github.com/spf13/cobra"
)

func buildChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long: `Start an interactive session with the configured agent.

Each line of input runs one agent turn; tokens stream to stdout as
they arrive. Type "exit" or "quit" (or press Ctrl-D) to leave.`,
		Example: `  # Chat with the discovered configuration
  strand chat

  # Chat with an explicit config and model
  strand chat --config ./agent.json --model gpt-4o-mini`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context())
		},
	}
}

func buildRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <task>",
		Short: "Run a single task and print the result",
		Long: `Run one agent turn for the given task and print the final
response to stdout. Exits non-zero when the run fails.`,
		Example: `  strand run "list the TODO comments in this repo"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(cmd.Context(), args[0])
		},
	}
}

func buildToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect the configured tools",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all registered tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsList(cmd.Context())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "info <name>",
		Short: "Show a tool's description and parameter schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsInfo(cmd.Context(), args[0])
		},
	})

	return cmd
}

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage agent configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a starter agent.json in the current directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration",
		Long: `Print the effective configuration after discovery, validation,
and defaulting. The API key is redacted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow()
		},
	})

	return cmd
}
