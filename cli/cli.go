// Package cli provides the command-line interface for tablebridge.
// It exports Run() and RunWithHooks() to allow extension by wrapper projects.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zot/tablebridge/internal/config"
)

// Version is the release version reported by the version command and the
// MCP server.
const Version = "0.1.0"

// Hooks allows extending the CLI with additional commands.
type Hooks struct {
	// Commands returns extra subcommands to add to the root.
	Commands func() []*cobra.Command

	// CustomVersion returns version info to append (optional).
	CustomVersion func() string
}

// Run executes the CLI with the given arguments.
// Returns exit code (0 = success, non-zero = error).
func Run(args []string) int {
	return RunWithHooks(args, nil)
}

// RunWithHooks executes CLI with extension hooks.
func RunWithHooks(args []string, hooks *Hooks) int {
	cmd := NewRootCommand(hooks)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// NewRootCommand creates the root command. Without a subcommand it serves.
func NewRootCommand(hooks *Hooks) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tablebridge",
		Short: "Websocket bridge to a shared table engine",
		Long: `tablebridge hosts tables and views in one table engine and serves them
to websocket clients: queries, chunked results and update subscriptions.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd)
		},
	}
	config.AddFlags(cmd.Flags())

	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewCallCommand())
	cmd.AddCommand(NewVersionCommand(hooks))
	if hooks != nil && hooks.Commands != nil {
		cmd.AddCommand(hooks.Commands()...)
	}
	return cmd
}

// NewVersionCommand creates the version command.
func NewVersionCommand(hooks *Hooks) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tablebridge v%s\n", Version)
			if hooks != nil && hooks.CustomVersion != nil {
				fmt.Fprintln(cmd.OutOrStdout(), hooks.CustomVersion())
			}
		},
	}
}
