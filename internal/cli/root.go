// Package cli wires the breakwire commands.
package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCommand creates the root command.
func NewRootCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "breakwire",
		Short:   "breakwire - HTTP interception, breakpoint, and mock daemon",
		Long:    "breakwire runs a forward proxy that can pause, rewrite, or mock HTTP calls, driven live over a WebSocket control endpoint.",
		Version: version,
	}

	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewRulesCommand())

	return cmd
}
