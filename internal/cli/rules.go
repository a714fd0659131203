package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/breakwire/breakwire/internal/config"
)

// NewRulesCommand creates the rules command group.
func NewRulesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Work with rule files",
	}
	cmd.AddCommand(newRulesValidateCommand())
	return cmd
}

func newRulesValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a YAML rules file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rf, err := config.LoadRulesFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d breakpoint rule(s), %d mock rule(s), all valid\n",
				args[0], len(rf.Breakpoints), len(rf.Mocks))
			return nil
		},
	}
}
