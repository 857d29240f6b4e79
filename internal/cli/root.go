package cli

import (
	"github.com/spf13/cobra"
)

// NewThreatCtlCommand is the threatctl root command.
func NewThreatCtlCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threatctl [command] [flags]",
		Short: "threatctl submits and inspects threat intelligence jobs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(NewCmdSubmit())
	cmd.AddCommand(NewCmdGet())
	cmd.AddCommand(NewCmdList())
	cmd.AddCommand(NewCmdModules())
	cmd.AddCommand(NewCmdClassify())
	return cmd
}
