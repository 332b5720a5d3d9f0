package cmd

import (
	"github.com/spf13/cobra"

	"github.com/redkeeper/keeperstore/cmd/create"
	"github.com/redkeeper/keeperstore/cmd/start"
	"github.com/redkeeper/keeperstore/cmd/tool"
	"github.com/redkeeper/keeperstore/utils/log"
)

// Version is set at build time.
var Version = "dev"

// flagPrintVersion set flag to show current keeperstore version.
var flagPrintVersion bool

// Execute builds the command tree and executes commands.
func Execute() error {
	defer log.Sync()

	// c is the root command.
	c := &cobra.Command{
		Use:   "keeperstore",
		Short: "Replication backlog store of a keeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Print version if specified.
			if flagPrintVersion {
				log.Info("version: %+v", Version)
				return nil
			}
			// Print information regarding usage.
			return cmd.Usage()
		},
	}

	// Adds subcommands and version flag.
	c.AddCommand(start.Cmd)
	c.AddCommand(tool.Cmd)
	c.AddCommand(create.Cmd)
	c.Flags().BoolVarP(&flagPrintVersion, "version", "v", false, "show the version info and exit")

	return c.Execute()
}
