package tool

import (
	"github.com/spf13/cobra"

	"github.com/redkeeper/keeperstore/cmd/tool/inspect"
)

const (
	toolUsage     = "tool"
	toolShortDesc = "Executes tools as subcommands"
	toolLongDesc  = "This command executes the specified offline tool against a store directory."
	toolExample   = "keeperstore tool inspect --dir <path>"
)

var (
	// Cmd is the tool command.
	Cmd = &cobra.Command{
		Use:        toolUsage,
		Short:      toolShortDesc,
		Long:       toolLongDesc,
		SuggestFor: []string{"inspect"},
		Example:    toolExample,
	}
)

// nolint:gochecknoinits // cobra's standard way to initialize subcommands
func init() {
	Cmd.AddCommand(inspect.Cmd)
}
