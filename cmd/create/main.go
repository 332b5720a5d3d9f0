// Package create - because packages cannot be named 'init' in go.
package create

import (
	_ "embed"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const (
	usage   = "init"
	short   = "Creates a new keeper.yml file"
	long    = "This command creates a new keeper.yml file and a data directory in the current directory"
	example = "keeperstore init"

	configFileName = "keeper.yml"
	dataDirName    = "data"
)

//go:embed default.yml
var defaultConfig []byte

var (
	// Cmd is the init command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		SuggestFor: []string{"create", "new"},
		Example:    example,
		RunE:       executeInit,
	}
)

// executeInit implements the init command.
func executeInit(*cobra.Command, []string) error {
	// never overwrite an existing configuration
	f, err := os.OpenFile(configFileName, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "create %s", configFileName)
	}
	if _, err = f.Write(defaultConfig); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "write %s", configFileName)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "close %s", configFileName)
	}
	// create a new directory to store data.
	if err = os.Mkdir(dataDirName, 0o700); err != nil && !os.IsExist(err) {
		return errors.Wrapf(err, "create %s", dataDirName)
	}
	return nil
}
