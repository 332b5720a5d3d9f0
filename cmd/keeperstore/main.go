package main

import (
	"os"

	"github.com/redkeeper/keeperstore/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
