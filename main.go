package main

import (
	"os"

	"github.com/osiris-pipelines/osiris/cli"
	"github.com/osiris-pipelines/osiris/engine/core"
)

func main() {
	root := cli.Root()
	if err := root.Execute(); err != nil {
		jsonOut, _ := root.PersistentFlags().GetBool("json")
		cli.PrintError(os.Stderr, err, jsonOut)
		os.Exit(core.ExitCode(err))
	}
}
