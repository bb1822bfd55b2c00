package main

import (
	"os"

	"github.com/kochman/netblock/cli"
	"github.com/pterm/pterm"
)

func main() {
	rootCmd := cli.NewRootCommand()

	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Printfln("%v", err)
		os.Exit(1)
	}
}
