// Package main is the entry point for the tablebridge server.
// This is a thin wrapper around the cli package.
package main

import (
	"os"

	"github.com/zot/tablebridge/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
