// Package main is the entry point for standctl.
// standctl is the terminal tool for the stand manager web service.
package main

import (
	"os"

	"standgroup/cmd/standctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
