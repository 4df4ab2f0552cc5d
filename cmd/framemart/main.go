// Package main is the entry point for the framemart application.
package main

import (
	"os"

	"github.com/framemart/framemart/cmd/framemart/cmd"
)

func main() {
	os.Exit(cmd.ExitCode(cmd.Execute()))
}
