// Package main is the entry point for the kafpanel CLI.
package main

import (
	"os"

	"github.com/KafClaw/KafPanel/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
