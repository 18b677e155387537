package main

// ============================================================================
// Responsibilities:
// 1. Entry point of the jobstream binary
// 2. Build and execute the CLI
// 3. Top-level panic recovery
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/jobstream/internal/cli"
)

// set by -ldflags "-X main.version=..."
var version = ""

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if version != "" {
		cli.Version = version
	}
	cli.Execute()
}
