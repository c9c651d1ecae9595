package main

import (
	"fmt"
	"os"

	"github.com/hugo-lorenzo-mato/crashtracker/cmd/crashtracker/cmd"
)

// Version information, set at build time with -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd.SetVersion(version, commit, date)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "crashtracker:", err)
		os.Exit(1)
	}
}
