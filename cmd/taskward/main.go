// Command taskward runs the multi-agent coordination server and its
// operator CLI.
package main

import (
	"os"
)

// Version can be overridden at build time via:
// go build -ldflags "-X main.Version=1.2.3"
var Version = "0.4.0"

func main() {
	loadDotEnv(".env")
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
