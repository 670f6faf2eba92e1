// Command widgetchat is a terminal client for the chat widget backend. It
// holds one widget session and lets a visitor chat from the terminal, or runs
// a scripted end-to-end check against a server.
//
// Usage:
//
//	widgetchat chat [--config widget.yaml] [--url ws://localhost:3001/widget]
//	widgetchat e2e  [--stub] [--timeout 30s]
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
