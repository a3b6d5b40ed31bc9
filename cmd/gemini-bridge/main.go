// Gemini-bridge fronts a Gemini CLI agent subprocess with a multi-client
// WebSocket endpoint: it supervises the process, parses its NDJSON stream,
// extracts tagged structured events from assistant text, and replays
// recent history to late-joining clients.
//
// Usage:
//
//	gemini-bridge serve --port 4444 --project-root .
//	gemini-bridge serve --model gemini-2.5-pro --approval-mode yolo
package main

import (
	"fmt"
	"os"

	"github.com/pdHaku0/gemini-cli-agent-sdk/internal/logger"
)

func main() {
	defer logger.CloseFileWriter()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
