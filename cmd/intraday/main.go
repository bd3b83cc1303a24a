package main

import (
	"os"

	"github.com/wonny/aegis/intraday/cmd/intraday/commands"
)

// main is the entry point for the intraday execution engine
// ⭐ 통합 CLI 진입점: go run ./cmd/intraday [command]
func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
