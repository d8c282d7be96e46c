// Command relatorctl operates a relator deployment from the shell: it drains
// the association task queue, inspects definitions and reads node history.
package main

import (
	"log/slog"
	"os"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
