package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/registrarlab/pageflow/internal/store"
)

func main() {
	// Set up context with signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		// Corrupt state store gets its own exit code so wrappers can tell
		// "rebuild the database" apart from ordinary failures.
		if errors.Is(err, store.ErrCorrupt) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
