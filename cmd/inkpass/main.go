// Command inkpass runs the subscription and billing engine: the HTTP API,
// schema migrations and operator reconciliation.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log := stderrLogger()
		log.Error().Err(err).Msg("inkpass failed")
		stop()
		os.Exit(1)
	}
}
