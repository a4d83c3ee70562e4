package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cicilan/backend/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log := logger.WithComponent("posctl")
		log.Error().Err(err).Msg("command failed")
		fmt.Fprintf(os.Stderr, "posctl: %v\n", err)
		stop()
		os.Exit(1)
	}
}
