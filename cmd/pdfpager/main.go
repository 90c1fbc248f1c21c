package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	// Cancel in-flight downloads and renders on interrupt
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
