package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"threat-api/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cli.NewThreatCtlCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
