// Package main is the meterscan command line client.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/WessleyAI/meterscan/cmd/meterctl/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
