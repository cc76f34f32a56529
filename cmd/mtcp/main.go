package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tinyrange/mtcp/internal/cmd/mtcp"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mtcp.NewCommand(ctx).Execute(); err != nil {
		stop()
		os.Exit(1)
	}
}
