package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/effective-security/mcporch/cmd/mcporch/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := cli.NewRootCmd(cli.NewApp())
	if err := cmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
