// Package main is the entry point for the Virtual MCP Server (vmcp).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mcpgateway/vmcp/cmd/vmcp/app"
	"github.com/mcpgateway/vmcp/pkg/logger"
)

func main() {
	logger.Initialize()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorf("vmcp exiting: %v", err)
		os.Exit(app.ExitCodeFor(err))
	}
}
