package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/OFFIS-RIT/graphport/internal/cli"
	"github.com/OFFIS-RIT/graphport/internal/config"
	"github.com/OFFIS-RIT/graphport/internal/util"
	"github.com/OFFIS-RIT/graphport/pkg/logger"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := cli.NewRootCommand(config.FromEnv())
	cmd.SetArgs([]string{"serve"})
	if err := cmd.ExecuteContext(ctx); err != nil {
		logger.Error("[Main] Server stopped", "err", err)
		stop()
		os.Exit(cli.GetExitCode(err))
	}
}
