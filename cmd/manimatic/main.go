package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/afero"

	"manimatic/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := cli.NewRootCommand(afero.NewOsFs()).ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
