package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/afero"

	"manimatic/internal/app"
	"manimatic/internal/config"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	// ---- Configuration (read only here) ----
	cfg, err := config.Load("")
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	// Only the temp directory is writable inside Lambda.
	cfg = cfg.WithBaseDir(filepath.Join(os.TempDir(), "manimatic"))

	// ---- Handler ----
	h, err := app.New(ctx, cfg, afero.NewOsFs(), logger)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
