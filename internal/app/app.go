// Package app assembles the generation pipeline from configuration. The HTTP
// server and the Lambda entrypoint share it.
package app

import (
	"context"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/spf13/afero"

	"manimatic/handler"
	"manimatic/internal/config"
	"manimatic/internal/integrations/openai"
	"manimatic/internal/integrations/paramstore"
	"manimatic/internal/publish"
	"manimatic/internal/render"
	"manimatic/internal/usecase"
)

// New builds the handler for cfg. fs backs the work areas, the published
// artifacts and static serving.
func New(ctx context.Context, cfg config.Config, fs afero.Fs, logger *slog.Logger) (*handler.Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	llm, err := newModelClient(ctx, cfg.Model)
	if err != nil {
		return nil, err
	}

	layout := render.Layout{
		ScriptName: cfg.Render.Script,
		SceneName:  cfg.Render.Scene,
		Quality:    cfg.Render.Quality,
		MediaDir:   cfg.Render.MediaDir,
		Extension:  cfg.Render.Extension,
	}
	executor, err := render.NewExecutor(fs, render.ExecRunner{}, cfg.Render.Command, cfg.Render.TempDir, layout, logger)
	if err != nil {
		return nil, err
	}

	publisher, err := publish.New(fs, cfg.Publish.Dir, cfg.Publish.URLPrefix, layout.Extension)
	if err != nil {
		return nil, err
	}

	limits := usecase.Limits{
		MaxPromptLength:      cfg.Limits.MaxPromptLength,
		MaxConcurrentRenders: cfg.Limits.MaxConcurrentRenders,
		QueueWait:            cfg.Limits.QueueWait.Std(),
		GenerateTimeout:      cfg.Limits.GenerateTimeout.Std(),
		RenderTimeout:        cfg.Limits.RenderTimeout.Std(),
	}
	svc, err := usecase.NewGenerateService(llm, executor, publisher, layout.SceneName, limits, logger)
	if err != nil {
		return nil, err
	}

	return handler.NewHandler(svc,
		handler.WithLogger(logger),
		handler.WithArtifacts(fs, publisher.Dir(), cfg.Publish.URLPrefix),
		handler.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		handler.WithRetryAfter(cfg.Server.RetryAfter.Std()),
	)
}

// newModelClient prefers a key from the environment and falls back to SSM
// Parameter Store, resolved on first use.
func newModelClient(ctx context.Context, cfg config.ModelConfig) (*openai.Client, error) {
	opts := []openai.Option{
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Name),
	}
	if cfg.APIKey != "" {
		return openai.NewClient(append(opts, openai.WithAPIKey(cfg.APIKey))...)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: load AWS config: %w", err)
	}
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, err
	}
	return openai.NewClient(append(opts, openai.WithParamStore(ssmClient, cfg.APIKeyParam))...)
}
