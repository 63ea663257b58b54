// Package render runs generated scripts through the external animation
// renderer inside a private, per-request work area.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

const workAreaPrefix = "animation_"

// Executor turns a script into a rendered artifact.
type Executor struct {
	fs       afero.Fs
	runner   Runner
	command  string
	tempRoot string
	layout   Layout
	logger   *slog.Logger
}

// NewExecutor creates an Executor that runs command for every script. Work
// areas are created under tempRoot on fs; fs must be the filesystem the
// command itself sees when runner is an ExecRunner.
func NewExecutor(fs afero.Fs, runner Runner, command, tempRoot string, layout Layout, logger *slog.Logger) (*Executor, error) {
	if fs == nil {
		return nil, errors.New("render: filesystem must not be nil")
	}
	if runner == nil {
		return nil, errors.New("render: runner must not be nil")
	}
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, errors.New("render: command must not be empty")
	}
	if strings.TrimSpace(tempRoot) == "" {
		return nil, errors.New("render: temp root must not be empty")
	}
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	root, err := filepath.Abs(tempRoot)
	if err != nil {
		return nil, fmt.Errorf("render: resolve temp root: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		fs:       fs,
		runner:   runner,
		command:  command,
		tempRoot: root,
		layout:   layout,
		logger:   logger,
	}, nil
}

// Render writes script into a fresh work area, runs the renderer there and,
// if the expected artifact exists, calls consume with its absolute path. The
// work area is removed after consume returns, whatever the outcome. Errors
// returned by consume are passed through unchanged; renderer failures are
// *ProcessError.
func (e *Executor) Render(ctx context.Context, script string, consume func(artifactPath string) error) error {
	if err := e.fs.MkdirAll(e.tempRoot, 0o755); err != nil {
		return fmt.Errorf("render: create temp root: %w", err)
	}
	workArea, err := afero.TempDir(e.fs, e.tempRoot, workAreaPrefix)
	if err != nil {
		return fmt.Errorf("render: create work area: %w", err)
	}
	log := e.logger.With("work_area", filepath.Base(workArea))
	defer func() {
		if rmErr := e.fs.RemoveAll(workArea); rmErr != nil {
			log.Warn("failed to remove work area", "err", rmErr)
		}
	}()

	scriptPath := filepath.Join(workArea, e.layout.ScriptName)
	if err := afero.WriteFile(e.fs, scriptPath, []byte(script), 0o644); err != nil {
		return fmt.Errorf("render: write script: %w", err)
	}

	start := time.Now()
	output, err := e.runner.Run(ctx, workArea, e.command, e.layout.Args()...)
	if err != nil {
		var pe *ProcessError
		if !errors.As(err, &pe) {
			pe = &ProcessError{Command: e.command, ExitCode: -1, Output: string(output), Err: err}
		}
		return pe
	}
	log.Info("renderer finished", "duration", time.Since(start))

	artifact := e.layout.ArtifactPath(workArea)
	ok, err := afero.Exists(e.fs, artifact)
	if err != nil {
		return fmt.Errorf("render: stat artifact: %w", err)
	}
	if !ok {
		rel, _ := filepath.Rel(workArea, artifact)
		return &ProcessError{
			Command:  e.command,
			ExitCode: 0,
			Output:   string(output),
			Err:      fmt.Errorf("%w: %s", ErrArtifactMissing, rel),
		}
	}
	return consume(artifact)
}
