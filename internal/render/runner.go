package render

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	defaultOutputLimit = 8 << 10
	defaultWaitDelay   = 5 * time.Second
)

// ErrArtifactMissing is reported when the renderer exits cleanly but leaves
// no file at the expected path.
var ErrArtifactMissing = errors.New("expected output file was not produced")

// Runner executes an external command in dir and returns its combined
// output.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// ProcessError describes a failed render. Output holds the tail of the
// renderer's combined stdout and stderr.
type ProcessError struct {
	Command  string
	ExitCode int
	Output   string
	Err      error
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("render: %s: %v", e.Command, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// ExecRunner runs commands with os/exec. The process is killed when ctx is
// done; WaitDelay bounds how long Run then waits for output pipes to close.
type ExecRunner struct {
	OutputLimit int
	WaitDelay   time.Duration
}

func (r ExecRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	limit := r.OutputLimit
	if limit <= 0 {
		limit = defaultOutputLimit
	}
	wait := r.WaitDelay
	if wait <= 0 {
		wait = defaultWaitDelay
	}

	out := &tailBuffer{limit: limit}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = wait

	if err := cmd.Run(); err != nil {
		pe := &ProcessError{Command: name, ExitCode: -1, Output: out.String(), Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			pe.ExitCode = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			pe.Err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		return out.Bytes(), pe
	}
	return out.Bytes(), nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf...)
}

func (b *tailBuffer) String() string {
	return string(b.Bytes())
}
