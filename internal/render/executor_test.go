package render

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const tempRoot = "/srv/temp"

type runCall struct {
	dir    string
	name   string
	args   []string
	script string
}

// fakeRunner stands in for the renderer: it records each invocation and
// optionally drops a file where the layout expects the artifact.
type fakeRunner struct {
	fs      afero.Fs
	layout  Layout
	produce bool
	output  string
	err     error

	mu    sync.Mutex
	calls []runCall
}

func (f *fakeRunner) Run(_ context.Context, dir, name string, args ...string) ([]byte, error) {
	script, _ := afero.ReadFile(f.fs, filepath.Join(dir, f.layout.ScriptName))
	f.mu.Lock()
	f.calls = append(f.calls, runCall{dir: dir, name: name, args: args, script: string(script)})
	f.mu.Unlock()

	if f.produce {
		artifact := f.layout.ArtifactPath(dir)
		if err := f.fs.MkdirAll(filepath.Dir(artifact), 0o755); err != nil {
			return nil, err
		}
		if err := afero.WriteFile(f.fs, artifact, []byte("video:"+dir), 0o644); err != nil {
			return nil, err
		}
	}
	return []byte(f.output), f.err
}

func newTestExecutor(t *testing.T, runner *fakeRunner) *Executor {
	t.Helper()
	e, err := NewExecutor(runner.fs, runner, "manim", tempRoot, runner.layout, nil)
	require.NoError(t, err)
	return e
}

func requireNoWorkAreas(t *testing.T, fs afero.Fs) {
	t.Helper()
	entries, err := afero.ReadDir(fs, tempRoot)
	require.NoError(t, err)
	require.Empty(t, entries, "work areas must be removed")
}

func TestNewExecutor_ValidatesArguments(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := &fakeRunner{fs: fs, layout: DefaultLayout()}

	_, err := NewExecutor(nil, r, "manim", tempRoot, DefaultLayout(), nil)
	require.Error(t, err)
	_, err = NewExecutor(fs, nil, "manim", tempRoot, DefaultLayout(), nil)
	require.Error(t, err)
	_, err = NewExecutor(fs, r, " ", tempRoot, DefaultLayout(), nil)
	require.Error(t, err)
	_, err = NewExecutor(fs, r, "manim", "", DefaultLayout(), nil)
	require.Error(t, err)

	bad := DefaultLayout()
	bad.Quality = "x"
	_, err = NewExecutor(fs, r, "manim", tempRoot, bad, nil)
	require.ErrorContains(t, err, "quality preset")
}

func TestRender_Success(t *testing.T) {
	fs := afero.NewMemMapFs()
	runner := &fakeRunner{fs: fs, layout: DefaultLayout(), produce: true}
	e := newTestExecutor(t, runner)

	var consumed string
	err := e.Render(context.Background(), "from manim import *", func(path string) error {
		data, err := afero.ReadFile(fs, path)
		require.NoError(t, err)
		consumed = string(data)
		require.True(t, filepath.IsAbs(path))
		return nil
	})
	require.NoError(t, err)

	require.Len(t, runner.calls, 1)
	call := runner.calls[0]
	require.Equal(t, "manim", call.name)
	require.Equal(t, []string{"-ql", "main.py", "Animation"}, call.args)
	require.Equal(t, "from manim import *", call.script)
	require.Equal(t, tempRoot, filepath.Dir(call.dir))
	require.True(t, strings.HasPrefix(filepath.Base(call.dir), workAreaPrefix))
	require.Equal(t, "video:"+call.dir, consumed)

	requireNoWorkAreas(t, fs)
}

func TestRender_NonZeroExit(t *testing.T) {
	fs := afero.NewMemMapFs()
	runner := &fakeRunner{
		fs:     fs,
		layout: DefaultLayout(),
		output: "SyntaxError: invalid syntax",
		err:    &ProcessError{Command: "manim", ExitCode: 1, Output: "SyntaxError: invalid syntax", Err: errors.New("exit status 1")},
	}
	e := newTestExecutor(t, runner)

	called := false
	err := e.Render(context.Background(), "broken", func(string) error {
		called = true
		return nil
	})
	require.False(t, called)

	var pe *ProcessError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, 1, pe.ExitCode)
	require.Contains(t, err.Error(), "SyntaxError")
	requireNoWorkAreas(t, fs)
}

func TestRender_RunnerPlainErrorIsWrapped(t *testing.T) {
	fs := afero.NewMemMapFs()
	runner := &fakeRunner{fs: fs, layout: DefaultLayout(), output: "partial", err: errors.New("exec: not found")}
	e := newTestExecutor(t, runner)

	err := e.Render(context.Background(), "x", func(string) error { return nil })
	var pe *ProcessError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, -1, pe.ExitCode)
	require.Equal(t, "partial", pe.Output)
	requireNoWorkAreas(t, fs)
}

func TestRender_ZeroExitWithoutArtifact(t *testing.T) {
	fs := afero.NewMemMapFs()
	runner := &fakeRunner{fs: fs, layout: DefaultLayout(), output: "Rendered nothing"}
	e := newTestExecutor(t, runner)

	called := false
	err := e.Render(context.Background(), "x", func(string) error {
		called = true
		return nil
	})
	require.False(t, called)
	require.ErrorIs(t, err, ErrArtifactMissing)

	var pe *ProcessError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, 0, pe.ExitCode)
	require.Contains(t, err.Error(), filepath.Join("media", "videos", "main", "480p15", "Animation.mp4"))
	requireNoWorkAreas(t, fs)
}

func TestRender_CleanupRunsAfterConsume(t *testing.T) {
	fs := afero.NewMemMapFs()
	runner := &fakeRunner{fs: fs, layout: DefaultLayout(), produce: true}
	e := newTestExecutor(t, runner)

	consumeErr := errors.New("disk full")
	err := e.Render(context.Background(), "x", func(path string) error {
		ok, statErr := afero.Exists(fs, path)
		require.NoError(t, statErr)
		require.True(t, ok, "artifact must still exist while it is consumed")
		return consumeErr
	})
	require.ErrorIs(t, err, consumeErr)
	requireNoWorkAreas(t, fs)
}

func TestRender_ConcurrentRunsUseDistinctWorkAreas(t *testing.T) {
	fs := afero.NewMemMapFs()
	runner := &fakeRunner{fs: fs, layout: DefaultLayout(), produce: true}
	e := newTestExecutor(t, runner)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- e.Render(context.Background(), fmt.Sprintf("script-%d", i), func(string) error { return nil })
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	for _, c := range runner.calls {
		require.False(t, seen[c.dir], "work area %s reused", c.dir)
		seen[c.dir] = true
	}
	require.Len(t, seen, n)
	requireNoWorkAreas(t, fs)
}
