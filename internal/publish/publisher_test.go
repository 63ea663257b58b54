package publish

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const publicDir = "/srv/public/animations"

func writeArtifact(t *testing.T, fs afero.Fs, path, body string) {
	t.Helper()
	require.NoError(t, fs.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, afero.WriteFile(fs, path, []byte(body), 0o644))
}

func listDir(t *testing.T, fs afero.Fs) []string {
	t.Helper()
	entries, err := afero.ReadDir(fs, publicDir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

type renameFailFs struct {
	afero.Fs
}

func (renameFailFs) Rename(_, _ string) error {
	return errors.New("rename refused")
}

func TestNew_Validates(t *testing.T) {
	_, err := New(nil, publicDir, "/animations", ".mp4")
	require.Error(t, err)
	_, err = New(afero.NewMemMapFs(), " ", "/animations", ".mp4")
	require.Error(t, err)
	_, err = New(afero.NewMemMapFs(), publicDir, "/animations", "mp4")
	require.Error(t, err)
}

func TestPublish_CopiesArtifact(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeArtifact(t, fs, "/work/media/Animation.mp4", "frames")

	p, err := New(fs, publicDir, "animations/", ".mp4")
	require.NoError(t, err)
	p.now = func() time.Time { return time.UnixMilli(1700000000123) }
	p.suffix = func() string { return "abcd1234" }

	a, err := p.Publish(context.Background(), "/work/media/Animation.mp4")
	require.NoError(t, err)
	require.Equal(t, "animation_1700000000123_abcd1234.mp4", a.Name)
	require.Equal(t, filepath.Join(publicDir, a.Name), a.Path)
	require.Equal(t, "/animations/animation_1700000000123_abcd1234.mp4", a.URL)

	data, err := afero.ReadFile(fs, a.Path)
	require.NoError(t, err)
	require.Equal(t, "frames", string(data))
	require.Equal(t, []string{a.Name}, listDir(t, fs))

	info, err := fs.Stat(a.Path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestPublish_NamesAreUniqueUnderRepeatedCalls(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeArtifact(t, fs, "/work/a.mp4", "x")

	p, err := New(fs, publicDir, "/animations", ".mp4")
	require.NoError(t, err)
	fixed := time.Now()
	p.now = func() time.Time { return fixed }

	const n = 50
	var (
		mu   sync.Mutex
		urls = map[string]bool{}
		wg   sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := p.Publish(context.Background(), "/work/a.mp4")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			urls[a.URL] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, urls, n)
	require.Len(t, listDir(t, fs), n)
}

func TestPublish_NeverOverwrites(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeArtifact(t, fs, "/work/a.mp4", "first")

	p, err := New(fs, publicDir, "/animations", ".mp4")
	require.NoError(t, err)
	p.now = func() time.Time { return time.UnixMilli(1) }
	p.suffix = func() string { return "same" }

	first, err := p.Publish(context.Background(), "/work/a.mp4")
	require.NoError(t, err)

	writeArtifact(t, fs, "/work/a.mp4", "second")
	_, err = p.Publish(context.Background(), "/work/a.mp4")
	require.ErrorContains(t, err, "already exists")

	data, err := afero.ReadFile(fs, first.Path)
	require.NoError(t, err)
	require.Equal(t, "first", string(data))
	require.Equal(t, []string{first.Name}, listDir(t, fs))
}

func TestPublish_MissingSource(t *testing.T) {
	fs := afero.NewMemMapFs()
	p, err := New(fs, publicDir, "/animations", ".mp4")
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), "/work/missing.mp4")
	require.ErrorContains(t, err, "open artifact")
	require.Empty(t, listDir(t, fs))
}

func TestPublish_FailedRenameLeavesNoPartialFile(t *testing.T) {
	mem := afero.NewMemMapFs()
	writeArtifact(t, mem, "/work/a.mp4", "x")

	p, err := New(renameFailFs{mem}, publicDir, "/animations", ".mp4")
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), "/work/a.mp4")
	require.ErrorContains(t, err, "rename refused")
	for _, name := range listDir(t, mem) {
		require.False(t, strings.HasSuffix(name, ".part"), "staging file %s left behind", name)
	}
	require.Empty(t, listDir(t, mem))
}

func TestPublish_ReadOnlyFilesystem(t *testing.T) {
	mem := afero.NewMemMapFs()
	writeArtifact(t, mem, "/work/a.mp4", "x")

	p, err := New(afero.NewReadOnlyFs(mem), publicDir, "/animations", ".mp4")
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), "/work/a.mp4")
	require.Error(t, err)
}

func TestPublish_CanceledContext(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeArtifact(t, fs, "/work/a.mp4", "x")
	p, err := New(fs, publicDir, "/animations", ".mp4")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Publish(ctx, "/work/a.mp4")
	require.ErrorIs(t, err, context.Canceled)
}
