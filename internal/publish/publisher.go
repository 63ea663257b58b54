// Package publish copies rendered artifacts into the publicly served
// directory under collision-free names.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"manimatic/internal/domain"
)

const namePrefix = "animation_"

// Publisher copies artifacts into dir and addresses them under urlPrefix.
type Publisher struct {
	fs        afero.Fs
	dir       string
	urlPrefix string
	ext       string

	now    func() time.Time
	suffix func() string
}

// New creates a Publisher. ext is the media extension given to every
// published file, including the leading dot.
func New(fs afero.Fs, dir, urlPrefix, ext string) (*Publisher, error) {
	if fs == nil {
		return nil, errors.New("publish: filesystem must not be nil")
	}
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("publish: directory must not be empty")
	}
	if !strings.HasPrefix(ext, ".") {
		return nil, fmt.Errorf("publish: extension %q must start with a dot", ext)
	}
	prefix := "/" + strings.Trim(strings.TrimSpace(urlPrefix), "/")
	return &Publisher{
		fs:        fs,
		dir:       filepath.Clean(dir),
		urlPrefix: strings.TrimRight(prefix, "/"),
		ext:       ext,
		now:       time.Now,
		suffix:    randomSuffix,
	}, nil
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Dir returns the public directory artifacts are copied into.
func (p *Publisher) Dir() string {
	return p.dir
}

// Publish copies the file at src into the public directory. The copy is
// staged in a hidden temporary file and renamed into place, so a failed copy
// never appears under a published name.
func (p *Publisher) Publish(ctx context.Context, src string) (domain.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return domain.Artifact{}, fmt.Errorf("publish: %w", err)
	}
	if err := p.fs.MkdirAll(p.dir, 0o755); err != nil {
		return domain.Artifact{}, fmt.Errorf("publish: create public dir: %w", err)
	}

	name := p.newName()
	dst := filepath.Join(p.dir, name)

	in, err := p.fs.Open(src)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("publish: open artifact: %w", err)
	}
	defer in.Close()

	tmp, err := afero.TempFile(p.fs, p.dir, "."+name+".*.part")
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("publish: create staging file: %w", err)
	}
	staged := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = p.fs.Remove(staged)
		}
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return domain.Artifact{}, fmt.Errorf("publish: copy artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return domain.Artifact{}, fmt.Errorf("publish: sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return domain.Artifact{}, fmt.Errorf("publish: close artifact: %w", err)
	}

	if exists, err := afero.Exists(p.fs, dst); err != nil {
		return domain.Artifact{}, fmt.Errorf("publish: stat destination: %w", err)
	} else if exists {
		return domain.Artifact{}, fmt.Errorf("publish: destination %s already exists", name)
	}
	if err := p.fs.Rename(staged, dst); err != nil {
		return domain.Artifact{}, fmt.Errorf("publish: move artifact into place: %w", err)
	}
	committed = true
	if err := p.fs.Chmod(dst, 0o644); err != nil {
		return domain.Artifact{}, fmt.Errorf("publish: set permissions: %w", err)
	}

	return domain.Artifact{
		Name: name,
		Path: dst,
		URL:  p.urlPrefix + "/" + name,
	}, nil
}

// newName derives a public file name from the current time plus a random
// suffix, so concurrent requests within the same millisecond do not collide.
func (p *Publisher) newName() string {
	return fmt.Sprintf("%s%d_%s%s", namePrefix, p.now().UnixMilli(), p.suffix(), p.ext)
}
