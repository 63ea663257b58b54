package render

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// resolutionLabels maps manim quality presets to the directory name manim
// writes videos under.
var resolutionLabels = map[string]string{
	"l": "480p15",
	"m": "720p30",
	"h": "1080p60",
	"p": "1440p60",
	"k": "2160p60",
}

// Layout describes how the renderer is invoked and where it deposits its
// output. It is the only place that knows the renderer's directory convention:
//
//	<work area>/<MediaDir>/videos/<script base name>/<resolution label>/<SceneName><Extension>
type Layout struct {
	ScriptName string
	SceneName  string
	Quality    string
	MediaDir   string
	Extension  string
}

// DefaultLayout is the low-quality, fast preset.
func DefaultLayout() Layout {
	return Layout{
		ScriptName: "main.py",
		SceneName:  "Animation",
		Quality:    "l",
		MediaDir:   "media",
		Extension:  ".mp4",
	}
}

func (l Layout) Validate() error {
	if strings.TrimSpace(l.ScriptName) == "" || filepath.Base(l.ScriptName) != l.ScriptName {
		return fmt.Errorf("render: invalid script name %q", l.ScriptName)
	}
	if strings.TrimSpace(l.SceneName) == "" {
		return errors.New("render: scene name must not be empty")
	}
	if _, ok := resolutionLabels[l.Quality]; !ok {
		return fmt.Errorf("render: unknown quality preset %q", l.Quality)
	}
	if strings.TrimSpace(l.MediaDir) == "" {
		return errors.New("render: media dir must not be empty")
	}
	if !strings.HasPrefix(l.Extension, ".") {
		return fmt.Errorf("render: extension %q must start with a dot", l.Extension)
	}
	return nil
}

// ResolutionLabel returns the output directory label for the quality preset,
// or "" if the preset is unknown.
func (l Layout) ResolutionLabel() string {
	return resolutionLabels[l.Quality]
}

// Args returns the renderer arguments: <quality-flag> <script-file> <scene>.
func (l Layout) Args() []string {
	return []string{"-q" + l.Quality, l.ScriptName, l.SceneName}
}

// ArtifactPath returns where the renderer leaves its output for a run
// inside workArea.
func (l Layout) ArtifactPath(workArea string) string {
	module := strings.TrimSuffix(l.ScriptName, filepath.Ext(l.ScriptName))
	return filepath.Join(workArea, l.MediaDir, "videos", module, l.ResolutionLabel(), l.SceneName+l.Extension)
}
