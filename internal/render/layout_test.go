package render

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLayout_ArtifactPath(t *testing.T) {
	cases := []struct {
		quality string
		label   string
	}{
		{"l", "480p15"},
		{"m", "720p30"},
		{"h", "1080p60"},
		{"p", "1440p60"},
		{"k", "2160p60"},
	}
	for _, tc := range cases {
		l := DefaultLayout()
		l.Quality = tc.quality
		require.NoError(t, l.Validate())
		require.Equal(t,
			filepath.Join("/w", "media", "videos", "main", tc.label, "Animation.mp4"),
			l.ArtifactPath("/w"),
			"quality=%s", tc.quality,
		)
		require.Equal(t, "-q"+tc.quality, l.Args()[0])
	}
}

func TestLayout_CustomNames(t *testing.T) {
	l := Layout{ScriptName: "scene.py", SceneName: "Intro", Quality: "m", MediaDir: "out", Extension: ".gif"}
	require.NoError(t, l.Validate())
	require.Equal(t, filepath.Join("/w", "out", "videos", "scene", "720p30", "Intro.gif"), l.ArtifactPath("/w"))
	require.Equal(t, []string{"-qm", "scene.py", "Intro"}, l.Args())
}

func TestLayout_Validate(t *testing.T) {
	mutate := []func(*Layout){
		func(l *Layout) { l.ScriptName = "" },
		func(l *Layout) { l.ScriptName = "../main.py" },
		func(l *Layout) { l.SceneName = " " },
		func(l *Layout) { l.Quality = "ultra" },
		func(l *Layout) { l.MediaDir = "" },
		func(l *Layout) { l.Extension = "mp4" },
	}
	for i, m := range mutate {
		l := DefaultLayout()
		m(&l)
		require.Error(t, l.Validate(), "case %d", i)
	}
}
