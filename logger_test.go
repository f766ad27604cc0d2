package notejobs

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlogLogger_FormatsAndFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	h := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	l := NewSlogLogger(slog.New(h)).With("component", "runner")

	l.Debugf("hidden %d", 1)
	l.Infof("job started: name=%s", "dbBackup")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "job started: name=dbBackup")
	require.Contains(t, out, `"component":"runner"`)
}

func TestNopLogger_NoPanic(t *testing.T) {
	l := NopLogger()
	l.Debugf("x")
	l.Infof("x")
	l.Warnf("x")
	l.Errorf("x")
}
