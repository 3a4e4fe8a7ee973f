package logx

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
		ok   bool
	}{
		{"", zerolog.InfoLevel, true},
		{"TRACE", zerolog.TraceLevel, true},
		{" debug ", zerolog.DebugLevel, true},
		{"warning", zerolog.WarnLevel, true},
		{"error", zerolog.ErrorLevel, true},
		{"loud", zerolog.InfoLevel, false},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.ok, err == nil, tt.in)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestServiceFileSinkAndIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "lunchd.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	log.With(String("comp", "archive")).Info("cycle done", Int("menus", 2))
	log.Debug("hidden")

	out := readFile(t, path)
	assert.Contains(t, out, `"app":"lunchd"`)
	assert.Contains(t, out, `"pid":`)
	assert.Contains(t, out, `"comp":"archive"`)
	assert.Contains(t, out, `"menus":2`)
	assert.Contains(t, out, `"caller":"logx_test.go:`)
	assert.NotContains(t, out, "hidden")
}

func TestApplyChangesLevelForDerivedLoggers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lunchd.log")
	cfg := Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}}
	svc, root := New(cfg)
	defer svc.Close()
	log := root.With(String("comp", "notify"))

	log.Info("before")
	cfg.Level = "debug"
	require.NoError(t, svc.Apply(cfg))
	log.Debug("after")

	out := readFile(t, path)
	assert.NotContains(t, out, "before")
	assert.Contains(t, out, "after")
}

func TestApplyKeepsFileWhenNewPathFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lunchd.log")
	cfg := Config{File: FileConfig{Enabled: true, Path: path}}
	svc, log := New(cfg)
	defer svc.Close()
	log.Info("first")

	// a regular file cannot be a parent directory
	cfg.File.Path = filepath.Join(path, "nested.log")
	err := svc.Apply(cfg)
	require.Error(t, err)
	log.Info("second")

	out := readFile(t, path)
	assert.Contains(t, out, "first")
	assert.Contains(t, out, "second")
}

func TestApplyReportsBadLevel(t *testing.T) {
	svc, _ := New(Config{File: FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "x.log")}})
	defer svc.Close()
	err := svc.Apply(Config{Level: "loud", File: FileConfig{Enabled: true, Path: svc.filePath}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loud")
}

func TestWriterAndNop(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn").With(String("comp", "mail"))
	log.Info("dropped")
	log.Warn("kept", Err(nil), Stack("  "))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"message":"kept"`)
	assert.NotContains(t, lines[0], `"stack"`)
	assert.NotContains(t, lines[0], `"app"`)

	var zero Logger
	assert.True(t, zero.IsZero())
	assert.False(t, Nop().IsZero())
	zero.Error("goes nowhere")
}
