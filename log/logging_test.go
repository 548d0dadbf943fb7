package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWritesHeaderOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "copy.log")

	l, err := New(path, "copy")
	require.NoError(t, err)
	l.Info("first line", F("n", 1))
	require.NoError(t, l.Close())

	l2, err := New(path, "copy")
	require.NoError(t, err)
	l2.Warn("second line")
	require.NoError(t, l2.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(content), "\n"), "\n")
	require.Equal(t, "timestamp\tlevel\tlogger\tfile:line\tmessage", lines[0])
	require.Len(t, lines, 3)
	require.Contains(t, lines[1], "first line n=1")
	require.Contains(t, lines[2], "second line")
}

func TestLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hpi.log")
	l, err := New(path, "hpi")
	require.NoError(t, err)
	l.SetLevel(WARN)
	l.Debug("hidden")
	l.Warn("visible")
	require.NoError(t, l.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(content), "hidden")
	require.Contains(t, string(content), "visible")
}
