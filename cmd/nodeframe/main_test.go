package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodeframe/internal/view"
)

func TestResolveWorkspaceDefaultsToCwd(t *testing.T) {
	workspace = ""
	ws, err := resolveWorkspace()
	require.NoError(t, err)
	cwd, _ := os.Getwd()
	assert.Equal(t, cwd, ws)
}

func TestResolveWorkspaceAbsolutizesRelativePath(t *testing.T) {
	workspace = "."
	t.Cleanup(func() { workspace = "" })
	ws, err := resolveWorkspace()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(ws))
}

func TestLoadConfigFallsBackToDefaultsWhenNoFile(t *testing.T) {
	configPath = ""
	t.Cleanup(func() { configPath = "" })
	cfg, err := loadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "nodeframe", cfg.Name)
}

func TestTruncatePathShortensLongPaths(t *testing.T) {
	long := "a/very/deeply/nested/package/path/file.go"
	got := truncatePath(long, 10)
	assert.LessOrEqual(t, len(got), 13)
	assert.Contains(t, got, "...")
}

func TestTruncatePathLeavesShortPathsAlone(t *testing.T) {
	assert.Equal(t, "a.txt", truncatePath("a.txt", 10))
}

func TestParseOrderingRecognizesEachKeyword(t *testing.T) {
	assert.Equal(t, view.OrderTypeOrder, parseOrdering("type"))
	assert.Equal(t, view.OrderAgentOrder, parseOrdering("agent"))
	assert.Equal(t, view.OrderRelevance, parseOrdering("relevance"))
	assert.Equal(t, view.OrderRecency, parseOrdering("anything-else"))
}
