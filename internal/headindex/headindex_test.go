package headindex

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodeframe/internal/model"
)

func newIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "heads.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestSetThenGetActive(t *testing.T) {
	idx := newIndex(t)
	node := model.Digest{0x01}
	frame := model.Digest{0x02}
	require.NoError(t, idx.Set(node, "summary", frame))

	got, err := idx.GetActive(node, "summary")
	require.NoError(t, err)
	assert.Equal(t, frame, got.FrameID)
}

func TestGetActiveMissingReturnsNotFound(t *testing.T) {
	idx := newIndex(t)
	_, err := idx.GetActive(model.Digest{0x01}, "summary")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestTombstonedHeadNeverReturnedByGetActive(t *testing.T) {
	idx := newIndex(t)
	node := model.Digest{0x03}
	require.NoError(t, idx.Set(node, "summary", model.Digest{0x04}))
	require.NoError(t, idx.TombstoneHeadsForNode(node, 1000))

	_, err := idx.GetActive(node, "summary")
	assert.ErrorIs(t, err, model.ErrNotFound)

	raw, err := idx.GetRaw(node, "summary")
	require.NoError(t, err)
	assert.False(t, raw.Active())
}

func TestRestoreHeadsForNode(t *testing.T) {
	idx := newIndex(t)
	node := model.Digest{0x05}
	require.NoError(t, idx.Set(node, "summary", model.Digest{0x06}))
	require.NoError(t, idx.TombstoneHeadsForNode(node, 1000))
	require.NoError(t, idx.RestoreHeadsForNode(node))

	got, err := idx.GetActive(node, "summary")
	require.NoError(t, err)
	assert.True(t, got.Active())
}

func TestListHeadsReturnsAllFrameTypes(t *testing.T) {
	idx := newIndex(t)
	node := model.Digest{0x07}
	require.NoError(t, idx.Set(node, "summary", model.Digest{0x08}))
	require.NoError(t, idx.Set(node, "review", model.Digest{0x09}))

	heads, err := idx.ListHeads(node)
	require.NoError(t, err)
	assert.Len(t, heads, 2)
}

func TestPurgeTombstonedRespectsCutoff(t *testing.T) {
	idx := newIndex(t)
	node := model.Digest{0x0A}
	require.NoError(t, idx.Set(node, "summary", model.Digest{0x0B}))
	require.NoError(t, idx.TombstoneHeadsForNode(node, 500))

	n, err := idx.PurgeTombstoned(100)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "cutoff before tombstone time purges nothing")

	n, err = idx.PurgeTombstoned(1000)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestSetClearsExistingTombstone(t *testing.T) {
	idx := newIndex(t)
	node := model.Digest{0x0C}
	require.NoError(t, idx.Set(node, "summary", model.Digest{0x0D}))
	require.NoError(t, idx.TombstoneHeadsForNode(node, 100))
	require.NoError(t, idx.Set(node, "summary", model.Digest{0x0E}))

	got, err := idx.GetActive(node, "summary")
	require.NoError(t, err)
	assert.Equal(t, model.Digest{0x0E}, got.FrameID)
}
