package basisindex

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodeframe/internal/model"
)

func newIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "basis.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestRecordThenLookup(t *testing.T) {
	idx := newIndex(t)
	basis := model.Basis{Kind: model.BasisNode, Node: model.Digest{0x01}}
	frame := model.Digest{0x02}
	require.NoError(t, idx.Record(basis, frame))

	found, err := idx.Lookup(Digest(basis))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, frame, found[0])
}

func TestDistinctBasisKindsDoNotCollide(t *testing.T) {
	nodeOnly := model.Basis{Kind: model.BasisNode, Node: model.Digest{0x01}}
	both := model.Basis{Kind: model.BasisBoth, Node: model.Digest{0x01}, Frame: model.Digest{0x01}}
	assert.NotEqual(t, Digest(nodeOnly), Digest(both))
}

func TestDeleteForFrameRemovesAcrossBuckets(t *testing.T) {
	idx := newIndex(t)
	b1 := model.Basis{Kind: model.BasisNode, Node: model.Digest{0x01}}
	b2 := model.Basis{Kind: model.BasisNode, Node: model.Digest{0x02}}
	frame := model.Digest{0x03}
	require.NoError(t, idx.Record(b1, frame))
	require.NoError(t, idx.Record(b2, frame))

	require.NoError(t, idx.DeleteForFrame(frame))

	f1, err := idx.Lookup(Digest(b1))
	require.NoError(t, err)
	assert.Empty(t, f1)
	f2, err := idx.Lookup(Digest(b2))
	require.NoError(t, err)
	assert.Empty(t, f2)
}

func TestRebuildFromFrames(t *testing.T) {
	idx := newIndex(t)
	b1 := model.Basis{Kind: model.BasisNode, Node: model.Digest{0x09}}
	f1 := model.Digest{0x0A}
	require.NoError(t, idx.Record(b1, f1))

	// Stale entry not present in the rebuild source must be dropped.
	stale := model.Basis{Kind: model.BasisNode, Node: model.Digest{0xFF}}
	require.NoError(t, idx.Record(stale, model.Digest{0xFE}))

	err := idx.RebuildFromFrames(func(yield func(model.Basis, model.FrameID) bool) {
		yield(b1, f1)
	})
	require.NoError(t, err)

	found, err := idx.Lookup(Digest(b1))
	require.NoError(t, err)
	assert.Len(t, found, 1)

	goneNow, err := idx.Lookup(Digest(stale))
	require.NoError(t, err)
	assert.Empty(t, goneNow)
}
