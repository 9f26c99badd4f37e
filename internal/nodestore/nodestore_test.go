package nodestore

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodeframe/internal/model"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nodes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRecord(path string) *model.NodeRecord {
	return &model.NodeRecord{
		NodeID: model.Digest{byte(len(path)), 0x01},
		Path:   path,
		Kind:   model.KindFile,
		Size:   42,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newStore(t)
	rec := sampleRecord("a/b.txt")
	require.NoError(t, s.Put(rec))

	got, err := s.Get(rec.NodeID)
	require.NoError(t, err)
	assert.True(t, got.Active())
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Errorf("round-tripped record differs (-want +got):\n%s", diff)
	}
}

func TestFindByPath(t *testing.T) {
	s := newStore(t)
	rec := sampleRecord("dir/file.go")
	require.NoError(t, s.Put(rec))

	got, err := s.FindByPath("dir/file.go")
	require.NoError(t, err)
	assert.Equal(t, rec.NodeID, got.NodeID)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.Get(model.Digest{0xFF})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestTombstoneAndRestore(t *testing.T) {
	s := newStore(t)
	rec := sampleRecord("x.txt")
	require.NoError(t, s.Put(rec))

	require.NoError(t, s.Tombstone(rec.NodeID, 1000))
	got, err := s.Get(rec.NodeID)
	require.NoError(t, err)
	assert.False(t, got.Active())

	err = s.Tombstone(rec.NodeID, 2000)
	assert.ErrorIs(t, err, model.ErrAlreadyTombstoned)

	require.NoError(t, s.Restore(rec.NodeID))
	got, err = s.Get(rec.NodeID)
	require.NoError(t, err)
	assert.True(t, got.Active())

	err = s.Restore(rec.NodeID)
	assert.ErrorIs(t, err, model.ErrNotTombstoned)
}

func TestListActiveExcludesTombstoned(t *testing.T) {
	s := newStore(t)
	a := sampleRecord("a.txt")
	b := sampleRecord("b.txt")
	require.NoError(t, s.Put(a))
	require.NoError(t, s.Put(b))
	require.NoError(t, s.Tombstone(b.NodeID, 10))

	active, err := s.ListActive()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "a.txt", active[0].Path)

	tombstoned, err := s.ListTombstoned()
	require.NoError(t, err)
	require.Len(t, tombstoned, 1)
	assert.Equal(t, "b.txt", tombstoned[0].Path)
}

func TestPurgeRemovesRecord(t *testing.T) {
	s := newStore(t)
	rec := sampleRecord("gone.txt")
	require.NoError(t, s.Put(rec))
	require.NoError(t, s.Purge(rec.NodeID))

	_, err := s.Get(rec.NodeID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestChildrenAndParentRoundTrip(t *testing.T) {
	s := newStore(t)
	child := model.Digest{0x02}
	parent := model.Digest{0x03}
	rec := &model.NodeRecord{
		NodeID:   model.Digest{0x04},
		Path:     "dir",
		Kind:     model.KindDirectory,
		Children: []model.ChildEntry{{Name: "a", ID: child}},
		Parent:   &parent,
		Metadata: map[string]string{"k": "v"},
	}
	require.NoError(t, s.Put(rec))

	got, err := s.Get(rec.NodeID)
	require.NoError(t, err)
	require.Len(t, got.Children, 1)
	assert.Equal(t, child, got.Children[0].ID)
	require.NotNil(t, got.Parent)
	assert.Equal(t, parent, *got.Parent)
	assert.Equal(t, "v", got.Metadata["k"])
}
