package cas

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodeframe/internal/model"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), 16)
	require.NoError(t, err)
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newStore(t)
	id, err := s.Put([]byte("hello artifact"))
	require.NoError(t, err)

	got, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello artifact"), got)
	assert.True(t, s.Exists(id))
}

func TestPutIsIdempotent(t *testing.T) {
	s := newStore(t)
	id1, err := s.Put([]byte("same"))
	require.NoError(t, err)
	id2, err := s.Put([]byte("same"))
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.Get(model.ArtifactID{0xAB})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestGetDetectsCorruption(t *testing.T) {
	s := newStore(t)
	id, err := s.Put([]byte("original bytes"))
	require.NoError(t, err)

	// Bypass the cache and corrupt the on-disk blob directly.
	require.NoError(t, os.WriteFile(s.pathFor(id), []byte("tampered bytes"), 0o644))
	s.cache.Remove(id)

	_, err = s.Get(id)
	assert.ErrorIs(t, err, model.ErrCasIntegrity)
}

func TestPurgeThenGetNotFound(t *testing.T) {
	s := newStore(t)
	id, err := s.Put([]byte("to purge"))
	require.NoError(t, err)

	require.NoError(t, s.Purge(id))
	_, err = s.Get(id)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestPurgeAbsentIsNotError(t *testing.T) {
	s := newStore(t)
	assert.NoError(t, s.Purge(model.ArtifactID{0x01}))
}

func TestPutRejectsOverBudget(t *testing.T) {
	s, err := New(t.TempDir(), 4, WithMaxBytes(4))
	require.NoError(t, err)

	_, err = s.Put([]byte("this is too long"))
	assert.Error(t, err)
}
