package framestore

import (
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

func sampleFrame(id byte) *model.Frame {
	return &model.Frame{
		FrameID: model.Digest{id},
		Basis: model.Basis{
			Kind: model.BasisNode,
			Node: model.Digest{0x01},
		},
		FrameType: "summary",
		Content:   []byte("frame content"),
		Metadata: map[string]model.MetadataValue{
			"agent_id": {Class: model.ClassIdentity, Value: "agent-1"},
		},
		CreatedAt: 1000,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newStore(t)
	f := sampleFrame(0x10)
	require.NoError(t, s.Put(f))

	got, err := s.Get(f.FrameID)
	require.NoError(t, err)
	assert.Equal(t, f.Content, got.Content)
	assert.Equal(t, f.FrameType, got.FrameType)
	assert.Equal(t, "agent-1", got.Metadata["agent_id"].Value)
	assert.True(t, s.Exists(f.FrameID))
}

func TestPutIsIdempotentForIdenticalContent(t *testing.T) {
	s := newStore(t)
	f := sampleFrame(0x11)
	require.NoError(t, s.Put(f))
	require.NoError(t, s.Put(f))
}

func TestPutDetectsHashCollision(t *testing.T) {
	s := newStore(t)
	f1 := sampleFrame(0x12)
	require.NoError(t, s.Put(f1))

	f2 := sampleFrame(0x12)
	f2.Content = []byte("different content entirely")
	err := s.Put(f2)
	assert.ErrorIs(t, err, model.ErrHashCollision)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.Get(model.Digest{0xFF})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestPurgeThenGetNotFound(t *testing.T) {
	s := newStore(t)
	f := sampleFrame(0x13)
	require.NoError(t, s.Put(f))
	require.NoError(t, s.Purge(f.FrameID))

	_, err := s.Get(f.FrameID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSynthesisBasisChildrenRoundTrip(t *testing.T) {
	s := newStore(t)
	f := sampleFrame(0x14)
	f.Basis = model.Basis{
		Kind:                 model.BasisSynthesis,
		Node:                 model.Digest{0x20},
		OrderedChildFrameIDs: []model.FrameID{{0x01}, {0x02}, {0x03}},
		PolicyID:             "concat",
	}
	require.NoError(t, s.Put(f))

	got, err := s.Get(f.FrameID)
	require.NoError(t, err)
	require.Len(t, got.Basis.OrderedChildFrameIDs, 3)
	assert.Equal(t, "concat", got.Basis.PolicyID)
}
