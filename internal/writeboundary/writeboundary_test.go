package writeboundary

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodeframe/internal/basisindex"
	"nodeframe/internal/cas"
	"nodeframe/internal/framestore"
	"nodeframe/internal/genqueue"
	"nodeframe/internal/headindex"
	"nodeframe/internal/metadata"
	"nodeframe/internal/model"
)

type stubCapability struct {
	roles map[string]model.AgentRole
}

func (s *stubCapability) HasCapability(agentID string, want model.AgentRole) bool {
	role, ok := s.roles[agentID]
	if !ok {
		return false
	}
	switch want {
	case model.RoleReader:
		return true
	case model.RoleWriter:
		return role == model.RoleWriter || role == model.RoleSynthesis
	case model.RoleSynthesis:
		return role == model.RoleSynthesis
	default:
		return false
	}
}

func newTestBoundary(t *testing.T) (*Boundary, *cas.Store) {
	t.Helper()
	dir := t.TempDir()

	frames, err := framestore.New(filepath.Join(dir, "frames"), 16)
	require.NoError(t, err)
	heads, err := headindex.Open(filepath.Join(dir, "heads.db"))
	require.NoError(t, err)
	basis, err := basisindex.Open(filepath.Join(dir, "basis.db"))
	require.NoError(t, err)
	artifacts, err := cas.New(filepath.Join(dir, "cas"), 16)
	require.NoError(t, err)

	t.Cleanup(func() {
		heads.Close()
		basis.Close()
	})

	caps := &stubCapability{roles: map[string]model.AgentRole{
		"writer": model.RoleWriter,
		"synth":  model.RoleSynthesis,
	}}

	return New(frames, heads, basis, metadata.New(), caps, artifacts), artifacts
}

func TestCommitRejectsUnauthorizedWriter(t *testing.T) {
	b, _ := newTestBoundary(t)
	node := model.NodeID{1}

	_, err := b.Commit(context.Background(), genqueue.WriteRequest{
		NodeID:    node,
		AgentID:   "ghost",
		FrameType: "summary",
		Basis:     model.Basis{Kind: model.BasisNode, Node: node},
		Content:   []byte("hello"),
	})
	assert.Error(t, err)
}

func TestCommitRejectsSynthesisWithoutSynthesisCapability(t *testing.T) {
	b, _ := newTestBoundary(t)
	node := model.NodeID{2}

	_, err := b.Commit(context.Background(), genqueue.WriteRequest{
		NodeID:    node,
		AgentID:   "writer",
		FrameType: "rollup",
		Basis:     model.Basis{Kind: model.BasisSynthesis, Node: node, PolicyID: "concat-v1"},
		Content:   []byte("rolled up"),
	})
	assert.Error(t, err)
}

func TestCommitRejectsMissingReferencedArtifact(t *testing.T) {
	b, _ := newTestBoundary(t)
	node := model.NodeID{3}

	_, err := b.Commit(context.Background(), genqueue.WriteRequest{
		NodeID:       node,
		AgentID:      "writer",
		FrameType:    "summary",
		Basis:        model.Basis{Kind: model.BasisNode, Node: node},
		Content:      []byte("hello"),
		PromptDigest: model.ArtifactID{0xAA},
	})
	var missing *model.ArtifactMissingError
	assert.ErrorAs(t, err, &missing)
}

func TestCommitWritesFrameHeadAndBasisEntry(t *testing.T) {
	b, artifacts := newTestBoundary(t)
	node := model.NodeID{4}

	promptDigest, err := artifacts.Put([]byte("prompt text"))
	require.NoError(t, err)
	contextDigest, err := artifacts.Put([]byte("context text"))
	require.NoError(t, err)

	req := genqueue.WriteRequest{
		NodeID:        node,
		AgentID:       "writer",
		FrameType:     "summary",
		Basis:         model.Basis{Kind: model.BasisNode, Node: node},
		Content:       []byte("a generated summary"),
		PromptDigest:  promptDigest,
		ContextDigest: contextDigest,
	}

	frame, err := b.Commit(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, frame)
	assert.Equal(t, "a generated summary", string(frame.Content))

	stored, err := b.frames.Get(frame.FrameID)
	require.NoError(t, err)
	assert.Equal(t, frame.FrameID, stored.FrameID)

	head, err := b.heads.GetActive(node, "summary")
	require.NoError(t, err)
	assert.Equal(t, frame.FrameID, head.FrameID)

	basisDigest := basisindex.Digest(req.Basis)
	recorded, err := b.basis.Lookup(basisDigest)
	require.NoError(t, err)
	assert.Contains(t, recorded, frame.FrameID)
}

func TestCommitIsIdempotentForIdenticalRequest(t *testing.T) {
	b, artifacts := newTestBoundary(t)
	node := model.NodeID{5}

	promptDigest, err := artifacts.Put([]byte("prompt"))
	require.NoError(t, err)
	contextDigest, err := artifacts.Put([]byte("context"))
	require.NoError(t, err)

	req := genqueue.WriteRequest{
		NodeID:        node,
		AgentID:       "writer",
		FrameType:     "summary",
		Basis:         model.Basis{Kind: model.BasisNode, Node: node},
		Content:       []byte("same content"),
		PromptDigest:  promptDigest,
		ContextDigest: contextDigest,
	}

	first, err := b.Commit(context.Background(), req)
	require.NoError(t, err)
	second, err := b.Commit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.FrameID, second.FrameID)
}

func TestCommitAllowsSynthesisForSynthesisAgent(t *testing.T) {
	b, _ := newTestBoundary(t)
	node := model.NodeID{6}

	frame, err := b.Commit(context.Background(), genqueue.WriteRequest{
		NodeID:    node,
		AgentID:   "synth",
		FrameType: "rollup",
		Basis: model.Basis{
			Kind:                 model.BasisSynthesis,
			Node:                 node,
			OrderedChildFrameIDs: []model.FrameID{{0x01}, {0x02}},
			PolicyID:             "concat-v1",
		},
		Content: []byte("rolled up content"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.BasisSynthesis, frame.Basis.Kind)
}
