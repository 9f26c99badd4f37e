package view

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodeframe/internal/basisindex"
	"nodeframe/internal/framestore"
	"nodeframe/internal/headindex"
	"nodeframe/internal/model"
	"nodeframe/internal/nodestore"
)

func newSelector(t *testing.T) *Selector {
	t.Helper()
	dir := t.TempDir()
	nodes, err := nodestore.Open(filepath.Join(dir, "nodes.db"))
	require.NoError(t, err)
	heads, err := headindex.Open(filepath.Join(dir, "heads.db"))
	require.NoError(t, err)
	basis, err := basisindex.Open(filepath.Join(dir, "basis.db"))
	require.NoError(t, err)
	frames, err := framestore.New(filepath.Join(dir, "frames"), 16)
	require.NoError(t, err)
	t.Cleanup(func() { nodes.Close(); heads.Close(); basis.Close() })
	return &Selector{Nodes: nodes, Heads: heads, Frames: frames, Basis: basis}
}

func frame(id byte, frameType string, createdAt uint64, basisFrame model.Digest) *model.Frame {
	f := &model.Frame{
		FrameID:   model.Digest{id},
		FrameType: frameType,
		Content:   []byte("content"),
		CreatedAt: createdAt,
		Metadata:  map[string]model.MetadataValue{},
	}
	if basisFrame.IsZero() {
		f.Basis = model.Basis{Kind: model.BasisNode, Node: model.Digest{0xAA}}
	} else {
		f.Basis = model.Basis{Kind: model.BasisFrame, Frame: basisFrame}
	}
	return f
}

func TestSelectFetchesActiveHeadOnly(t *testing.T) {
	s := newSelector(t)
	nodeID := model.Digest{0x01}
	require.NoError(t, s.Nodes.Put(&model.NodeRecord{NodeID: nodeID, Path: "a.txt", Kind: model.KindFile}))

	f1 := frame(0x10, "summary", 100, model.Digest{})
	require.NoError(t, s.Frames.Put(f1))
	require.NoError(t, s.Heads.Set(nodeID, "summary", f1.FrameID))

	out, err := s.Select(nodeID, ContextView{MaxFrames: 10}, nil, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, f1.FrameID, out[0].FrameID)
}

func TestSelectWalksAncestorChain(t *testing.T) {
	s := newSelector(t)
	nodeID := model.Digest{0x02}
	require.NoError(t, s.Nodes.Put(&model.NodeRecord{NodeID: nodeID, Path: "a.txt", Kind: model.KindFile}))

	root := frame(0x20, "summary", 1, model.Digest{})
	mid := frame(0x21, "summary", 2, root.FrameID)
	head := frame(0x22, "summary", 3, mid.FrameID)
	require.NoError(t, s.Frames.Put(root))
	require.NoError(t, s.Frames.Put(mid))
	require.NoError(t, s.Frames.Put(head))
	require.NoError(t, s.Heads.Set(nodeID, "summary", head.FrameID))

	out, err := s.Select(nodeID, ContextView{MaxFrames: 10}, nil, nil)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, head.FrameID, out[0].FrameID)
}

func TestSelectRespectsMaxFramesBudget(t *testing.T) {
	s := newSelector(t)
	nodeID := model.Digest{0x03}
	require.NoError(t, s.Nodes.Put(&model.NodeRecord{NodeID: nodeID, Path: "a.txt", Kind: model.KindFile}))

	root := frame(0x30, "summary", 1, model.Digest{})
	mid := frame(0x31, "summary", 2, root.FrameID)
	head := frame(0x32, "summary", 3, mid.FrameID)
	require.NoError(t, s.Frames.Put(root))
	require.NoError(t, s.Frames.Put(mid))
	require.NoError(t, s.Frames.Put(head))
	require.NoError(t, s.Heads.Set(nodeID, "summary", head.FrameID))

	out, err := s.Select(nodeID, ContextView{MaxFrames: 2}, nil, nil)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestSelectSkipsMissingFrameSilently(t *testing.T) {
	s := newSelector(t)
	nodeID := model.Digest{0x04}
	require.NoError(t, s.Nodes.Put(&model.NodeRecord{NodeID: nodeID, Path: "a.txt", Kind: model.KindFile}))
	require.NoError(t, s.Heads.Set(nodeID, "summary", model.Digest{0xFF}))

	out, err := s.Select(nodeID, ContextView{MaxFrames: 10}, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSelectByTypeFilter(t *testing.T) {
	s := newSelector(t)
	nodeID := model.Digest{0x05}
	require.NoError(t, s.Nodes.Put(&model.NodeRecord{NodeID: nodeID, Path: "a.txt", Kind: model.KindFile}))

	summary := frame(0x50, "summary", 1, model.Digest{})
	review := frame(0x51, "review", 1, model.Digest{})
	require.NoError(t, s.Frames.Put(summary))
	require.NoError(t, s.Frames.Put(review))
	require.NoError(t, s.Heads.Set(nodeID, "summary", summary.FrameID))
	require.NoError(t, s.Heads.Set(nodeID, "review", review.FrameID))

	out, err := s.Select(nodeID, ContextView{
		MaxFrames: 10,
		Filters:   []FrameFilter{{Kind: FilterByType, Types: []string{"summary"}}},
	}, nil, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "summary", out[0].FrameType)
}

func TestSiblingsSourceBroadensSelection(t *testing.T) {
	s := newSelector(t)
	parentID := model.Digest{0x60}
	childA := model.Digest{0x61}
	childB := model.Digest{0x62}
	require.NoError(t, s.Nodes.Put(&model.NodeRecord{
		NodeID: parentID, Path: "dir", Kind: model.KindDirectory,
		Children: []model.ChildEntry{{Name: "a.txt", ID: childA}, {Name: "b.txt", ID: childB}},
	}))
	require.NoError(t, s.Nodes.Put(&model.NodeRecord{NodeID: childA, Path: "dir/a.txt", Kind: model.KindFile, Parent: &parentID}))
	require.NoError(t, s.Nodes.Put(&model.NodeRecord{NodeID: childB, Path: "dir/b.txt", Kind: model.KindFile, Parent: &parentID}))

	fb := frame(0x70, "summary", 1, model.Digest{})
	require.NoError(t, s.Frames.Put(fb))
	require.NoError(t, s.Heads.Set(childB, "summary", fb.FrameID))

	out, err := s.Select(childA, ContextView{MaxFrames: 10}, []Source{{Kind: SourceSiblings}}, []string{"summary"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, fb.FrameID, out[0].FrameID)
}

func TestCombinedTextJoinsAndSkipsInvalidUTF8(t *testing.T) {
	valid := &model.Frame{Content: []byte("hello")}
	invalid := &model.Frame{Content: []byte{0xff, 0xfe, 0xfd}}
	out := CombinedText([]*model.Frame{valid, invalid}, "|")
	assert.Equal(t, "hello", out)
}

func TestOrderRecencyOrdersNewestFirst(t *testing.T) {
	s := newSelector(t)
	nodeID := model.Digest{0x80}
	require.NoError(t, s.Nodes.Put(&model.NodeRecord{NodeID: nodeID, Path: "a.txt", Kind: model.KindFile}))

	old := frame(0x81, "a", 1, model.Digest{})
	newer := frame(0x82, "b", 2, model.Digest{})
	require.NoError(t, s.Frames.Put(old))
	require.NoError(t, s.Frames.Put(newer))
	require.NoError(t, s.Heads.Set(nodeID, "a", old.FrameID))
	require.NoError(t, s.Heads.Set(nodeID, "b", newer.FrameID))

	out, err := s.Select(nodeID, ContextView{MaxFrames: 10, Ordering: OrderRecency}, nil, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, newer.FrameID, out[0].FrameID)
}
