package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"nodeframe/internal/basisindex"
	"nodeframe/internal/cas"
	"nodeframe/internal/framestore"
	"nodeframe/internal/headindex"
	"nodeframe/internal/hashing"
	"nodeframe/internal/model"
	"nodeframe/internal/nodestore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newService(t *testing.T) *Service {
	t.Helper()
	workspaceRoot := t.TempDir()
	dataDir := t.TempDir()

	nodes, err := nodestore.Open(filepath.Join(dataDir, "nodes.db"))
	require.NoError(t, err)
	heads, err := headindex.Open(filepath.Join(dataDir, "heads.db"))
	require.NoError(t, err)
	basis, err := basisindex.Open(filepath.Join(dataDir, "basis.db"))
	require.NoError(t, err)
	frames, err := framestore.New(filepath.Join(dataDir, "frames"), 16)
	require.NoError(t, err)
	artifacts, err := cas.New(filepath.Join(dataDir, "artifacts"), 16)
	require.NoError(t, err)

	t.Cleanup(func() {
		nodes.Close()
		heads.Close()
		basis.Close()
	})

	return &Service{
		WorkspaceRoot: workspaceRoot,
		DataDir:       dataDir,
		Nodes:         nodes,
		Heads:         heads,
		Basis:         basis,
		Frames:        frames,
		CAS:           artifacts,
	}
}

func TestScanBuildsTreeAndCommitsToNodeStore(t *testing.T) {
	svc := newService(t)
	require.NoError(t, os.WriteFile(filepath.Join(svc.WorkspaceRoot, "a.txt"), []byte("hi"), 0o644))

	result, err := svc.Scan(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.False(t, result.RootID.IsZero())

	rec, err := svc.Nodes.Get(result.RootID)
	require.NoError(t, err)
	assert.Equal(t, model.KindDirectory, rec.Kind)
}

func TestDeleteThenRestoreRoundTrips(t *testing.T) {
	svc := newService(t)
	require.NoError(t, os.WriteFile(filepath.Join(svc.WorkspaceRoot, "a.txt"), []byte("hi"), 0o644))
	_, err := svc.Scan(context.Background(), nil, nil)
	require.NoError(t, err)

	target, err := svc.Nodes.FindByPath("a.txt")
	require.NoError(t, err)

	del, err := svc.Delete(target.NodeID, false, false)
	require.NoError(t, err)
	assert.Equal(t, 1, del.TombstonedCount)

	gone, err := svc.Nodes.Get(target.NodeID)
	require.NoError(t, err)
	assert.False(t, gone.Active())

	require.NoError(t, svc.Restore(target.NodeID))
	back, err := svc.Nodes.Get(target.NodeID)
	require.NoError(t, err)
	assert.True(t, back.Active())
}

func TestDeleteIsIdempotentOnAlreadyTombstoned(t *testing.T) {
	svc := newService(t)
	require.NoError(t, os.WriteFile(filepath.Join(svc.WorkspaceRoot, "a.txt"), []byte("hi"), 0o644))
	_, err := svc.Scan(context.Background(), nil, nil)
	require.NoError(t, err)

	target, err := svc.Nodes.FindByPath("a.txt")
	require.NoError(t, err)

	_, err = svc.Delete(target.NodeID, false, false)
	require.NoError(t, err)

	second, err := svc.Delete(target.NodeID, false, false)
	require.NoError(t, err)
	assert.Equal(t, 0, second.TombstonedCount)
}

func TestDeleteAppendsToIgnoreListUnlessNoIgnore(t *testing.T) {
	svc := newService(t)
	require.NoError(t, os.WriteFile(filepath.Join(svc.WorkspaceRoot, "a.txt"), []byte("hi"), 0o644))
	_, err := svc.Scan(context.Background(), nil, nil)
	require.NoError(t, err)

	target, err := svc.Nodes.FindByPath("a.txt")
	require.NoError(t, err)

	_, err = svc.Delete(target.NodeID, false, false)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(svc.DataDir, "ignore_list"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "a.txt")
}

func TestValidateDetectsMissingHeadFrame(t *testing.T) {
	svc := newService(t)
	require.NoError(t, os.WriteFile(filepath.Join(svc.WorkspaceRoot, "a.txt"), []byte("hi"), 0o644))
	_, err := svc.Scan(context.Background(), nil, nil)
	require.NoError(t, err)

	target, err := svc.Nodes.FindByPath("a.txt")
	require.NoError(t, err)

	dangling := model.Digest{0xAB}
	require.NoError(t, svc.Heads.Set(target.NodeID, "summary", dangling))

	report, err := svc.Validate()
	require.NoError(t, err)
	assert.NotEmpty(t, report.Errors)
}

func TestCompactPurgesExpiredTombstonesAndFrames(t *testing.T) {
	svc := newService(t)
	require.NoError(t, os.WriteFile(filepath.Join(svc.WorkspaceRoot, "a.txt"), []byte("hi"), 0o644))
	_, err := svc.Scan(context.Background(), nil, nil)
	require.NoError(t, err)

	target, err := svc.Nodes.FindByPath("a.txt")
	require.NoError(t, err)

	frame := &model.Frame{
		FrameID:   hashing.Hash("frame", []byte("x")),
		Basis:     model.Basis{Kind: model.BasisNode, Node: target.NodeID},
		FrameType: "summary",
		Content:   []byte("content"),
	}
	require.NoError(t, svc.Frames.Put(frame))
	require.NoError(t, svc.Heads.Set(target.NodeID, "summary", frame.FrameID))

	_, err = svc.Delete(target.NodeID, false, true)
	require.NoError(t, err)

	result, err := svc.Compact(CompactOptions{All: true})
	require.NoError(t, err)
	assert.Equal(t, 1, result.NodesPurged)
	assert.Equal(t, 1, result.FramesPurged)

	_, err = svc.Nodes.Get(target.NodeID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = svc.Frames.Get(frame.FrameID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCompactRespectsTTLCutoff(t *testing.T) {
	svc := newService(t)
	require.NoError(t, os.WriteFile(filepath.Join(svc.WorkspaceRoot, "a.txt"), []byte("hi"), 0o644))
	_, err := svc.Scan(context.Background(), nil, nil)
	require.NoError(t, err)

	target, err := svc.Nodes.FindByPath("a.txt")
	require.NoError(t, err)
	_, err = svc.Delete(target.NodeID, false, true)
	require.NoError(t, err)

	ttl := uint64(3600)
	result, err := svc.Compact(CompactOptions{TTLSeconds: &ttl})
	require.NoError(t, err)
	assert.Equal(t, 0, result.NodesPurged)

	still, err := svc.Nodes.Get(target.NodeID)
	require.NoError(t, err)
	assert.False(t, still.Active())
}

func TestCompactZeroTTLExpiresImmediatelyButKeepsFrames(t *testing.T) {
	svc := newService(t)
	require.NoError(t, os.WriteFile(filepath.Join(svc.WorkspaceRoot, "a.txt"), []byte("hi"), 0o644))
	_, err := svc.Scan(context.Background(), nil, nil)
	require.NoError(t, err)

	target, err := svc.Nodes.FindByPath("a.txt")
	require.NoError(t, err)

	frame := &model.Frame{
		FrameID:   hashing.Hash("frame", []byte("y")),
		Basis:     model.Basis{Kind: model.BasisNode, Node: target.NodeID},
		FrameType: "summary",
		Content:   []byte("content"),
	}
	require.NoError(t, svc.Frames.Put(frame))
	require.NoError(t, svc.Heads.Set(target.NodeID, "summary", frame.FrameID))

	_, err = svc.Delete(target.NodeID, false, true)
	require.NoError(t, err)

	// Back-date the tombstone by a day so a nonzero TTL like the
	// default 90-day window would never purge it — only an explicit
	// zero TTL, meaning "expire immediately", should.
	oneDayAgo := uint64(time.Now().Unix()) - 24*60*60
	rec, err := svc.Nodes.Get(target.NodeID)
	require.NoError(t, err)
	rec.TombstonedAt = &oneDayAgo
	require.NoError(t, svc.Nodes.Put(rec))

	zero := uint64(0)
	result, err := svc.Compact(CompactOptions{TTLSeconds: &zero, KeepFrames: true})
	require.NoError(t, err)
	assert.Equal(t, 1, result.NodesPurged)
	assert.Equal(t, 0, result.FramesPurged)

	_, err = svc.Nodes.Get(target.NodeID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = svc.Frames.Get(frame.FrameID)
	require.NoError(t, err)
}

func TestListDeletedFiltersByAge(t *testing.T) {
	svc := newService(t)
	require.NoError(t, os.WriteFile(filepath.Join(svc.WorkspaceRoot, "a.txt"), []byte("hi"), 0o644))
	_, err := svc.Scan(context.Background(), nil, nil)
	require.NoError(t, err)

	target, err := svc.Nodes.FindByPath("a.txt")
	require.NoError(t, err)
	_, err = svc.Delete(target.NodeID, false, true)
	require.NoError(t, err)

	all, err := svc.ListDeleted(0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
