package hashing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileVsDirectoryDomainSeparation(t *testing.T) {
	content := []byte("same-bytes")
	cd := ContentDigest(content)

	fileEnc := NewEncoder(tagFile)
	fileEnc.WritePath("p").WriteFileBody(uint64(len(content)), cd, nil)
	fileID := fileEnc.Sum()

	dirEnc := NewEncoder(tagDirectory)
	dirEnc.WritePath("p").WriteDirectoryBody(nil, nil)
	dirID := dirEnc.Sum()

	assert.NotEqual(t, fileID, dirID, "file and directory payloads must never collide")
}

func TestEmptyFileVsSingleByteFile(t *testing.T) {
	empty := ContentDigest([]byte{})
	one := ContentDigest([]byte{0x00})
	assert.NotEqual(t, empty, one)
}

func TestDirectoryIDStableForIdenticalChildren(t *testing.T) {
	children := []ChildRef{{Name: "a", ID: Digest{1}}, {Name: "b", ID: Digest{2}}}
	e1 := NewEncoder(tagDirectory)
	e1.WritePath("d").WriteDirectoryBody(children, nil)

	e2 := NewEncoder(tagDirectory)
	e2.WritePath("d").WriteDirectoryBody(children, nil)

	assert.Equal(t, e1.Sum(), e2.Sum(), "identical inputs must hash identically")
}

func TestDirectoryIDChangesWithChild(t *testing.T) {
	base := []ChildRef{{Name: "a", ID: Digest{1}}}
	changed := []ChildRef{{Name: "a", ID: Digest{9}}}

	e1 := NewEncoder(tagDirectory)
	e1.WritePath("d").WriteDirectoryBody(base, nil)

	e2 := NewEncoder(tagDirectory)
	e2.WritePath("d").WriteDirectoryBody(changed, nil)

	assert.NotEqual(t, e1.Sum(), e2.Sum())
}

func TestFrameDigestIndependentOfCreatedAt(t *testing.T) {
	basis := BasisDescriptor{Kind: 0, Node: Digest{1}}
	cd := ContentDigest([]byte("frame content"))
	id1 := FrameDigest("ctx-writer", basis, cd, map[string]string{"agent_id": "a1"})
	id2 := FrameDigest("ctx-writer", basis, cd, map[string]string{"agent_id": "a1"})
	assert.Equal(t, id1, id2, "created_at is not part of the encoding, so repeated calls with identical identity inputs agree")
}

func TestFileDigestStreamsConsistently(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(p, []byte("hello world"), 0o644))

	d1, err := FileDigest(p)
	require.NoError(t, err)
	d2, err := FileDigest(p)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	direct := ContentDigest([]byte("hello world"))
	assert.Equal(t, direct, d1, "FileDigest must agree with ContentDigest over the same bytes")
}
