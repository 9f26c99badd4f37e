// Package hashing implements the Hasher component (spec §4.1): a
// single SHA-256-backed, domain-separated canonical encoding used to
// compute NodeID, FrameID, ArtifactID and basis digests. Every
// encoding here is byte-stable: network byte order for integers,
// length-prefixed strings, sorted maps/children, no floats — the same
// discipline codenerd's own fact-encoding layer
// (internal/logging/audit.go's escapeString + ordered fields) applies
// to keep its Mangle-fact log lines reproducible.
package hashing

import (
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"io"
	"os"
	"sort"
)

// Domain tags. Prefixing every hashed payload with one of these
// guarantees a "file" payload and a "directory" payload that happen to
// share bytes never collide (spec §4.1 contract).
const (
	tagFile      = "node:file"
	tagDirectory = "node:dir"
	tagFrame     = "frame"
	tagArtifact  = "artifact"
	tagBasisNode = "basis:node"
	tagBasisFrm  = "basis:frame"
	tagBasisBoth = "basis:both"
	tagBasisSyn  = "basis:synthesis"
)

// Digest is a 256-bit hash. Defined again here (rather than importing
// model) to keep this package dependency-free and reusable from
// model/hashing both directions without an import cycle; model.Digest
// and hashing.Digest have identical layout and callers convert with a
// plain type conversion.
type Digest [32]byte

// Encoder builds a canonical, length-prefixed byte sequence and hashes
// it as a single SHA-256 digest. All multi-field identity hashes in
// this system go through an Encoder so field order and framing stay
// consistent.
type Encoder struct {
	h hash.Hash
}

// NewEncoder starts a new canonical encoding tagged with domain.
func NewEncoder(domainTag string) *Encoder {
	e := &Encoder{h: sha256.New()}
	e.writeString(domainTag)
	return e
}

// Sum finalizes the encoding and returns the digest.
func (e *Encoder) Sum() Digest {
	var d Digest
	copy(d[:], e.h.Sum(nil))
	return d
}

func (e *Encoder) writeUint64(v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	e.h.Write(buf[:])
}

func (e *Encoder) writeBytes(b []byte) {
	e.writeUint64(uint64(len(b)))
	e.h.Write(b)
}

// writeString hashes s as its raw UTF-8 bytes, length-prefixed. No
// Unicode normalization is applied here or by any caller in this
// module (Tree Builder takes names as the filesystem returns them), so
// two spellings of the same name in different Unicode normalization
// forms hash differently (see DESIGN.md).
func (e *Encoder) writeString(s string) {
	e.writeBytes([]byte(s))
}

// WriteKind writes the node-kind domain tag (file vs directory).
func (e *Encoder) WriteKind(isDir bool) *Encoder {
	if isDir {
		e.writeString(tagDirectory)
	} else {
		e.writeString(tagFile)
	}
	return e
}

// WritePath writes a workspace-relative path as a length-prefixed
// string, exactly as given (not Unicode-normalized).
func (e *Encoder) WritePath(path string) *Encoder {
	e.writeString(path)
	return e
}

// WriteFileBody writes a file node's identity payload:
// (size || content_digest || sorted identity metadata).
func (e *Encoder) WriteFileBody(size uint64, contentDigest Digest, identityMetadata map[string]string) *Encoder {
	e.writeUint64(size)
	e.h.Write(contentDigest[:])
	e.writeMetadata(identityMetadata)
	return e
}

// ChildRef is a (name, id) pair for a directory body encoding.
type ChildRef struct {
	Name string
	ID   Digest
}

// WriteDirectoryBody writes a directory node's identity payload:
// (children_count || concat(name_i || child_id_i) || sorted identity
// metadata). children must already be sorted lexicographically by
// name (Tree Builder's job); this just encodes them.
func (e *Encoder) WriteDirectoryBody(children []ChildRef, identityMetadata map[string]string) *Encoder {
	e.writeUint64(uint64(len(children)))
	for _, c := range children {
		e.writeString(c.Name)
		e.h.Write(c.ID[:])
	}
	e.writeMetadata(identityMetadata)
	return e
}

// WriteFrameType writes a frame_type discriminator string.
func (e *Encoder) WriteFrameType(frameType string) *Encoder {
	e.writeString(frameType)
	return e
}

// WriteContentDigest writes a pre-computed content digest (e.g. of
// frame.Content).
func (e *Encoder) WriteContentDigest(d Digest) *Encoder {
	e.h.Write(d[:])
	return e
}

// WriteIdentityMetadata writes a sorted identity-class metadata map.
func (e *Encoder) WriteIdentityMetadata(m map[string]string) *Encoder {
	e.writeMetadata(m)
	return e
}

func (e *Encoder) writeMetadata(m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	e.writeUint64(uint64(len(keys)))
	for _, k := range keys {
		e.writeString(k)
		e.writeString(m[k])
	}
}

// BasisDescriptor is the hashing-side shape of a basis, canonically
// encoded by WriteBasis. Used both for FrameID computation and for the
// Basis Index's reverse-lookup digest (hash(canonical_encode(frame.basis))).
type BasisDescriptor struct {
	Kind                 int // 0=Node,1=Frame,2=Both,3=Synthesis — mirrors model.BasisKind
	Node                 Digest
	Frame                Digest
	OrderedChildFrameIDs []Digest
	PolicyID             string
}

// WriteBasis writes a domain-tagged, shape-specific encoding of a
// Basis so that Node/Frame/Both/Synthesis bases never collide even if
// their raw IDs happen to coincide.
func (e *Encoder) WriteBasis(b BasisDescriptor) *Encoder {
	switch b.Kind {
	case 0:
		e.writeString(tagBasisNode)
		e.h.Write(b.Node[:])
	case 1:
		e.writeString(tagBasisFrm)
		e.h.Write(b.Frame[:])
	case 2:
		e.writeString(tagBasisBoth)
		e.h.Write(b.Node[:])
		e.h.Write(b.Frame[:])
	case 3:
		e.writeString(tagBasisSyn)
		e.h.Write(b.Node[:])
		e.writeUint64(uint64(len(b.OrderedChildFrameIDs)))
		for _, c := range b.OrderedChildFrameIDs {
			e.h.Write(c[:])
		}
		e.writeString(b.PolicyID)
	}
	return e
}

// Hash computes a plain domain-tagged hash of bytes — used where the
// payload is an opaque blob (artifact content, frame content).
func Hash(domainTag string, data []byte) Digest {
	e := NewEncoder(domainTag)
	e.writeBytes(data)
	return e.Sum()
}

// ArtifactDigest computes ArtifactID = H("artifact" || bytes).
func ArtifactDigest(data []byte) Digest {
	return Hash(tagArtifact, data)
}

// ContentDigest computes a plain content digest over raw file bytes,
// used as the "content_digest" input to WriteFileBody. Distinct from
// ArtifactDigest's domain tag so a file's content digest and its CAS
// artifact id never collide even for identical bytes.
func ContentDigest(data []byte) Digest {
	return Hash("content", data)
}

// FrameDigest computes FrameID = H(frame_type || canonical(basis) ||
// content_digest || identity_metadata).
func FrameDigest(frameType string, basis BasisDescriptor, contentDigest Digest, identityMetadata map[string]string) Digest {
	e := NewEncoder(tagFrame)
	e.WriteFrameType(frameType)
	e.WriteBasis(basis)
	e.WriteContentDigest(contentDigest)
	e.WriteIdentityMetadata(identityMetadata)
	return e.Sum()
}

// BasisDigest computes hash(canonical_encode(basis)) for Basis Index
// lookups.
func BasisDigest(basis BasisDescriptor) Digest {
	e := NewEncoder("basis-digest")
	e.WriteBasis(basis)
	return e.Sum()
}

// FileDigest streams path through SHA-256 in fixed-size chunks rather
// than reading the whole file into memory, the same approach as
// codenerd's world.calculateHash (internal/world/fs.go) — but it must
// land on the exact same digest ContentDigest(data) would produce for
// the same bytes, since both feed WriteFileBody's content_digest
// input. The length prefix is written once, up front, from the file's
// known size, and the body bytes stream directly into the Encoder's
// hash — not into a separate digest that then gets hashed again.
func FileDigest(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Digest{}, err
	}

	e := NewEncoder("content")
	e.writeUint64(uint64(info.Size()))
	if _, err := io.Copy(e.h, f); err != nil {
		return Digest{}, err
	}
	return e.Sum(), nil
}
