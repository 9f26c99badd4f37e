// Package model holds the data types shared by every storage and
// orchestration component: identifiers, node/frame records, bases, and
// the typed error kinds that cross component boundaries.
package model

import "encoding/hex"

// digestSize is the width of every identifier in this package: SHA-256,
// 256 bits / 32 bytes.
const digestSize = 32

// Digest is a 256-bit cryptographic hash. NodeID, FrameID and
// ArtifactID are all Digest values distinguished only by which domain
// tag fed the hasher that produced them (see internal/hashing).
type Digest [digestSize]byte

// String renders the digest as lowercase hex, the form used for
// content-addressed filesystem paths and log output.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the all-zero digest (never a valid
// content hash; used as a sentinel for "absent").
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// ShardPrefix returns the two hex characters used as the first-level
// shard directory in a content-addressed filesystem layout.
func (d Digest) ShardPrefix() string {
	return hex.EncodeToString(d[:1])
}

// DigestFromHex parses a hex string produced by Digest.String.
func DigestFromHex(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, err
	}
	if len(b) != digestSize {
		return d, ErrInvalidDigestLength
	}
	copy(d[:], b)
	return d, nil
}

// NodeID identifies a NodeRecord. Deterministic function of the
// record's identity-bearing fields (see Hasher contract in
// internal/hashing).
type NodeID = Digest

// FrameID identifies an immutable Frame.
type FrameID = Digest

// ArtifactID identifies a blob in the Artifact CAS.
type ArtifactID = Digest
