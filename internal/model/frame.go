package model

// BasisKind distinguishes the four shapes a Frame's derivation basis
// can take (spec §3).
type BasisKind int

const (
	BasisNode BasisKind = iota
	BasisFrame
	BasisBoth
	BasisSynthesis
)

// Basis records what a Frame was derived from. Exactly the fields
// relevant to Kind are meaningful; canonical_encode (internal/hashing)
// only serializes those.
type Basis struct {
	Kind BasisKind

	Node  NodeID  // BasisNode, BasisBoth, BasisSynthesis
	Frame FrameID // BasisFrame, BasisBoth

	// BasisSynthesis only: the ordered child frames rolled up, and the
	// synthesis policy identifier (opaque to the core, see SPEC_FULL
	// §5 Open Questions).
	OrderedChildFrameIDs []FrameID
	PolicyID             string
}

// MetadataClass is the mutability class of a metadata key (spec §4.7).
type MetadataClass int

const (
	ClassIdentity MetadataClass = iota
	ClassAttested
	ClassAnnotation
	ClassEphemeral
)

func (c MetadataClass) String() string {
	switch c {
	case ClassIdentity:
		return "identity"
	case ClassAttested:
		return "attested"
	case ClassAnnotation:
		return "annotation"
	case ClassEphemeral:
		return "ephemeral"
	default:
		return "unknown"
	}
}

// MetadataValue pairs a raw value with the class it was written under,
// so the Frame Store and write boundary can tell identity-class
// entries (which enter FrameID) from attested/annotation entries
// (which do not).
type MetadataValue struct {
	Class MetadataClass
	Value string
}

// Frame is an immutable, content-addressed record of generated or
// attached content for a node. Frames are never mutated after
// FrameStore.Put succeeds (spec §3).
type Frame struct {
	FrameID   FrameID
	Basis     Basis
	FrameType string
	Content   []byte
	Metadata  map[string]MetadataValue
	CreatedAt uint64 // non-identity
}

// IdentityMetadata returns only the identity-class entries, in the
// form the hasher consumes (sorted by key — see internal/hashing).
func (f *Frame) IdentityMetadata() map[string]string {
	out := make(map[string]string)
	for k, v := range f.Metadata {
		if v.Class == ClassIdentity {
			out[k] = v.Value
		}
	}
	return out
}

// VisibleMetadata returns only keys whose class is visible by default
// (identity, attested, annotation) — excludes ephemeral, which is
// never persisted or surfaced (spec §4.7).
func (f *Frame) VisibleMetadata() map[string]string {
	out := make(map[string]string)
	for k, v := range f.Metadata {
		if v.Class != ClassEphemeral {
			out[k] = v.Value
		}
	}
	return out
}

// artifactMetadataKeys are the attested metadata keys whose value is a
// hex-encoded ArtifactID pointing into the Artifact CAS (spec §4.7
// bootstrap keys: prompt_digest, context_digest). Compact (internal/
// lifecycle) uses this to find artifacts to purge alongside a frame.
var artifactMetadataKeys = []string{"prompt_digest", "context_digest"}

// ReferencedArtifacts returns the ArtifactIDs this frame's metadata
// points at (prompt and context blobs written to the CAS before the
// frame itself was committed). Unparseable or absent entries are
// skipped rather than erroring — a malformed digest here must never
// block compaction of the frame it's attached to.
func (f *Frame) ReferencedArtifacts() []ArtifactID {
	var out []ArtifactID
	for _, key := range artifactMetadataKeys {
		v, ok := f.Metadata[key]
		if !ok {
			continue
		}
		id, err := DigestFromHex(v.Value)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

// HeadEntry is the latest Frame for a given (NodeID, frame_type) pair.
type HeadEntry struct {
	NodeID       NodeID
	FrameType    string
	FrameID      FrameID
	TombstonedAt *uint64
}

// Active reports whether this head is visible to active queries.
func (h *HeadEntry) Active() bool {
	return h.TombstonedAt == nil
}

// Priority orders requests within the Frame Generation Queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// AgentRole is the capability class an agent identity is authorized
// for at the Shared Write Boundary.
type AgentRole int

const (
	RoleReader AgentRole = iota
	RoleWriter
	RoleSynthesis
)

func (r AgentRole) String() string {
	switch r {
	case RoleWriter:
		return "writer"
	case RoleSynthesis:
		return "synthesis"
	default:
		return "reader"
	}
}
