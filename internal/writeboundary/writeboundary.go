// Package writeboundary implements the Shared Write Boundary (spec
// §4.14 / C14): the single choke point through which a generated or
// attached frame becomes visible to readers. Every write — whether
// from internal/genqueue after a provider completion, or from a
// future direct-attach path — goes through Commit, which checks the
// writer's capability, validates metadata against internal/metadata's
// registry, computes frame_id, and then writes the frame to the Frame
// Store, Head Index, and Basis Index, in that order. The three writes
// are separate calls, not one atomic unit: a failure after the Frame
// Store put leaves the frame stored without its head or basis entry
// until the one internal retry (or a later resubmission) redoes them.
//
// Modeled on codenerd's internal/core/api_scheduler.go in spirit only
// (a single chokepoint wrapping several underlying calls with
// consistent error handling) since the teacher has no direct analogue
// of a multi-store transactional commit; the actual commit sequence
// follows spec §4.14 step by step.
package writeboundary

import (
	"context"
	"errors"
	"fmt"

	"nodeframe/internal/basisindex"
	"nodeframe/internal/cas"
	"nodeframe/internal/framestore"
	"nodeframe/internal/genqueue"
	"nodeframe/internal/hashing"
	"nodeframe/internal/headindex"
	"nodeframe/internal/logging"
	"nodeframe/internal/metadata"
	"nodeframe/internal/model"
)

// CapabilityChecker is the subset of internal/agents.Registry the
// boundary needs to enforce spec §4.14 step 1. Declared locally
// (rather than importing internal/agents) so writeboundary stays free
// of a dependency on how agent identity is stored.
type CapabilityChecker interface {
	HasCapability(agentID string, want model.AgentRole) bool
}

// Boundary is the Shared Write Boundary. Safe for concurrent use: each
// dependency is independently safe for concurrent use, and Commit
// holds no boundary-wide lock of its own (the Head Index already
// serializes its own writers, per spec §4.5).
type Boundary struct {
	frames   *framestore.Store
	heads    *headindex.Index
	basis    *basisindex.Index
	meta     *metadata.Registry
	agents   CapabilityChecker
	artifact *cas.Store
}

// New constructs a Boundary over the given stores.
func New(frames *framestore.Store, heads *headindex.Index, basis *basisindex.Index, meta *metadata.Registry, agents CapabilityChecker, artifacts *cas.Store) *Boundary {
	return &Boundary{frames: frames, heads: heads, basis: basis, meta: meta, agents: agents, artifact: artifacts}
}

// Commit performs the 5-step write (spec §4.14):
//  1. capability check
//  2. metadata validation
//  3. frame_id computation
//  4. Frame Store put, then Head Index set, then Basis Index record
//     (sequential writes, not one transaction)
//  5. durability: framestore.Put fsyncs the frame file and its
//     directory; Commit makes no separate flush of the two indices
//
// Resubmitting a request that hashes to a frame_id already present is
// a no-op success: the existing frame is returned unchanged.
func (b *Boundary) Commit(ctx context.Context, req genqueue.WriteRequest) (*model.Frame, error) {
	timer := logging.StartTimer(logging.CategoryWriteBound, "Commit")
	defer timer.Stop()

	// A rolled-up (directory) frame requires Synthesis capability; a
	// frame derived directly from a node or another frame only
	// requires Writer (spec §4.14 step 1).
	role := model.RoleWriter
	if req.Basis.Kind == model.BasisSynthesis {
		role = model.RoleSynthesis
	}
	if !b.agents.HasCapability(req.AgentID, role) {
		return nil, fmt.Errorf("writeboundary: agent %q lacks %s capability", req.AgentID, role)
	}

	if req.PromptDigest != (model.ArtifactID{}) && !b.artifact.Exists(req.PromptDigest) {
		return nil, &model.ArtifactMissingError{Key: "prompt_digest", ArtifactID: req.PromptDigest}
	}
	if req.ContextDigest != (model.ArtifactID{}) && !b.artifact.Exists(req.ContextDigest) {
		return nil, &model.ArtifactMissingError{Key: "context_digest", ArtifactID: req.ContextDigest}
	}

	metadataValues := map[string]model.MetadataValue{
		"agent_id":       {Class: model.ClassIdentity, Value: req.AgentID},
		"prompt_digest":  {Class: model.ClassAttested, Value: req.PromptDigest.String()},
		"context_digest": {Class: model.ClassAttested, Value: req.ContextDigest.String()},
		"provider":       {Class: model.ClassAttested, Value: req.Provider},
		"model":          {Class: model.ClassAttested, Value: req.Model},
		"provider_type":  {Class: model.ClassAttested, Value: req.ProviderType},
		"prompt_link_id": {Class: model.ClassAttested, Value: req.PromptLinkID},
	}
	for key, v := range metadataValues {
		if err := b.meta.ValidateWrite(key, v.Class, v.Value, false); err != nil {
			return nil, err
		}
	}

	contentDigest := hashing.ContentDigest(req.Content)
	identity := make(map[string]string, len(metadataValues))
	for k, v := range metadataValues {
		if v.Class == model.ClassIdentity {
			identity[k] = v.Value
		}
	}
	frameID := model.FrameID(hashing.FrameDigest(req.FrameType, basisindex.Descriptor(req.Basis), contentDigest, identity))

	if existing, err := b.frames.Get(frameID); err == nil {
		logging.Get(logging.CategoryWriteBound).Debugw("commit is a no-op, frame already present",
			"frame_id", frameID.String(), "node_id", req.NodeID.String())
		return existing, nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("writeboundary: %w: %v", model.ErrStorageIo, err)
	}

	frame := &model.Frame{
		FrameID:   frameID,
		Basis:     req.Basis,
		FrameType: req.FrameType,
		Content:   req.Content,
		Metadata:  metadataValues,
	}

	if err := b.commitTransaction(ctx, frame, req); err != nil {
		return nil, err
	}
	return frame, nil
}

// commitTransaction performs step 4 (the three underlying writes) plus
// a one-shot internal retry on a storage I/O failure — the failure
// taxonomy's StorageIo class is "retryable once internally" by the
// boundary itself before it surfaces to the caller.
func (b *Boundary) commitTransaction(ctx context.Context, frame *model.Frame, req genqueue.WriteRequest) error {
	err := b.writeOnce(frame, req)
	if err == nil {
		return nil
	}
	if !errors.Is(err, model.ErrStorageIo) {
		return err
	}
	logging.Get(logging.CategoryWriteBound).Warnw("storage I/O error committing frame, retrying once",
		"frame_id", frame.FrameID.String(), "err", err)
	if err2 := ctx.Err(); err2 != nil {
		return err
	}
	return b.writeOnce(frame, req)
}

func (b *Boundary) writeOnce(frame *model.Frame, req genqueue.WriteRequest) error {
	if err := b.frames.Put(frame); err != nil {
		if errors.Is(err, model.ErrHashCollision) {
			return err
		}
		return fmt.Errorf("%w: frame store put: %v", model.ErrStorageIo, err)
	}
	if err := b.heads.Set(req.NodeID, req.FrameType, frame.FrameID); err != nil {
		return fmt.Errorf("%w: head index set: %v", model.ErrStorageIo, err)
	}
	if err := b.basis.Record(req.Basis, frame.FrameID); err != nil {
		return fmt.Errorf("%w: basis index record: %v", model.ErrStorageIo, err)
	}
	return nil
}
