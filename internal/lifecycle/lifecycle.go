// Package lifecycle implements the Lifecycle Service (spec §4.10 / C10):
// the authoritative owner of workspace-level operations — scan,
// validate, delete (tombstone), restore, compact, and list-deleted —
// over the Node Store, Head Index, Basis Index, Frame Store, and
// Artifact CAS. Each operation runs under the workspace lock, but its
// store writes are separate calls made in sequence, not one
// transaction: an error part-way leaves the writes already made in
// place.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"nodeframe/internal/basisindex"
	"nodeframe/internal/cas"
	"nodeframe/internal/framestore"
	"nodeframe/internal/headindex"
	"nodeframe/internal/ignore"
	"nodeframe/internal/logging"
	"nodeframe/internal/model"
	"nodeframe/internal/nodestore"
	"nodeframe/internal/treebuilder"
)

const defaultTTLSeconds = 90 * 24 * 60 * 60

// Service wires together the storage planes that a workspace-level
// operation touches. Concurrency discipline follows spec §4.10/§6: a
// single workspace-writer lock is held for the duration of scan,
// delete, restore, or compact; queries (Validate, ListDeleted) proceed
// under a reader lock. An in-process sync.RWMutex is sufficient here —
// same reasoning as internal/headindex's write mutex — because every
// caller in this system shares one process; see DESIGN.md.
type Service struct {
	WorkspaceRoot string
	DataDir       string

	Nodes  *nodestore.Store
	Heads  *headindex.Index
	Basis  *basisindex.Index
	Frames *framestore.Store
	CAS    *cas.Store

	mu sync.RWMutex
}

// ScanResult summarizes a completed scan.
type ScanResult struct {
	RootID     model.NodeID
	NodesTotal int
}

// Scan builds the ignore filter, walks the workspace with the Tree
// Builder, and commits every produced record to the Node Store in one
// pass. It never writes the ignore list itself.
func (s *Service) Scan(ctx context.Context, cache *treebuilder.FileCache, sink treebuilder.ProgressSink) (*ScanResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer := logging.StartTimer(logging.CategoryLifecycle, "Scan")
	defer timer.Stop()

	filter, err := ignore.Build(s.WorkspaceRoot, s.DataDir)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: build ignore filter: %w", err)
	}

	result, err := treebuilder.Scan(ctx, s.WorkspaceRoot, filter, cache, sink)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: scan: %w", err)
	}

	if err := treebuilder.Commit(s.Nodes, result); err != nil {
		return nil, fmt.Errorf("lifecycle: commit scan: %w", err)
	}

	return &ScanResult{RootID: result.RootID, NodesTotal: len(result.Records)}, nil
}

// ValidationReport is Validate's output: structural integrity errors
// and warnings plus basic counting metrics.
type ValidationReport struct {
	Errors   []string
	Warnings []string
	Metrics  map[string]int
}

// Validate verifies structural integrity across the Node Store, Head
// Index, and Basis Index: every directory child reference resolves,
// every active head references an existing frame, and every such
// frame's basis node reference resolves (tombstoned nodes are fine).
// Basis Index entries are not checked against the Frame Store.
func (s *Service) Validate() (*ValidationReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	timer := logging.StartTimer(logging.CategoryLifecycle, "Validate")
	defer timer.Stop()

	report := &ValidationReport{Metrics: map[string]int{}}

	active, err := s.Nodes.ListActive()
	if err != nil {
		return nil, fmt.Errorf("lifecycle: list active nodes: %w", err)
	}
	tombstoned, err := s.Nodes.ListTombstoned()
	if err != nil {
		return nil, fmt.Errorf("lifecycle: list tombstoned nodes: %w", err)
	}
	all := append(append([]*model.NodeRecord{}, active...), tombstoned...)
	report.Metrics["nodes_active"] = len(active)
	report.Metrics["nodes_tombstoned"] = len(tombstoned)

	for _, rec := range all {
		for _, child := range rec.Children {
			if _, err := s.Nodes.Get(child.ID); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("node %s: missing child %s (%s)", rec.NodeID, child.Name, child.ID))
			}
		}
	}

	for _, rec := range active {
		heads, err := s.Heads.ListHeads(rec.NodeID)
		if err != nil {
			return nil, fmt.Errorf("lifecycle: list heads for %s: %w", rec.NodeID, err)
		}
		for _, h := range heads {
			if !h.Active() {
				continue
			}
			report.Metrics["heads_checked"]++
			frame, err := s.Frames.Get(h.FrameID)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("head %s/%s: missing frame %s", rec.NodeID, h.FrameType, h.FrameID))
				continue
			}
			if frame.Basis.Node != (model.NodeID{}) {
				if _, err := s.Nodes.Get(frame.Basis.Node); err != nil {
					report.Warnings = append(report.Warnings, fmt.Sprintf("frame %s: basis node %s not found", h.FrameID, frame.Basis.Node))
				}
			}
		}
	}

	return report, nil
}

// DeleteResult reports how many nodes were affected by a Delete call.
type DeleteResult struct {
	TombstonedCount int
	DryRun          bool
}

// Delete tombstones nodeID and every descendant reachable through
// Children, idempotent when the target is already tombstoned. Unless
// noIgnore is set, the target's workspace path is appended to the
// ignore list so a future scan doesn't resurrect it.
func (s *Service) Delete(nodeID model.NodeID, dryRun, noIgnore bool) (*DeleteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer := logging.StartTimer(logging.CategoryLifecycle, "Delete")
	defer timer.Stop()

	target, err := s.Nodes.Get(nodeID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: resolve delete target: %w", err)
	}
	if !target.Active() {
		return &DeleteResult{TombstonedCount: 0}, nil
	}

	closure, err := s.collectDescendants(nodeID)
	if err != nil {
		return nil, err
	}

	if dryRun {
		return &DeleteResult{TombstonedCount: len(closure), DryRun: true}, nil
	}

	now := uint64(time.Now().Unix())
	for _, id := range closure {
		if err := s.Nodes.Tombstone(id, now); err != nil && err != model.ErrAlreadyTombstoned {
			return nil, fmt.Errorf("lifecycle: tombstone %s: %w", id, err)
		}
		if err := s.Heads.TombstoneHeadsForNode(id, now); err != nil {
			return nil, fmt.Errorf("lifecycle: tombstone heads for %s: %w", id, err)
		}
	}

	if !noIgnore {
		if err := ignore.AddPattern(s.DataDir, target.Path); err != nil {
			return nil, fmt.Errorf("lifecycle: append ignore list: %w", err)
		}
	}

	return &DeleteResult{TombstonedCount: len(closure)}, nil
}

// Restore is the inverse of Delete: it clears tombstoned_at on nodeID
// and every descendant, and removes the node's path from the ignore
// list.
func (s *Service) Restore(nodeID model.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer := logging.StartTimer(logging.CategoryLifecycle, "Restore")
	defer timer.Stop()

	target, err := s.Nodes.Get(nodeID)
	if err != nil {
		return fmt.Errorf("lifecycle: resolve restore target: %w", err)
	}

	closure, err := s.collectDescendants(nodeID)
	if err != nil {
		return err
	}

	for _, id := range closure {
		if err := s.Nodes.Restore(id); err != nil && err != model.ErrNotTombstoned {
			return fmt.Errorf("lifecycle: restore %s: %w", id, err)
		}
		if err := s.Heads.RestoreHeadsForNode(id); err != nil {
			return fmt.Errorf("lifecycle: restore heads for %s: %w", id, err)
		}
	}

	return ignore.RemovePattern(s.DataDir, target.Path)
}

// collectDescendants walks the node's Children references via DFS,
// including nodeID itself. It is used by both Delete and Restore — the
// closure is identical, only the operation applied to each id differs.
func (s *Service) collectDescendants(nodeID model.NodeID) ([]model.NodeID, error) {
	var closure []model.NodeID
	var walk func(model.NodeID) error
	walk = func(id model.NodeID) error {
		rec, err := s.Nodes.Get(id)
		if err != nil {
			return fmt.Errorf("lifecycle: resolve %s during descendant collection: %w", id, err)
		}
		closure = append(closure, id)
		for _, child := range rec.Children {
			if err := walk(child.ID); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(nodeID); err != nil {
		return nil, err
	}
	return closure, nil
}

// CompactOptions configures Compact.
type CompactOptions struct {
	// TTLSeconds overrides the default retention window. nil means
	// "caller didn't set one, use the default (90 days)"; a non-nil
	// pointer to 0 means expire immediately — the two must stay
	// distinguishable so compact(ttl_seconds=0) can actually mean
	// "expire now" rather than silently falling back to the default.
	TTLSeconds *uint64
	All        bool // cutoff = now, ignoring TTLSeconds
	KeepFrames bool // skip purging frame blobs and artifacts
	DryRun     bool
}

// CompactResult reports what Compact purged (or would purge, if DryRun).
type CompactResult struct {
	NodesPurged  int
	FramesPurged int
	DryRun       bool
}

// Compact purges tombstoned nodes older than the cutoff: unless
// KeepFrames, their head frames and referenced artifacts are purged
// first, then the head-index tombstones, then the node record itself.
func (s *Service) Compact(opts CompactOptions) (*CompactResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer := logging.StartTimer(logging.CategoryLifecycle, "Compact")
	defer timer.Stop()

	now := uint64(time.Now().Unix())
	ttl := uint64(defaultTTLSeconds)
	if opts.TTLSeconds != nil {
		ttl = *opts.TTLSeconds
	}
	cutoff := now
	if !opts.All {
		if ttl > now {
			cutoff = 0
		} else {
			cutoff = now - ttl
		}
	}

	tombstoned, err := s.Nodes.ListTombstoned()
	if err != nil {
		return nil, fmt.Errorf("lifecycle: list tombstoned: %w", err)
	}

	result := &CompactResult{DryRun: opts.DryRun}
	for _, rec := range tombstoned {
		if rec.TombstonedAt == nil || *rec.TombstonedAt > cutoff {
			continue
		}

		if !opts.KeepFrames {
			heads, err := s.Heads.ListHeads(rec.NodeID)
			if err != nil {
				return nil, fmt.Errorf("lifecycle: list heads for compact %s: %w", rec.NodeID, err)
			}
			for _, h := range heads {
				if !opts.DryRun {
					if err := s.purgeFrameAndArtifacts(h.FrameID); err != nil {
						return nil, err
					}
				}
				result.FramesPurged++
			}
		}

		if !opts.DryRun {
			if err := s.Heads.PurgeForNode(rec.NodeID); err != nil {
				return nil, fmt.Errorf("lifecycle: purge head index entries for %s: %w", rec.NodeID, err)
			}
			if err := s.Nodes.Purge(rec.NodeID); err != nil {
				return nil, fmt.Errorf("lifecycle: purge node %s: %w", rec.NodeID, err)
			}
		}
		result.NodesPurged++
	}

	return result, nil
}

func (s *Service) purgeFrameAndArtifacts(frameID model.FrameID) error {
	frame, err := s.Frames.Get(frameID)
	if err == nil {
		for _, artifactID := range frame.ReferencedArtifacts() {
			if err := s.CAS.Purge(artifactID); err != nil {
				return fmt.Errorf("lifecycle: purge artifact %s: %w", artifactID, err)
			}
		}
	} else if !errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("lifecycle: read frame %s before purge: %w", frameID, err)
	}

	if err := s.Basis.DeleteForFrame(frameID); err != nil {
		return fmt.Errorf("lifecycle: delete basis entries for frame %s: %w", frameID, err)
	}
	if err := s.Frames.Purge(frameID); err != nil && !errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("lifecycle: purge frame %s: %w", frameID, err)
	}
	return nil
}

// DeletedSummary is one entry in ListDeleted's output.
type DeletedSummary struct {
	NodeID       model.NodeID
	Path         string
	TombstonedAt uint64
}

// ListDeleted returns tombstoned nodes, optionally filtered to those
// tombstoned at or before olderThan (0 disables the filter), ordered by
// path for deterministic output.
func (s *Service) ListDeleted(olderThan uint64) ([]DeletedSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tombstoned, err := s.Nodes.ListTombstoned()
	if err != nil {
		return nil, fmt.Errorf("lifecycle: list tombstoned: %w", err)
	}

	var out []DeletedSummary
	for _, rec := range tombstoned {
		if olderThan != 0 && (rec.TombstonedAt == nil || *rec.TombstonedAt > olderThan) {
			continue
		}
		var at uint64
		if rec.TombstonedAt != nil {
			at = *rec.TombstonedAt
		}
		out = append(out, DeletedSummary{NodeID: rec.NodeID, Path: rec.Path, TombstonedAt: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
