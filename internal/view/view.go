// Package view implements View & Composition (spec §4.11 / C11): a
// read-only, deterministic selection of frames for a node (or a
// broader neighborhood of nodes) according to a ContextView policy.
// Nothing here ever writes — the Shared Write Boundary (internal/
// writeboundary) owns mutation.
package view

import (
	"sort"
	"strings"
	"unicode/utf8"

	"nodeframe/internal/basisindex"
	"nodeframe/internal/framestore"
	"nodeframe/internal/headindex"
	"nodeframe/internal/logging"
	"nodeframe/internal/model"
	"nodeframe/internal/nodestore"
)

// Ordering selects how candidate frames are sorted before truncation.
type Ordering int

const (
	OrderRecency Ordering = iota
	OrderTypeOrder
	OrderAgentOrder
	OrderRelevance
)

// FilterKind discriminates FrameFilter variants.
type FilterKind int

const (
	FilterByType FilterKind = iota
	FilterByAgent
	FilterByDateRange
	FilterIncludeDeleted
)

// FrameFilter is one predicate applied to the candidate frame set.
// Only the fields relevant to Kind are meaningful.
type FrameFilter struct {
	Kind      FilterKind
	Types     []string // FilterByType
	Agents    []string // FilterByAgent
	FromEpoch uint64   // FilterByDateRange
	ToEpoch   uint64   // FilterByDateRange
}

// SourceKind discriminates composition Source variants.
type SourceKind int

const (
	SourceCurrentNode SourceKind = iota
	SourceParentDirectory
	SourceSiblings
	SourceRelatedNodes
)

// Source is one way to broaden which nodes a ContextView draws from.
type Source struct {
	Kind    SourceKind
	Related []model.NodeID // SourceRelatedNodes
}

// ContextView is the full selection policy (spec §4.11).
type ContextView struct {
	MaxFrames int
	Ordering  Ordering
	Filters   []FrameFilter
}

// Selector resolves ContextView policies against the storage planes.
// Every method is read-only.
type Selector struct {
	Nodes  *nodestore.Store
	Heads  *headindex.Index
	Frames *framestore.Store
	Basis  *basisindex.Index
}

// candidate pairs a resolved frame with the node/frame_type it was
// selected under, carried through filtering and ordering.
type candidate struct {
	nodeID    model.NodeID
	frameType string
	frame     *model.Frame
}

// Select runs the full selection algorithm: resolve sources to
// (node_id, frame_type) pairs, fetch each pair's active-head ancestor
// chain, filter, order, and truncate to MaxFrames. Missing frames
// (e.g. purged after the head index still names them) are skipped
// silently, never an error — spec §4.11's explicit contract.
func (s *Selector) Select(nodeID model.NodeID, cv ContextView, sources []Source, frameTypes []string) ([]*model.Frame, error) {
	pairs, err := s.resolveSources(nodeID, sources, frameTypes)
	if err != nil {
		return nil, err
	}

	var candidates []candidate
	for _, p := range pairs {
		if cv.MaxFrames > 0 && len(candidates) >= cv.MaxFrames {
			break
		}
		chain := s.ancestorChain(p.nodeID, p.frameType, cv.MaxFrames-len(candidates))
		for _, f := range chain {
			candidates = append(candidates, candidate{nodeID: p.nodeID, frameType: p.frameType, frame: f})
		}
	}

	candidates = applyFilters(candidates, cv.Filters)
	orderCandidates(candidates, cv.Ordering)

	if cv.MaxFrames > 0 && len(candidates) > cv.MaxFrames {
		candidates = candidates[:cv.MaxFrames]
	}

	out := make([]*model.Frame, len(candidates))
	for i, c := range candidates {
		out[i] = c.frame
	}
	return out, nil
}

type pair struct {
	nodeID    model.NodeID
	frameType string
}

// resolveSources expands sources (broadened beyond the current node)
// into concrete (node_id, frame_type) pairs.
func (s *Selector) resolveSources(nodeID model.NodeID, sources []Source, frameTypes []string) ([]pair, error) {
	if len(sources) == 0 {
		sources = []Source{{Kind: SourceCurrentNode}}
	}

	var nodeIDs []model.NodeID
	for _, src := range sources {
		switch src.Kind {
		case SourceCurrentNode:
			nodeIDs = append(nodeIDs, nodeID)
		case SourceParentDirectory:
			rec, err := s.Nodes.Get(nodeID)
			if err != nil {
				continue
			}
			if rec.Parent != nil {
				nodeIDs = append(nodeIDs, *rec.Parent)
			}
		case SourceSiblings:
			rec, err := s.Nodes.Get(nodeID)
			if err != nil || rec.Parent == nil {
				continue
			}
			parent, err := s.Nodes.Get(*rec.Parent)
			if err != nil {
				continue
			}
			for _, child := range parent.Children {
				if child.ID != nodeID {
					nodeIDs = append(nodeIDs, child.ID)
				}
			}
		case SourceRelatedNodes:
			nodeIDs = append(nodeIDs, src.Related...)
		}
	}

	var pairs []pair
	for _, id := range nodeIDs {
		if len(frameTypes) == 0 {
			heads, err := s.Heads.ListHeads(id)
			if err != nil {
				return nil, err
			}
			for _, h := range heads {
				pairs = append(pairs, pair{nodeID: id, frameType: h.FrameType})
			}
			continue
		}
		for _, ft := range frameTypes {
			pairs = append(pairs, pair{nodeID: id, frameType: ft})
		}
	}
	return pairs, nil
}

// ancestorChain fetches the active head for (nodeID, frameType) and
// walks backward through BasisFrame/BasisBoth basis references to
// collect its history, up to budget frames total (budget <= 0 means
// unbounded — callers with MaxFrames == 0 rely on filters/truncation
// elsewhere).
func (s *Selector) ancestorChain(nodeID model.NodeID, frameType string, budget int) []*model.Frame {
	head, err := s.Heads.GetActive(nodeID, frameType)
	if err != nil {
		return nil
	}

	var chain []*model.Frame
	currentID := head.FrameID
	for budget <= 0 || len(chain) < budget {
		frame, err := s.Frames.Get(currentID)
		if err != nil {
			logging.Get(logging.CategoryView).Debugw("skipping missing frame in ancestor chain", "frame_id", currentID.String(), "err", err)
			break
		}
		chain = append(chain, frame)

		if frame.Basis.Kind != model.BasisFrame && frame.Basis.Kind != model.BasisBoth {
			break
		}
		if frame.Basis.Frame.IsZero() {
			break
		}
		currentID = frame.Basis.Frame
	}
	return chain
}

func applyFilters(candidates []candidate, filters []FrameFilter) []candidate {
	includeDeleted := false
	for _, f := range filters {
		if f.Kind == FilterIncludeDeleted {
			includeDeleted = true
		}
	}
	_ = includeDeleted // Frame deletion (purge) already removes the blob; nothing further to gate on here.

	out := candidates
	for _, f := range filters {
		switch f.Kind {
		case FilterByType:
			out = filterSlice(out, func(c candidate) bool { return containsString(f.Types, c.frameType) })
		case FilterByAgent:
			out = filterSlice(out, func(c candidate) bool { return containsString(f.Agents, agentOf(c.frame)) })
		case FilterByDateRange:
			out = filterSlice(out, func(c candidate) bool {
				t := c.frame.CreatedAt
				if f.FromEpoch != 0 && t < f.FromEpoch {
					return false
				}
				if f.ToEpoch != 0 && t > f.ToEpoch {
					return false
				}
				return true
			})
		}
	}
	return out
}

func filterSlice(in []candidate, keep func(candidate) bool) []candidate {
	var out []candidate
	for _, c := range in {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func agentOf(f *model.Frame) string {
	if v, ok := f.Metadata["agent_id"]; ok {
		return v.Value
	}
	return ""
}

// orderCandidates sorts in place by the policy, breaking ties on the
// canonical key (frame_type, agent_id, frame_id) per spec §4.11.
func orderCandidates(candidates []candidate, ordering Ordering) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		switch ordering {
		case OrderRecency:
			if a.frame.CreatedAt != b.frame.CreatedAt {
				return a.frame.CreatedAt > b.frame.CreatedAt
			}
		case OrderTypeOrder:
			if a.frameType != b.frameType {
				return a.frameType < b.frameType
			}
		case OrderAgentOrder:
			if ag := strings.Compare(agentOf(a.frame), agentOf(b.frame)); ag != 0 {
				return ag < 0
			}
		case OrderRelevance:
			// No relevance scoring model exists in this system (no
			// semantic search component, an explicit Non-goal); falls
			// through to the canonical tiebreak, same as an exact tie
			// under any other ordering.
		}
		return canonicalKey(a) < canonicalKey(b)
	})
}

func canonicalKey(c candidate) string {
	return c.frameType + "\x00" + agentOf(c.frame) + "\x00" + c.frame.FrameID.String()
}

// TextContents returns the UTF-8 decoded content of every frame in
// frames, in order, skipping any frame whose content is not valid
// UTF-8 — spec §4.11's explicit convenience helper contract.
func TextContents(frames []*model.Frame) []string {
	var out []string
	for _, f := range frames {
		if !utf8.Valid(f.Content) {
			continue
		}
		out = append(out, string(f.Content))
	}
	return out
}

// CombinedText joins TextContents(frames) with separator.
func CombinedText(frames []*model.Frame, separator string) string {
	return strings.Join(TextContents(frames), separator)
}
