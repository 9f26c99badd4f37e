// Package orchestrator implements the Generation Orchestrator (spec
// §4.13 / C13): builds a level-ordered GenerationPlan over a subtree
// and drives it through the Frame Generation Queue, deepest directories
// first, so a directory's synthesis payload can always be resolved
// from its children's already-committed heads. It also supplies
// genqueue's ContentResolver and PromptRenderer — the two consumer-side
// interfaces genqueue leaves to its caller to fill in (§4.12 steps 3
// and 5) — since node-kind-aware payload resolution belongs with plan
// construction, not inside the generic queue.
package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"text/template"

	"github.com/google/uuid"

	"nodeframe/internal/framestore"
	"nodeframe/internal/genqueue"
	"nodeframe/internal/headindex"
	"nodeframe/internal/logging"
	"nodeframe/internal/model"
	"nodeframe/internal/nodestore"
	"nodeframe/internal/progressbus"
)

// ExecutionMode selects how an Orchestrator drives a plan's levels
// through the queue (spec §4.13 Execution).
type ExecutionMode int

const (
	ModeSync ExecutionMode = iota
	ModeAsync
)

// maxInlineFileBytes bounds how much of a file's content is fed to a
// provider inline; larger files (or content that looks binary) are
// replaced with a placeholder, per spec §4.13's "optionally a
// placeholder for binary content beyond a threshold".
const maxInlineFileBytes = 1 << 20

// GenerationPlan is the input to Execute (spec §4.13).
type GenerationPlan struct {
	Target    model.NodeID
	AgentID   string
	FrameType string
	Recursive bool
	Force     bool
	Mode      ExecutionMode
	Priority  model.Priority
	SessionID string // generated if empty
}

// GenerationResult summarizes a completed (or, in ModeAsync, just-
// submitted) plan execution.
type GenerationResult struct {
	SessionID string
	Levels    int
	Tickets   []*genqueue.Ticket
}

// Orchestrator builds and executes GenerationPlans.
type Orchestrator struct {
	nodes         *nodestore.Store
	heads         *headindex.Index
	frames        *framestore.Store
	queue         *genqueue.Queue
	progress      *progressbus.Bus
	workspaceRoot string
	seq           uint64
}

// New constructs an Orchestrator. workspaceRoot is the directory file
// node paths are resolved relative to.
func New(nodes *nodestore.Store, heads *headindex.Index, frames *framestore.Store, queue *genqueue.Queue, progress *progressbus.Bus, workspaceRoot string) *Orchestrator {
	return &Orchestrator{nodes: nodes, heads: heads, frames: frames, queue: queue, progress: progress, workspaceRoot: workspaceRoot}
}

// SetQueue attaches the queue Execute submits levels to. Separated from
// New because genqueue.Queue and Orchestrator depend on each other
// (the queue's ContentResolver/PromptRenderer are the orchestrator
// itself) — engine wiring constructs the orchestrator first with a nil
// queue, builds the queue against it, then calls SetQueue.
func (o *Orchestrator) SetQueue(q *genqueue.Queue) { o.queue = q }

func (o *Orchestrator) nextSeq() uint64 {
	return atomic.AddUint64(&o.seq, 1)
}

// BuildLevels constructs the level-ordered plan (spec §4.13 Plan
// construction). levels[0] is the deepest level to submit first;
// levels[len-1] always contains exactly the target.
func (o *Orchestrator) BuildLevels(plan GenerationPlan) ([][]*model.NodeRecord, error) {
	target, err := o.nodes.Get(plan.Target)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load target: %w", err)
	}

	if !plan.Recursive || target.Kind == model.KindFile {
		if target.Kind == model.KindDirectory && !plan.Force {
			if err := o.preflightDescendants(target, plan.FrameType); err != nil {
				return nil, err
			}
		}
		return [][]*model.NodeRecord{{target}}, nil
	}

	byDepth, maxDepth, err := o.collectSubtree(target)
	if err != nil {
		return nil, err
	}
	levels := make([][]*model.NodeRecord, 0, maxDepth+1)
	for d := maxDepth; d >= 0; d-- {
		levels = append(levels, byDepth[d])
	}
	return levels, nil
}

// preflightDescendants verifies every descendant of dir has an active
// head of frameType, per spec §4.13's non-recursive, non-forced
// directory preflight.
func (o *Orchestrator) preflightDescendants(dir *model.NodeRecord, frameType string) error {
	byDepth, maxDepth, err := o.collectSubtree(dir)
	if err != nil {
		return err
	}
	var missing []string
	for d := 1; d <= maxDepth; d++ {
		for _, rec := range byDepth[d] {
			if _, err := o.heads.GetActive(rec.NodeID, frameType); err != nil {
				missing = append(missing, rec.Path)
			}
		}
	}
	if len(missing) > 0 {
		return &model.MissingDescendantContextError{Paths: missing}
	}
	return nil
}

// collectSubtree walks target and its descendants, grouping records by
// depth (target is depth 0).
func (o *Orchestrator) collectSubtree(target *model.NodeRecord) (map[int][]*model.NodeRecord, int, error) {
	byDepth := map[int][]*model.NodeRecord{}
	maxDepth := 0

	var walk func(rec *model.NodeRecord, depth int) error
	walk = func(rec *model.NodeRecord, depth int) error {
		byDepth[depth] = append(byDepth[depth], rec)
		if depth > maxDepth {
			maxDepth = depth
		}
		for _, c := range rec.Children {
			child, err := o.nodes.Get(c.ID)
			if err != nil {
				return fmt.Errorf("orchestrator: load child %s of %s: %w", c.Name, rec.Path, err)
			}
			if err := walk(child, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(target, 0); err != nil {
		return nil, 0, err
	}
	return byDepth, maxDepth, nil
}

// Execute builds and runs a plan (spec §4.13 Execution). In ModeSync,
// each level's batch is submitted and fully awaited before the next
// level is submitted. In ModeAsync, every level is submitted up front
// (deepest first, so the queue's own FIFO-within-priority ordering
// still dequeues children before parents); completion events for an
// async run are published from a background goroutine rather than
// blocking Execute's return.
func (o *Orchestrator) Execute(ctx context.Context, plan GenerationPlan) (*GenerationResult, error) {
	sessionID := plan.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	levels, err := o.BuildLevels(plan)
	if err != nil {
		return nil, err
	}

	total := 0
	for _, level := range levels {
		total += len(level)
	}

	var allTickets []*genqueue.Ticket
	for levelIdx, records := range levels {
		tickets, err := o.submitLevel(sessionID, levelIdx, total, records, plan)
		if err != nil {
			return nil, err
		}
		allTickets = append(allTickets, tickets...)

		if plan.Mode == ModeSync {
			waitErr := genqueue.WaitForCompletion(ctx, tickets)
			o.publishOutcomes(sessionID, levelIdx, total, records, tickets)
			if waitErr != nil {
				return nil, waitErr
			}
		} else {
			go func(level int, recs []*model.NodeRecord, tix []*genqueue.Ticket) {
				_ = genqueue.WaitForCompletion(context.Background(), tix)
				o.publishOutcomes(sessionID, level, total, recs, tix)
			}(levelIdx, records, tickets)
		}
	}

	return &GenerationResult{SessionID: sessionID, Levels: len(levels), Tickets: allTickets}, nil
}

func (o *Orchestrator) submitLevel(sessionID string, levelIdx, total int, records []*model.NodeRecord, plan GenerationPlan) ([]*genqueue.Ticket, error) {
	reqs := make([]genqueue.GenerationRequest, len(records))
	for i, rec := range records {
		reqs[i] = genqueue.GenerationRequest{
			NodeID:    rec.NodeID,
			AgentID:   plan.AgentID,
			FrameType: plan.FrameType,
			Priority:  plan.Priority,
			CreatedAt: o.nextSeq(),
			Force:     plan.Force,
		}
		o.publish(sessionID, rec.NodeID, progressbus.PhaseEnqueued, levelIdx, total, nil)
	}
	tickets, err := o.queue.EnqueueBatch(reqs)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: submit level %d: %w", levelIdx, err)
	}
	for _, rec := range records {
		o.publish(sessionID, rec.NodeID, progressbus.PhaseRunning, levelIdx, total, nil)
	}
	return tickets, nil
}

func (o *Orchestrator) publishOutcomes(sessionID string, levelIdx, total int, records []*model.NodeRecord, tickets []*genqueue.Ticket) {
	for i, t := range tickets {
		if i >= len(records) {
			break
		}
		if err := t.Err(); err != nil {
			o.publish(sessionID, records[i].NodeID, progressbus.PhaseFailed, levelIdx, total, err)
		} else {
			o.publish(sessionID, records[i].NodeID, progressbus.PhaseCompleted, levelIdx, total, nil)
		}
	}
}

func (o *Orchestrator) publish(sessionID string, nodeID model.NodeID, phase progressbus.Phase, level, total int, err error) {
	if o.progress == nil {
		return
	}
	o.progress.Publish(progressbus.Event{
		SessionID: sessionID,
		NodeID:    nodeID,
		Phase:     phase,
		Level:     level,
		Total:     total,
		Err:       err,
	})
}

// ResolveContent implements genqueue.ContentResolver: file nodes read
// their bytes off disk; directory nodes synthesize their payload by
// concatenating the same agent's child frames in canonical child
// order (spec §4.13's LLM payload rule).
func (o *Orchestrator) ResolveContent(ctx context.Context, req genqueue.GenerationRequest) ([]byte, model.Basis, error) {
	rec, err := o.nodes.Get(req.NodeID)
	if err != nil {
		return nil, model.Basis{}, fmt.Errorf("orchestrator: resolve content: %w", err)
	}

	if rec.Kind == model.KindFile {
		content, err := o.readFile(rec)
		if err != nil {
			return nil, model.Basis{}, err
		}
		return content, model.Basis{Kind: model.BasisNode, Node: rec.NodeID}, nil
	}
	return o.synthesizeDirectoryPayload(rec, req)
}

func (o *Orchestrator) readFile(rec *model.NodeRecord) ([]byte, error) {
	path := rec.Path
	if o.workspaceRoot != "" {
		path = filepath.Join(o.workspaceRoot, rec.Path)
	}
	data, err := readFileFunc(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", model.ErrStorageIo, rec.Path, err)
	}
	if len(data) > maxInlineFileBytes || looksBinary(data) {
		return []byte(fmt.Sprintf("[content omitted: %s, %d bytes, not inlined]", rec.Path, len(data))), nil
	}
	return data, nil
}

func looksBinary(data []byte) bool {
	probe := data
	if len(probe) > 512 {
		probe = probe[:512]
	}
	return bytes.IndexByte(probe, 0) >= 0
}

func (o *Orchestrator) synthesizeDirectoryPayload(rec *model.NodeRecord, req genqueue.GenerationRequest) ([]byte, model.Basis, error) {
	var buf strings.Builder
	var childFrameIDs []model.FrameID

	for _, child := range rec.Children {
		head, err := o.heads.GetActive(child.ID, req.FrameType)
		if err != nil {
			return nil, model.Basis{}, &model.MissingChildContextError{NodeID: rec.NodeID, ChildPath: child.Name}
		}
		frame, err := o.frames.Get(head.FrameID)
		if err != nil {
			return nil, model.Basis{}, &model.MissingChildContextError{NodeID: rec.NodeID, ChildPath: child.Name}
		}
		if agentID, ok := frame.Metadata["agent_id"]; !ok || agentID.Value != req.AgentID {
			return nil, model.Basis{}, &model.MissingChildContextError{NodeID: rec.NodeID, ChildPath: child.Name}
		}

		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString("## " + child.Name + "\n")
		buf.Write(frame.Content)
		childFrameIDs = append(childFrameIDs, frame.FrameID)
	}

	basis := model.Basis{
		Kind:                 model.BasisSynthesis,
		Node:                 rec.NodeID,
		OrderedChildFrameIDs: childFrameIDs,
		PolicyID:             "concat-v1",
	}
	return []byte(buf.String()), basis, nil
}

// renderData is the template context a user prompt template is
// rendered against.
type renderData struct {
	NodeID    string
	Path      string
	AgentID   string
	FrameType string
	Content   string
}

// Render implements genqueue.PromptRenderer: the user prompt template
// is a text/template rendered against the resolved content, and the
// raw content is written through unmodified as the context payload
// (the artifact that grounds the prompt, kept separate from the
// rendered prompt text so both are independently auditable).
func (o *Orchestrator) Render(req genqueue.GenerationRequest, content []byte, systemPrompt, userPromptTemplate string) (string, []byte, error) {
	tmpl, err := template.New(req.FrameType).Parse(userPromptTemplate)
	if err != nil {
		return "", nil, fmt.Errorf("%w: parse prompt template: %v", model.ErrConfigurationError, err)
	}

	rec, err := o.nodes.Get(req.NodeID)
	path := req.NodeID.String()
	if err == nil {
		path = rec.Path
	}

	data := renderData{
		NodeID:    req.NodeID.String(),
		Path:      path,
		AgentID:   req.AgentID,
		FrameType: req.FrameType,
		Content:   string(content),
	}

	var out bytes.Buffer
	if err := tmpl.Execute(&out, data); err != nil {
		return "", nil, fmt.Errorf("%w: execute prompt template: %v", model.ErrConfigurationError, err)
	}

	logging.Get(logging.CategoryOrchestrator).Debugw("rendered prompt",
		"node_id", req.NodeID.String(), "agent_id", req.AgentID, "frame_type", req.FrameType, "bytes", out.Len())

	return out.String(), content, nil
}

// readFileFunc is a package variable so tests can stub disk access
// without needing a real workspace tree on disk.
var readFileFunc = os.ReadFile
