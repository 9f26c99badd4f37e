// Package genqueue implements the Frame Generation Queue (spec §4.12 /
// C12): a bounded, priority-ordered queue with a per-agent worker pool,
// per-agent concurrency semaphore, and per-agent rate limiter, driving
// the abstract ProviderClient through to a frame commit via the Shared
// Write Boundary.
//
// Modeled on codenerd's internal/core/api_scheduler.go: that scheduler
// gates concurrent API calls behind a channel-backed semaphore with
// per-shard state tracking and a ScheduledLLMCall wrapper; genqueue
// generalizes the same shape to per-agent (rather than global) slots,
// adds priority ordering and retry/backoff, and owns dispatch instead
// of just gating an already-running caller.
package genqueue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"nodeframe/internal/headindex"
	"nodeframe/internal/logging"
	"nodeframe/internal/model"
)

// GenerationRequest is one unit of work: "produce frame_type for
// node_id on behalf of agent_id".
type GenerationRequest struct {
	NodeID     model.NodeID
	AgentID    string
	FrameType  string
	Priority   model.Priority
	RetryCount int
	CreatedAt  uint64
	Force      bool // bypass the already_present admission check
}

// ProviderMessage is one turn in a ProviderClient completion request.
type ProviderMessage struct {
	Role    string
	Content string
}

// ProviderOptions configures a ProviderClient completion call — the
// spec's Open Question on CompletionOptions schema is settled as this
// fixed shape; unsupported fields are logged at debug and ignored by
// a given ProviderClient rather than erroring.
type ProviderOptions struct {
	Model       string
	Temperature float64
	MaxTokens   int
	SystemPrompt string
	Extra       map[string]string
}

// CompletionResult is a provider's answer to a Complete call, text plus
// the identity of whoever produced it. Provider/Model/ProviderType feed
// straight into WriteRequest so the committed frame's attested metadata
// (spec §4.7) can name which backend generated it, not just that one
// did.
type CompletionResult struct {
	Text         string
	Provider     string // vendor/service identifier, e.g. "google-genai"
	Model        string // resolved model name actually used for the call
	ProviderType string // backend class, e.g. "genai", "mock"
}

// ProviderClient is the abstract LLM backend (spec §4.12 step 6).
// internal/provider supplies the concrete binding; genqueue only
// depends on this interface to avoid importing it back.
type ProviderClient interface {
	Complete(ctx context.Context, messages []ProviderMessage, options ProviderOptions) (CompletionResult, error)
}

// AgentRegistry is the subset of internal/agents.Registry genqueue
// needs: synchronous validation at enqueue time, and the prompts a
// worker must have before rendering (spec §4.12 step 4).
type AgentRegistry interface {
	ValidateAgent(agentID string) error
	RequiredPrompts(agentID, frameType string) (systemPrompt, userPromptTemplate string, err error)
}

// ContentResolver resolves a request's payload: file bytes for a file
// node, or synthesized child context for a directory node, per the
// §4.13 payload rule. It also reports the derivation basis the
// resolved content came from (BasisNode for a file read directly off
// disk, BasisSynthesis for a directory's rolled-up child frames), which
// the Shared Write Boundary needs to compute frame_id and to record in
// the Basis Index. internal/orchestrator supplies the concrete
// implementation so genqueue stays ignorant of node kind.
type ContentResolver interface {
	ResolveContent(ctx context.Context, req GenerationRequest) (content []byte, basis model.Basis, err error)
}

// PromptRenderer turns resolved content plus an agent's templates into
// the final prompt text and context payload to be written to the CAS.
type PromptRenderer interface {
	Render(req GenerationRequest, content []byte, systemPrompt, userPromptTemplate string) (prompt string, contextPayload []byte, err error)
}

// ArtifactWriter is the Artifact CAS write path (internal/cas.Store
// satisfies this directly).
type ArtifactWriter interface {
	Put(data []byte) (model.ArtifactID, error)
}

// WriteRequest carries a completed generation result into the Shared
// Write Boundary.
type WriteRequest struct {
	NodeID        model.NodeID
	AgentID       string
	FrameType     string
	Basis         model.Basis
	Content       []byte
	PromptDigest  model.ArtifactID
	ContextDigest model.ArtifactID

	// Provider, Model, and ProviderType identify whoever generated
	// Content (spec §4.7 attested keys "provider"/"model"/
	// "provider_type"); PromptLinkID correlates the committed frame
	// back to the prompt that produced it ("prompt_link_id").
	Provider     string
	Model        string
	ProviderType string
	PromptLinkID string
}

// WriteBoundary is the single point at which a frame becomes visible
// (spec §4.14 / C14). internal/writeboundary supplies the concrete
// implementation.
type WriteBoundary interface {
	Commit(ctx context.Context, req WriteRequest) (*model.Frame, error)
}

// Config tunes the queue. Zero values are replaced with spec defaults
// by New.
type Config struct {
	MaxQueueSize          int
	MaxConcurrentPerAgent int
	WorkersPerAgent       int
	MinDelayMs            int
	MaxRetryAttempts      int
	RetryDelayMs          int
	ProviderOptions       ProviderOptions
}

func (c Config) withDefaults() Config {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 10000
	}
	if c.MaxConcurrentPerAgent <= 0 {
		c.MaxConcurrentPerAgent = 3
	}
	if c.WorkersPerAgent <= 0 {
		c.WorkersPerAgent = 2
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 3
	}
	if c.RetryDelayMs <= 0 {
		c.RetryDelayMs = 500
	}
	return c
}

// Ticket is returned by Enqueue/EnqueueBatch; callers block on it (or
// pass it to WaitForCompletion) to learn the outcome of one request.
type Ticket struct {
	done chan struct{}
	err  error
}

// Err returns the terminal error (nil on success), or nil if the
// request hasn't completed yet.
func (t *Ticket) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// WaitForCompletion blocks until every ticket completes or ctx is
// done. Cancelling ctx only abandons the wait — in-flight work in the
// queue keeps running (spec §4.12's explicit contract).
func WaitForCompletion(ctx context.Context, tickets []*Ticket) error {
	for _, t := range tickets {
		select {
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Stats is a point-in-time snapshot of queue activity.
type Stats struct {
	Enqueued         int64
	Completed        int64
	Dropped          int64
	Retried          int64
	CurrentlyPending int64
}

type counters struct {
	enqueued  int64
	completed int64
	dropped   int64
	retried   int64
}

// item is one queued request plus its enqueue sequence number (the
// FIFO tiebreak) and its ticket.
type item struct {
	req    GenerationRequest
	seq    uint64
	ticket *Ticket
}

// itemHeap orders by priority (higher first), then by seq (FIFO
// within a priority) — seq is a monotonic enqueue counter rather than
// CreatedAt itself so ties can never occur regardless of clock
// resolution.
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority > h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(*item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// rateLimiter enforces a minimum delay between dispatches for one
// agent.
type rateLimiter struct {
	mu            sync.Mutex
	minDelay      time.Duration
	lastRequestAt time.Time
}

func (r *rateLimiter) wait(ctx context.Context) error {
	r.mu.Lock()
	now := time.Now()
	var delay time.Duration
	if !r.lastRequestAt.IsZero() {
		if elapsed := now.Sub(r.lastRequestAt); elapsed < r.minDelay {
			delay = r.minDelay - elapsed
		}
	}
	r.lastRequestAt = now.Add(delay)
	r.mu.Unlock()

	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// agentQueue is one agent's priority queue, concurrency semaphore, and
// rate limiter — the unit spec §4.12 calls "a per-agent worker pool".
type agentQueue struct {
	mu      sync.Mutex
	heap    itemHeap
	sem     *semaphore.Weighted
	limiter *rateLimiter
	signal  chan struct{}
	started bool
}

func (aq *agentQueue) push(it *item) {
	aq.mu.Lock()
	heap.Push(&aq.heap, it)
	aq.mu.Unlock()
	select {
	case aq.signal <- struct{}{}:
	default:
	}
}

func (aq *agentQueue) tryPop() (*item, bool) {
	aq.mu.Lock()
	defer aq.mu.Unlock()
	if len(aq.heap) == 0 {
		return nil, false
	}
	return heap.Pop(&aq.heap).(*item), true
}

// Queue is the Frame Generation Queue.
type Queue struct {
	cfg Config

	heads         *headindex.Index
	agents        AgentRegistry
	resolver      ContentResolver
	renderer      PromptRenderer
	artifacts     ArtifactWriter
	provider      ProviderClient
	writeBoundary WriteBoundary

	mu           sync.Mutex
	perAgent     map[string]*agentQueue
	seq          uint64
	running      bool
	draining     bool
	runCtx       context.Context
	cancel       context.CancelFunc
	totalPending int64

	wg sync.WaitGroup

	stats counters
}

// New wires a Queue against its dependencies. heads may be nil to
// disable the already_present admission check (test convenience).
func New(cfg Config, heads *headindex.Index, agents AgentRegistry, resolver ContentResolver, renderer PromptRenderer, artifacts ArtifactWriter, provider ProviderClient, writeBoundary WriteBoundary) *Queue {
	return &Queue{
		cfg:           cfg.withDefaults(),
		heads:         heads,
		agents:        agents,
		resolver:      resolver,
		renderer:      renderer,
		artifacts:     artifacts,
		provider:      provider,
		writeBoundary: writeBoundary,
		perAgent:      make(map[string]*agentQueue),
	}
}

// Start launches the worker pool. Requests enqueued before Start are
// retained and dispatched once workers come up.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.runCtx, q.cancel = context.WithCancel(ctx)
	q.running = true
	for _, aq := range q.perAgent {
		q.ensureWorkersLocked(aq)
	}
}

// ensureWorkersLocked must be called with q.mu held.
func (q *Queue) ensureWorkersLocked(aq *agentQueue) {
	aq.mu.Lock()
	defer aq.mu.Unlock()
	if aq.started {
		return
	}
	aq.started = true
	for i := 0; i < q.cfg.WorkersPerAgent; i++ {
		q.wg.Add(1)
		go q.runAgentWorker(aq)
	}
}

// Enqueue admits a single request. Admission rules (spec §4.12): an
// unknown agent is rejected synchronously; an (node_id, frame_type)
// with an existing active head is dropped with ErrAlreadyPresent
// unless req.Force; a full buffer returns ErrQueueFull.
func (q *Queue) Enqueue(req GenerationRequest) (*Ticket, error) {
	if q.agents != nil {
		if err := q.agents.ValidateAgent(req.AgentID); err != nil {
			return nil, fmt.Errorf("genqueue: agent %q rejected: %w", req.AgentID, err)
		}
	}
	if !req.Force && q.heads != nil {
		if _, err := q.heads.GetActive(req.NodeID, req.FrameType); err == nil {
			return nil, model.ErrAlreadyPresent
		}
	}

	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return nil, errors.New("genqueue: queue is stopping")
	}
	if atomic.LoadInt64(&q.totalPending) >= int64(q.cfg.MaxQueueSize) {
		q.mu.Unlock()
		return nil, model.ErrQueueFull
	}
	aq, ok := q.perAgent[req.AgentID]
	if !ok {
		aq = &agentQueue{
			sem:     semaphore.NewWeighted(int64(q.cfg.MaxConcurrentPerAgent)),
			limiter: &rateLimiter{minDelay: time.Duration(q.cfg.MinDelayMs) * time.Millisecond},
			signal:  make(chan struct{}, 1),
		}
		q.perAgent[req.AgentID] = aq
	}
	q.seq++
	req.CreatedAt = uint64(time.Now().Unix())
	it := &item{req: req, seq: q.seq, ticket: &Ticket{done: make(chan struct{})}}
	running := q.running
	if running {
		q.ensureWorkersLocked(aq)
	}
	q.mu.Unlock()

	atomic.AddInt64(&q.totalPending, 1)
	atomic.AddInt64(&q.stats.enqueued, 1)
	queueDepth.Set(float64(atomic.LoadInt64(&q.totalPending)))
	requestsTotal.WithLabelValues("enqueued").Inc()
	aq.push(it)
	return it.ticket, nil
}

// EnqueueBatch admits each request in order, stopping (and returning
// the tickets admitted so far, plus the error) at the first rejection.
func (q *Queue) EnqueueBatch(reqs []GenerationRequest) ([]*Ticket, error) {
	tickets := make([]*Ticket, 0, len(reqs))
	for _, req := range reqs {
		t, err := q.Enqueue(req)
		if err != nil {
			return tickets, err
		}
		tickets = append(tickets, t)
	}
	return tickets, nil
}

// Stop drains: no further requests are admitted, every agent's queue
// is worked down to empty, and in-flight requests are allowed to
// finish; only then does Stop return. ctx bounds how long Stop itself
// waits — it does not cancel in-flight generation.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	q.draining = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.stopRunCtx()
		return nil
	case <-ctx.Done():
		q.stopRunCtx()
		return ctx.Err()
	}
}

func (q *Queue) stopRunCtx() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		q.cancel()
	}
}

func (q *Queue) isDraining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

func (q *Queue) runCtxOrBackground() context.Context {
	q.mu.Lock()
	ctx := q.runCtx
	q.mu.Unlock()
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func (q *Queue) runAgentWorker(aq *agentQueue) {
	defer q.wg.Done()
	for {
		it, ok := aq.tryPop()
		if !ok {
			if q.isDraining() {
				return
			}
			select {
			case <-q.runCtxOrBackground().Done():
				return
			case <-aq.signal:
				continue
			case <-time.After(250 * time.Millisecond):
				continue
			}
		}
		q.process(aq, it)
	}
}

// process runs the full per-request worker procedure (spec §4.12
// steps 1-8).
func (q *Queue) process(aq *agentQueue, it *item) {
	ctx := q.runCtxOrBackground()
	req := it.req

	if err := aq.sem.Acquire(ctx, 1); err != nil {
		q.finish(it, err)
		return
	}
	inFlight.WithLabelValues(req.AgentID).Inc()
	defer inFlight.WithLabelValues(req.AgentID).Dec()
	defer aq.sem.Release(1)

	if err := aq.limiter.wait(ctx); err != nil {
		q.finish(it, err)
		return
	}

	content, basis, err := q.resolver.ResolveContent(ctx, req)
	if err != nil {
		q.handleFailure(aq, it, err)
		return
	}

	systemPrompt, userTemplate, err := q.agents.RequiredPrompts(req.AgentID, req.FrameType)
	if err != nil {
		logging.Get(logging.CategoryGenQueue).Errorw("missing required prompts, dropping request",
			"node_id", req.NodeID.String(), "agent_id", req.AgentID, "err", err)
		atomic.AddInt64(&q.stats.dropped, 1)
		atomic.AddInt64(&q.totalPending, -1)
		queueDepth.Set(float64(atomic.LoadInt64(&q.totalPending)))
		requestsTotal.WithLabelValues("dropped").Inc()
		q.finish(it, fmt.Errorf("%w: %v", model.ErrConfigurationError, err))
		return
	}

	prompt, contextPayload, err := q.renderer.Render(req, content, systemPrompt, userTemplate)
	if err != nil {
		q.handleFailure(aq, it, err)
		return
	}

	promptDigest, err := q.artifacts.Put([]byte(prompt))
	if err != nil {
		q.handleFailure(aq, it, err)
		return
	}
	contextDigest, err := q.artifacts.Put(contextPayload)
	if err != nil {
		q.handleFailure(aq, it, err)
		return
	}

	result, err := q.provider.Complete(ctx, []ProviderMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: prompt},
	}, q.cfg.ProviderOptions)
	if err != nil {
		q.handleFailure(aq, it, err)
		return
	}

	// One prompt_link_id per generation, minted here rather than
	// through internal/workflow's PromptLink table: that store is an
	// optional Thread/Turn attachment point, not a prerequisite for
	// every committed frame to carry a correlation id.
	_, err = q.writeBoundary.Commit(ctx, WriteRequest{
		NodeID:        req.NodeID,
		AgentID:       req.AgentID,
		FrameType:     req.FrameType,
		Basis:         basis,
		Content:       []byte(result.Text),
		PromptDigest:  promptDigest,
		ContextDigest: contextDigest,
		Provider:      result.Provider,
		Model:         result.Model,
		ProviderType:  result.ProviderType,
		PromptLinkID:  uuid.New().String(),
	})
	if err != nil {
		q.handleFailure(aq, it, err)
		return
	}

	atomic.AddInt64(&q.stats.completed, 1)
	atomic.AddInt64(&q.totalPending, -1)
	queueDepth.Set(float64(atomic.LoadInt64(&q.totalPending)))
	requestsTotal.WithLabelValues("completed").Inc()
	q.finish(it, nil)
}

// handleFailure applies the retry/backoff policy (spec §4.12 step 8).
func (q *Queue) handleFailure(aq *agentQueue, it *item, err error) {
	if isRetryable(err) && it.req.RetryCount < q.cfg.MaxRetryAttempts {
		it.req.RetryCount++
		backoff := time.Duration(q.cfg.RetryDelayMs) * time.Millisecond * time.Duration(uint64(1)<<uint(it.req.RetryCount))
		atomic.AddInt64(&q.stats.retried, 1)
		requestsTotal.WithLabelValues("retried").Inc()
		logging.Get(logging.CategoryGenQueue).Warnw("retrying generation request",
			"node_id", it.req.NodeID.String(), "agent_id", it.req.AgentID,
			"retry_count", it.req.RetryCount, "backoff", backoff.String(), "err", err)
		time.AfterFunc(backoff, func() { aq.push(it) })
		return
	}

	logging.Get(logging.CategoryGenQueue).Errorw("dropping generation request",
		"node_id", it.req.NodeID.String(), "agent_id", it.req.AgentID, "err", err)
	atomic.AddInt64(&q.stats.dropped, 1)
	atomic.AddInt64(&q.totalPending, -1)
	queueDepth.Set(float64(atomic.LoadInt64(&q.totalPending)))
	requestsTotal.WithLabelValues("dropped").Inc()
	q.finish(it, err)
}

func (q *Queue) finish(it *item, err error) {
	it.ticket.err = err
	close(it.ticket.done)
}

// isRetryable classifies provider errors per spec §4.12 step 8.
// Authentication and model-not-found failures, and configuration
// errors, never succeed on retry; rate limiting and generic transport
// failures do. Anything unrecognized defaults to non-retryable —
// better to drop with a visible error log than spin forever on a
// class of failure this queue has never seen.
func isRetryable(err error) bool {
	var missingChild *model.MissingChildContextError
	switch {
	case errors.Is(err, model.ErrProviderRateLimit), errors.Is(err, model.ErrProviderRequestFailed):
		return true
	case errors.As(err, &missingChild):
		// A directory's child head not yet committed when the parent's
		// payload was assembled (spec §4.13): this resolves itself once
		// the child finishes, so it follows the same retry policy as a
		// transient provider failure.
		return true
	default:
		return false
	}
}

// Stats returns a point-in-time snapshot of queue activity.
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:         atomic.LoadInt64(&q.stats.enqueued),
		Completed:        atomic.LoadInt64(&q.stats.completed),
		Dropped:          atomic.LoadInt64(&q.stats.dropped),
		Retried:          atomic.LoadInt64(&q.stats.retried),
		CurrentlyPending: atomic.LoadInt64(&q.totalPending),
	}
}
