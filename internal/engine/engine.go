// Package engine wires every subsystem spec §2 names into one running
// workspace instance: it is where internal/config's QueueConfig,
// ProviderConfig, and AgentConfig sections become a live
// genqueue.Queue, a registered internal/agents.Registry, a configured
// internal/provider.Client, and an internal/writeboundary.Boundary,
// and where the data directory's on-disk layout (spec §3's storage
// planes) is created and opened. cmd/nodeframe builds one Engine at
// startup and drives every subcommand through it — the same
// single-entry-point shape codenerd's cmd/ binaries use for their
// bootstrap.Init.
package engine

import (
	"context"
	"fmt"
	"path/filepath"

	"nodeframe/internal/agents"
	"nodeframe/internal/basisindex"
	"nodeframe/internal/cas"
	"nodeframe/internal/config"
	"nodeframe/internal/framestore"
	"nodeframe/internal/genqueue"
	"nodeframe/internal/headindex"
	"nodeframe/internal/ignore"
	"nodeframe/internal/lifecycle"
	"nodeframe/internal/logging"
	"nodeframe/internal/metadata"
	"nodeframe/internal/model"
	"nodeframe/internal/nodestore"
	"nodeframe/internal/orchestrator"
	"nodeframe/internal/progressbus"
	"nodeframe/internal/provider"
	"nodeframe/internal/view"
	"nodeframe/internal/workflow"
	"nodeframe/internal/writeboundary"
)

// Engine owns every open store and service for one workspace. Callers
// (cmd/nodeframe) reach all ten-plus components through its fields
// rather than re-deriving their wiring.
type Engine struct {
	Config *config.Config

	WorkspaceRoot string
	DataDir       string

	Nodes     *nodestore.Store
	Heads     *headindex.Index
	Basis     *basisindex.Index
	Frames    *framestore.Store
	Artifacts *cas.Store
	Metadata  *metadata.Registry
	Workflow  *workflow.Store

	Agents       *agents.Registry
	Lifecycle    *lifecycle.Service
	View         *view.Selector
	Progress     *progressbus.Bus
	Orchestrator *orchestrator.Orchestrator
	Queue        *genqueue.Queue
	Provider     provider.Client
}

// Open creates (if necessary) and opens every storage plane under
// workspaceRoot/cfg.DataDir, registers agents from cfg.Agents, builds
// the provider client cfg.Provider names, and wires the Frame
// Generation Queue and Generation Orchestrator on top. The queue is
// constructed but not started — call Start once the caller is ready to
// accept generation work.
func Open(ctx context.Context, workspaceRoot string, cfg *config.Config) (*Engine, error) {
	if err := logging.Configure(logging.Config{
		DebugMode:  cfg.Logging.DebugMode,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return nil, fmt.Errorf("engine: configure logging: %w", err)
	}

	dataDir := cfg.DataDir
	if !filepath.IsAbs(dataDir) {
		dataDir = filepath.Join(workspaceRoot, dataDir)
	}

	nodes, err := nodestore.Open(filepath.Join(dataDir, "nodes.db"))
	if err != nil {
		return nil, fmt.Errorf("engine: open node store: %w", err)
	}
	heads, err := headindex.Open(filepath.Join(dataDir, "heads.db"))
	if err != nil {
		return nil, fmt.Errorf("engine: open head index: %w", err)
	}
	basis, err := basisindex.Open(filepath.Join(dataDir, "basis.db"))
	if err != nil {
		return nil, fmt.Errorf("engine: open basis index: %w", err)
	}
	frames, err := framestore.New(filepath.Join(dataDir, "frames"), 1024)
	if err != nil {
		return nil, fmt.Errorf("engine: open frame store: %w", err)
	}
	artifacts, err := cas.New(
		filepath.Join(dataDir, "artifacts"), 1024,
		cas.WithMaxBytes(maxInt(cfg.Metadata.PromptArtifactMaxBytes, cfg.Metadata.ContextArtifactMaxBytes)),
	)
	if err != nil {
		return nil, fmt.Errorf("engine: open artifact CAS: %w", err)
	}
	wf, err := workflow.Open(filepath.Join(dataDir, "workflow", "workflow.db"))
	if err != nil {
		return nil, fmt.Errorf("engine: open workflow store: %w", err)
	}

	meta := metadata.New()
	registry := buildAgentRegistry(cfg.Agents)

	wb := writeboundary.New(frames, heads, basis, meta, registry, artifacts)

	progress := progressbus.New()
	orch := orchestrator.New(nodes, heads, frames, nil, progress, workspaceRoot)

	providerClient, err := buildProvider(ctx, cfg.Provider)
	if err != nil {
		nodes.Close()
		heads.Close()
		basis.Close()
		wf.Close()
		return nil, err
	}

	queue := genqueue.New(genqueue.Config{
		MaxQueueSize:          cfg.Queue.MaxQueueSize,
		MaxConcurrentPerAgent: cfg.Queue.MaxConcurrentPerAgent,
		WorkersPerAgent:       cfg.Queue.WorkersPerAgent,
		MinDelayMs:            cfg.Queue.MinDelayMs,
		MaxRetryAttempts:      cfg.Queue.MaxRetries,
	}, heads, registry, orch, orch, artifacts, providerClient, wb)
	orch.SetQueue(queue)

	lc := &lifecycle.Service{
		WorkspaceRoot: workspaceRoot,
		DataDir:       dataDir,
		Nodes:         nodes,
		Heads:         heads,
		Basis:         basis,
		Frames:        frames,
		CAS:           artifacts,
	}

	selector := &view.Selector{Nodes: nodes, Heads: heads, Frames: frames, Basis: basis}

	return &Engine{
		Config:        cfg,
		WorkspaceRoot: workspaceRoot,
		DataDir:       dataDir,
		Nodes:         nodes,
		Heads:         heads,
		Basis:         basis,
		Frames:        frames,
		Artifacts:     artifacts,
		Metadata:      meta,
		Workflow:      wf,
		Agents:        registry,
		Lifecycle:     lc,
		View:          selector,
		Progress:      progress,
		Orchestrator:  orch,
		Queue:         queue,
		Provider:      providerClient,
	}, nil
}

// BuildIgnoreFilter constructs the ignore filter for this engine's
// workspace (spec §4.8 / C8), layered with cfg.Ignore.ExtraPatterns.
func (e *Engine) BuildIgnoreFilter() (*ignore.Filter, error) {
	filter, err := ignore.Build(e.WorkspaceRoot, e.DataDir)
	if err != nil {
		return nil, fmt.Errorf("engine: build ignore filter: %w", err)
	}
	for _, p := range e.Config.Ignore.ExtraPatterns {
		filter.AddExtra(p)
	}
	return filter, nil
}

// Start begins accepting and processing generation requests.
func (e *Engine) Start(ctx context.Context) { e.Queue.Start(ctx) }

// Close drains the queue, then closes every open store. ctx bounds how
// long the drain may take.
func (e *Engine) Close(ctx context.Context) error {
	if err := e.Queue.Stop(ctx); err != nil {
		logging.Get(logging.CategoryEngine).Warnw("queue did not drain cleanly", "err", err)
	}
	e.Progress.Close()

	var firstErr error
	for _, closer := range []func() error{e.Nodes.Close, e.Heads.Close, e.Basis.Close, e.Workflow.Close} {
		if err := closer(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func buildAgentRegistry(entries []config.AgentConfig) *agents.Registry {
	registry := agents.New()
	for _, a := range entries {
		registry.Register(agents.Identity{
			AgentID: a.AgentID,
			Role:    parseRole(a.Role),
			Prompts: agents.PromptSet{
				SystemPrompt:        a.SystemPrompt,
				UserPromptTemplates: a.UserPromptTemplates,
			},
		})
	}
	return registry
}

func parseRole(s string) model.AgentRole {
	switch s {
	case "writer":
		return model.RoleWriter
	case "synthesis":
		return model.RoleSynthesis
	default:
		return model.RoleReader
	}
}

func buildProvider(ctx context.Context, cfg config.ProviderConfig) (provider.Client, error) {
	switch cfg.Type {
	case "mock":
		return &provider.MockClient{}, nil
	case "genai", "":
		client, err := provider.NewGenAIClient(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("engine: build provider client: %w", err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("engine: unknown provider type %q", cfg.Type)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
