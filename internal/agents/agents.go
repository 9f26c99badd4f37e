// Package agents is the in-core stand-in for the abstract agent
// identity registry spec §1 names as an external collaborator. A real
// deployment's registry is out of scope for the core; this package
// gives the rest of nodeframe (genqueue, writeboundary) something to
// compile and test against, and is a reasonable default for a
// single-process CLI invocation.
package agents

import (
	"fmt"
	"sort"
	"sync"

	"nodeframe/internal/model"
)

// PromptSet is the minimum an agent needs to drive a generation
// request: a system prompt shared across frame types, and a
// frame-type-keyed user prompt template (spec §4.12 step 4's "system
// prompt, file-or-directory user prompt template").
type PromptSet struct {
	SystemPrompt        string
	UserPromptTemplates map[string]string // frame_type -> template
}

// Identity is one registered agent.
type Identity struct {
	AgentID string
	Role    model.AgentRole
	Prompts PromptSet
}

// Registry is a concurrency-safe, in-memory agent identity table. It
// satisfies genqueue.AgentRegistry and writeboundary's capability
// check.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]Identity
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{byID: make(map[string]Identity)}
}

// Register adds or replaces an agent identity.
func (r *Registry) Register(id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[id.AgentID] = id
}

// Get returns a registered identity.
func (r *Registry) Get(agentID string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byID[agentID]
	return id, ok
}

// ListAll returns every registered identity, sorted by agent_id for
// deterministic iteration.
func (r *Registry) ListAll() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Identity, 0, len(r.byID))
	for _, id := range r.byID {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// ValidateAgent implements genqueue.AgentRegistry: an enqueue is
// rejected synchronously if the agent isn't registered.
func (r *Registry) ValidateAgent(agentID string) error {
	if _, ok := r.Get(agentID); !ok {
		return fmt.Errorf("agents: %q is not registered", agentID)
	}
	return nil
}

// RequiredPrompts implements genqueue.AgentRegistry: a missing system
// prompt or frame-type template is a ConfigurationError, non-retryable
// per spec §4.12 step 4.
func (r *Registry) RequiredPrompts(agentID, frameType string) (string, string, error) {
	id, ok := r.Get(agentID)
	if !ok {
		return "", "", fmt.Errorf("%w: agent %q not registered", model.ErrConfigurationError, agentID)
	}
	if id.Prompts.SystemPrompt == "" {
		return "", "", fmt.Errorf("%w: agent %q has no system prompt", model.ErrConfigurationError, agentID)
	}
	tmpl, ok := id.Prompts.UserPromptTemplates[frameType]
	if !ok || tmpl == "" {
		return "", "", fmt.Errorf("%w: agent %q has no user prompt template for frame_type %q", model.ErrConfigurationError, agentID, frameType)
	}
	return id.Prompts.SystemPrompt, tmpl, nil
}

// HasCapability reports whether agentID is registered with at least
// the given role (writeboundary's capability check, spec §4.14 step 1).
func (r *Registry) HasCapability(agentID string, want model.AgentRole) bool {
	id, ok := r.Get(agentID)
	if !ok {
		return false
	}
	switch want {
	case model.RoleReader:
		return true
	case model.RoleWriter:
		return id.Role == model.RoleWriter || id.Role == model.RoleSynthesis
	case model.RoleSynthesis:
		return id.Role == model.RoleSynthesis
	default:
		return false
	}
}
