// Package metadata implements the Metadata Registry (spec §4.7 / C7):
// a typed key registry with four mutability classes that the Shared
// Write Boundary consults to validate every frame write. Modeled on
// codenerd's ShardProfile/CoreLimits pattern of a central, declared
// table of named, typed settings (internal/config's limits.go /
// shard.go), generalized here to a runtime-checked registry instead of
// a config struct.
package metadata

import (
	"fmt"
	"sync"

	"nodeframe/internal/model"
)

// Redaction describes how a value should be rendered when a read path
// lacks the privilege to resolve it in full.
type Redaction int

const (
	RedactionNone Redaction = iota
	RedactionHash           // show only a short digest prefix
	RedactionElide          // omit entirely
)

// KeySpec declares one metadata key's contract.
type KeySpec struct {
	Key             string
	OwnerDomain     string
	SchemaType      string // "string", "digest", "int", "json"
	Class           model.MetadataClass
	HashImpact      bool // true for Identity keys; informational for others
	MaxBytes        int
	Retention       string // free-form description (e.g. "ttl+compaction", "immutable")
	Redaction       Redaction
	DefaultVisible  bool // default_visibility: appears on unprivileged read paths
}

// Registry is the central, typed key table. Safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	keys map[string]KeySpec
}

// New returns a Registry pre-populated with the spec §4.7 bootstrap
// keys (identity: agent_id; attested: provider, model, provider_type,
// prompt_digest, context_digest, prompt_link_id).
func New() *Registry {
	r := &Registry{keys: make(map[string]KeySpec)}
	for _, k := range bootstrapKeys() {
		r.keys[k.Key] = k
	}
	return r
}

func bootstrapKeys() []KeySpec {
	return []KeySpec{
		{
			Key: "agent_id", OwnerDomain: "core", SchemaType: "string",
			Class: model.ClassIdentity, HashImpact: true, MaxBytes: 256,
			Retention: "immutable", Redaction: RedactionNone, DefaultVisible: true,
		},
		{
			Key: "provider", OwnerDomain: "provider", SchemaType: "string",
			Class: model.ClassAttested, HashImpact: false, MaxBytes: 128,
			Retention: "immutable", Redaction: RedactionNone, DefaultVisible: true,
		},
		{
			Key: "model", OwnerDomain: "provider", SchemaType: "string",
			Class: model.ClassAttested, HashImpact: false, MaxBytes: 256,
			Retention: "immutable", Redaction: RedactionNone, DefaultVisible: true,
		},
		{
			Key: "provider_type", OwnerDomain: "provider", SchemaType: "string",
			Class: model.ClassAttested, HashImpact: false, MaxBytes: 64,
			Retention: "immutable", Redaction: RedactionNone, DefaultVisible: true,
		},
		{
			Key: "prompt_digest", OwnerDomain: "provider", SchemaType: "digest",
			Class: model.ClassAttested, HashImpact: false, MaxBytes: 64,
			Retention: "immutable", Redaction: RedactionHash, DefaultVisible: false,
		},
		{
			Key: "context_digest", OwnerDomain: "provider", SchemaType: "digest",
			Class: model.ClassAttested, HashImpact: false, MaxBytes: 64,
			Retention: "immutable", Redaction: RedactionHash, DefaultVisible: false,
		},
		{
			Key: "prompt_link_id", OwnerDomain: "workflow", SchemaType: "string",
			Class: model.ClassAttested, HashImpact: false, MaxBytes: 64,
			Retention: "immutable", Redaction: RedactionNone, DefaultVisible: false,
		},
	}
}

// Register adds or replaces a key's declaration. Intended for
// bootstrap-time extension (a deployment adding its own annotation/
// ephemeral keys), not for runtime mutation of bootstrap keys.
func (r *Registry) Register(spec KeySpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[spec.Key] = spec
}

// Lookup returns the declared spec for key, if any.
func (r *Registry) Lookup(key string) (KeySpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.keys[key]
	return s, ok
}

// forbiddenKeys never pass validation regardless of class — raw prompt
// text and raw context payload may not appear anywhere in frame
// metadata (spec §4.7); only their digests (prompt_digest,
// context_digest) may.
var forbiddenKeys = map[string]bool{
	"raw_prompt":  true,
	"raw_context": true,
	"prompt_text": true,
	"context_text": true,
}

// ValidateWrite checks a proposed (key, class, value) write against the
// registry: unknown identity/attested keys, size-budget violations, and
// forbidden raw-content keys are all rejected. existing reports whether
// this key was already written for the same frame (immutability check);
// callers for Annotation/Ephemeral classes should pass existing=false
// since those classes tolerate repeat writes.
func (r *Registry) ValidateWrite(key string, class model.MetadataClass, value string, existing bool) error {
	if forbiddenKeys[key] {
		return &model.MetadataInvalidError{Key: key, Reason: "raw prompt/context payloads are forbidden in frame metadata"}
	}

	spec, known := r.Lookup(key)

	switch class {
	case model.ClassIdentity, model.ClassAttested:
		if !known {
			return &model.MetadataInvalidError{Key: key, Reason: fmt.Sprintf("unknown %s key", class)}
		}
		if spec.Class != class {
			return &model.MetadataInvalidError{Key: key, Reason: fmt.Sprintf("key declared as %s, written as %s", spec.Class, class)}
		}
		if existing {
			return &model.ImmutableViolationError{Key: key}
		}
		if spec.MaxBytes > 0 && len(value) > spec.MaxBytes {
			return &model.BudgetExceededError{Key: key, Actual: len(value), Limit: spec.MaxBytes}
		}
	case model.ClassAnnotation:
		if known && spec.MaxBytes > 0 && len(value) > spec.MaxBytes {
			return &model.BudgetExceededError{Key: key, Actual: len(value), Limit: spec.MaxBytes}
		}
	case model.ClassEphemeral:
		// never persisted; no budget enforced beyond whatever the
		// in-process caller wants to keep around.
	}
	return nil
}

// VisibleValue renders value for an unprivileged read path, honoring
// the key's redaction rule (this module has no privileged read path).
// Privileged callers should bypass this and read the raw value plus
// resolve the CAS artifact directly; that resolution must be explicit
// and audited per spec §4.7.
func (r *Registry) VisibleValue(key, value string) (string, bool) {
	spec, known := r.Lookup(key)
	if !known {
		return value, true
	}
	if !spec.DefaultVisible {
		return "", false
	}
	switch spec.Redaction {
	case RedactionElide:
		return "", false
	case RedactionHash:
		if len(value) > 12 {
			return value[:12] + "…", true
		}
		return value, true
	default:
		return value, true
	}
}
