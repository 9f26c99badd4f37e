package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"nodeframe/internal/model"
)

func TestBootstrapKeysPresent(t *testing.T) {
	r := New()
	for _, k := range []string{"agent_id", "provider", "model", "provider_type", "prompt_digest", "context_digest", "prompt_link_id"} {
		_, ok := r.Lookup(k)
		assert.True(t, ok, "expected bootstrap key %q", k)
	}
}

func TestValidateWriteRejectsUnknownIdentityKey(t *testing.T) {
	r := New()
	err := r.ValidateWrite("totally_unknown", model.ClassIdentity, "x", false)
	var invalid *model.MetadataInvalidError
	assert.ErrorAs(t, err, &invalid)
}

func TestValidateWriteRejectsForbiddenKey(t *testing.T) {
	r := New()
	err := r.ValidateWrite("raw_prompt", model.ClassAnnotation, "the actual prompt text", false)
	var invalid *model.MetadataInvalidError
	assert.ErrorAs(t, err, &invalid)
}

func TestValidateWriteRejectsImmutableOverwrite(t *testing.T) {
	r := New()
	err := r.ValidateWrite("agent_id", model.ClassIdentity, "agent-1", true)
	var immut *model.ImmutableViolationError
	assert.ErrorAs(t, err, &immut)
}

func TestValidateWriteRejectsOverBudget(t *testing.T) {
	r := New()
	long := make([]byte, 1000)
	err := r.ValidateWrite("provider_type", model.ClassAttested, string(long), false)
	var budget *model.BudgetExceededError
	assert.ErrorAs(t, err, &budget)
}

func TestValidateWriteAcceptsValidAttestedKey(t *testing.T) {
	r := New()
	assert.NoError(t, r.ValidateWrite("provider", model.ClassAttested, "genai", false))
}

func TestVisibleValueRedactsDigests(t *testing.T) {
	r := New()
	_, ok := r.VisibleValue("prompt_digest", "deadbeefdeadbeefdeadbeef")
	assert.False(t, ok, "prompt_digest is not default-visible")
}

func TestVisibleValuePassesThroughUnknownKeys(t *testing.T) {
	r := New()
	v, ok := r.VisibleValue("some_annotation_key", "hello")
	assert.True(t, ok)
	assert.Equal(t, "hello", v)
}
