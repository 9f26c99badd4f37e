package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodeframe/internal/model"
)

func TestValidateAgentRejectsUnknown(t *testing.T) {
	r := New()
	err := r.ValidateAgent("ghost")
	assert.Error(t, err)
}

func TestValidateAgentAcceptsRegistered(t *testing.T) {
	r := New()
	r.Register(Identity{AgentID: "writer", Role: model.RoleWriter})
	assert.NoError(t, r.ValidateAgent("writer"))
}

func TestRequiredPromptsReturnsConfigurationErrorWhenMissing(t *testing.T) {
	r := New()
	r.Register(Identity{AgentID: "bare", Role: model.RoleWriter})

	_, _, err := r.RequiredPrompts("bare", "summary")
	assert.ErrorIs(t, err, model.ErrConfigurationError)
}

func TestRequiredPromptsReturnsTemplateForFrameType(t *testing.T) {
	r := New()
	r.Register(Identity{
		AgentID: "writer",
		Role:    model.RoleWriter,
		Prompts: PromptSet{
			SystemPrompt:        "you are a summarizer",
			UserPromptTemplates: map[string]string{"summary": "summarize: {{.Content}}"},
		},
	})

	sys, tmpl, err := r.RequiredPrompts("writer", "summary")
	require.NoError(t, err)
	assert.Equal(t, "you are a summarizer", sys)
	assert.Equal(t, "summarize: {{.Content}}", tmpl)

	_, _, err = r.RequiredPrompts("writer", "review")
	assert.ErrorIs(t, err, model.ErrConfigurationError)
}

func TestHasCapabilityRespectsRoleHierarchy(t *testing.T) {
	r := New()
	r.Register(Identity{AgentID: "reader", Role: model.RoleReader})
	r.Register(Identity{AgentID: "writer", Role: model.RoleWriter})
	r.Register(Identity{AgentID: "synth", Role: model.RoleSynthesis})

	assert.True(t, r.HasCapability("reader", model.RoleReader))
	assert.False(t, r.HasCapability("reader", model.RoleWriter))
	assert.True(t, r.HasCapability("writer", model.RoleWriter))
	assert.False(t, r.HasCapability("writer", model.RoleSynthesis))
	assert.True(t, r.HasCapability("synth", model.RoleWriter))
	assert.True(t, r.HasCapability("synth", model.RoleSynthesis))
}

func TestListAllReturnsAllRegistered(t *testing.T) {
	r := New()
	r.Register(Identity{AgentID: "a"})
	r.Register(Identity{AgentID: "b"})
	assert.Len(t, r.ListAll(), 2)
}
