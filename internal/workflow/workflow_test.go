package workflow

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodeframe/internal/model"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "workflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStartThreadThenGetThread(t *testing.T) {
	s := newStore(t)
	node := model.Digest{0x01}

	thread, err := s.StartThread("regen", node, 100)
	require.NoError(t, err)
	assert.NotEmpty(t, thread.ThreadID)
	assert.Equal(t, ThreadRunning, thread.Status)

	got, err := s.GetThread(thread.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, node, got.TargetNodeID)
	assert.Equal(t, "regen", got.WorkflowID)
}

func TestGetThreadMissingReturnsNotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.GetThread("ghost")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSetThreadStatusUpdatesExistingThread(t *testing.T) {
	s := newStore(t)
	thread, err := s.StartThread("regen", model.Digest{0x01}, 100)
	require.NoError(t, err)

	require.NoError(t, s.SetThreadStatus(thread.ThreadID, ThreadCompleted, 200))

	got, err := s.GetThread(thread.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, ThreadCompleted, got.Status)
	assert.EqualValues(t, 200, got.UpdatedAt)
}

func TestSetThreadStatusMissingReturnsNotFound(t *testing.T) {
	s := newStore(t)
	assert.ErrorIs(t, s.SetThreadStatus("ghost", ThreadFailed, 1), model.ErrNotFound)
}

func TestRecordTurnThenListTurnsInSeqOrder(t *testing.T) {
	s := newStore(t)
	thread, err := s.StartThread("regen", model.Digest{0x01}, 100)
	require.NoError(t, err)

	require.NoError(t, s.RecordTurn(Turn{
		ThreadID: thread.ThreadID, TurnID: "t2", TurnSeq: 2, TurnType: "generate",
		Status: TurnCompleted, InputArtifactIDs: []model.ArtifactID{{0x01}, {0x02}}, OutputArtifactID: model.Digest{0x03},
	}))
	require.NoError(t, s.RecordTurn(Turn{
		ThreadID: thread.ThreadID, TurnID: "t1", TurnSeq: 1, TurnType: "generate", Status: TurnFailed, Error: "boom",
	}))

	turns, err := s.ListTurns(thread.ThreadID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "t1", turns[0].TurnID)
	assert.Equal(t, "boom", turns[0].Error)
	assert.Equal(t, "t2", turns[1].TurnID)
	assert.Equal(t, []model.ArtifactID{{0x01}, {0x02}}, turns[1].InputArtifactIDs)
}

func TestRecordTurnIsUpsertByID(t *testing.T) {
	s := newStore(t)
	thread, err := s.StartThread("regen", model.Digest{0x01}, 100)
	require.NoError(t, err)

	require.NoError(t, s.RecordTurn(Turn{ThreadID: thread.ThreadID, TurnID: "t1", TurnSeq: 1, Status: TurnRunning}))
	require.NoError(t, s.RecordTurn(Turn{ThreadID: thread.ThreadID, TurnID: "t1", TurnSeq: 1, Status: TurnCompleted}))

	turns, err := s.ListTurns(thread.ThreadID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, TurnCompleted, turns[0].Status)
}

func TestRecordGateThenListGates(t *testing.T) {
	s := newStore(t)
	thread, err := s.StartThread("regen", model.Digest{0x01}, 100)
	require.NoError(t, err)
	require.NoError(t, s.RecordTurn(Turn{ThreadID: thread.ThreadID, TurnID: "t1", TurnSeq: 1, Status: TurnRunning}))

	require.NoError(t, s.RecordGate(Gate{ThreadID: thread.ThreadID, TurnID: "t1", GateName: "policy", Outcome: GateFailed, Reasons: []string{"too large", "binary"}}))

	gates, err := s.ListGates(thread.ThreadID, "t1")
	require.NoError(t, err)
	require.Len(t, gates, 1)
	assert.Equal(t, GateFailed, gates[0].Outcome)
	assert.Equal(t, []string{"too large", "binary"}, gates[0].Reasons)
}

func TestLinkPromptGeneratesIDAndListsByNode(t *testing.T) {
	s := newStore(t)
	node := model.Digest{0x09}

	link, err := s.LinkPrompt(PromptLink{
		NodeID: node, FrameID: model.Digest{0x0a},
		SystemPromptArtifactID: model.Digest{0x0b}, RenderedPromptArtifactID: model.Digest{0x0c},
		CreatedAt: 42,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, link.PromptLinkID)

	links, err := s.ListPromptLinksForNode(node)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, link.PromptLinkID, links[0].PromptLinkID)
	assert.Equal(t, model.Digest{0x0c}, links[0].RenderedPromptArtifactID)
}
