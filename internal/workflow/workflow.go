// Package workflow implements the optional Thread/Turn/Gate/PromptLink
// records (spec §3's "Workflow records (optional, for thread-managed
// workflows)"). The base spec defines the shapes but assigns them no
// operations; this package supplies a minimal sqlite-backed store so a
// caller (internal/orchestrator, or a future CLI session command) can
// group a sequence of generation turns — and the gate decisions and
// prompt artifacts attached to them — under one Thread, the way
// codenerd's internal/session groups a sequence of subagent executions
// under one spawner run.
package workflow

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/google/uuid"

	"nodeframe/internal/logging"
	"nodeframe/internal/model"
)

const schemaVersion = 1

// ThreadStatus is a Thread's lifecycle state.
type ThreadStatus string

const (
	ThreadRunning   ThreadStatus = "running"
	ThreadCompleted ThreadStatus = "completed"
	ThreadFailed    ThreadStatus = "failed"
)

// Thread groups a sequence of Turns against one target node (spec §3).
type Thread struct {
	ThreadID     string
	WorkflowID   string
	TargetNodeID model.NodeID
	Status       ThreadStatus
	UpdatedAt    uint64
}

// TurnStatus is a Turn's terminal or in-flight state.
type TurnStatus string

const (
	TurnRunning   TurnStatus = "running"
	TurnCompleted TurnStatus = "completed"
	TurnFailed    TurnStatus = "failed"
)

// Turn is one step of a Thread — typically one generation request and
// its outcome (spec §3).
type Turn struct {
	ThreadID         string
	TurnID           string
	TurnSeq          int
	TurnType         string
	Status           TurnStatus
	InputArtifactIDs []model.ArtifactID
	OutputArtifactID model.ArtifactID
	Error            string
}

// GateOutcome is a named checkpoint's pass/fail verdict within a Turn.
type GateOutcome string

const (
	GatePassed GateOutcome = "passed"
	GateFailed GateOutcome = "failed"
)

// Gate records a named checkpoint decision against a Turn (spec §3) —
// e.g. a policy check or a human-in-the-loop approval gate.
type Gate struct {
	ThreadID string
	TurnID   string
	GateName string
	Outcome  GateOutcome
	Reasons  []string
}

// PromptLink ties a rendered prompt and its inputs back to the node,
// frame, and (optionally) thread/turn that produced it (spec §3) — the
// audit trail for "why did this frame say this."
type PromptLink struct {
	PromptLinkID               string
	ThreadID                   string
	TurnID                     string
	NodeID                     model.NodeID
	FrameID                    model.FrameID
	SystemPromptArtifactID     model.ArtifactID
	UserPromptTemplateArtifact model.ArtifactID
	RenderedPromptArtifactID   model.ArtifactID
	ContextArtifactID          model.ArtifactID
	CreatedAt                  uint64
}

// Store is the sqlite-backed workflow record store.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if necessary) a workflow store at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("workflow: mkdir %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("workflow: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.Get(logging.CategoryWorkflow).Debugw("pragma failed", "pragma", pragma, "err", err)
		}
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS schema_meta (version INTEGER NOT NULL);
	CREATE TABLE IF NOT EXISTS threads (
		thread_id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		target_node_id TEXT NOT NULL,
		status TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS turns (
		thread_id TEXT NOT NULL,
		turn_id TEXT NOT NULL,
		turn_seq INTEGER NOT NULL,
		turn_type TEXT NOT NULL,
		status TEXT NOT NULL,
		input_artifact_ids TEXT NOT NULL,
		output_artifact_id TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (thread_id, turn_id)
	);
	CREATE INDEX IF NOT EXISTS idx_turns_thread ON turns(thread_id, turn_seq);
	CREATE TABLE IF NOT EXISTS gates (
		thread_id TEXT NOT NULL,
		turn_id TEXT NOT NULL,
		gate_name TEXT NOT NULL,
		outcome TEXT NOT NULL,
		reasons TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (thread_id, turn_id, gate_name)
	);
	CREATE TABLE IF NOT EXISTS prompt_links (
		prompt_link_id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL DEFAULT '',
		turn_id TEXT NOT NULL DEFAULT '',
		node_id TEXT NOT NULL,
		frame_id TEXT NOT NULL,
		system_prompt_artifact_id TEXT NOT NULL,
		user_prompt_template_artifact_id TEXT NOT NULL,
		rendered_prompt_artifact_id TEXT NOT NULL,
		context_artifact_id TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_prompt_links_node ON prompt_links(node_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("workflow: init schema: %w", err)
	}
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_meta`).Scan(&count); err != nil {
		return fmt.Errorf("workflow: read schema_meta: %w", err)
	}
	if count == 0 {
		if _, err := s.db.Exec(`INSERT INTO schema_meta (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("workflow: write schema_meta: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// StartThread creates a new Thread in ThreadRunning status and returns
// it with a generated ThreadID.
func (s *Store) StartThread(workflowID string, targetNodeID model.NodeID, updatedAt uint64) (*Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &Thread{ThreadID: uuid.New().String(), WorkflowID: workflowID, TargetNodeID: targetNodeID, Status: ThreadRunning, UpdatedAt: updatedAt}
	_, err := s.db.Exec(
		`INSERT INTO threads (thread_id, workflow_id, target_node_id, status, updated_at) VALUES (?, ?, ?, ?, ?)`,
		t.ThreadID, t.WorkflowID, t.TargetNodeID.String(), string(t.Status), t.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("workflow: start thread: %w", err)
	}
	return t, nil
}

// SetThreadStatus updates a thread's status and updated_at.
func (s *Store) SetThreadStatus(threadID string, status ThreadStatus, updatedAt uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE threads SET status = ?, updated_at = ? WHERE thread_id = ?`, string(status), updatedAt, threadID)
	if err != nil {
		return fmt.Errorf("workflow: set thread status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("workflow: set thread status: %w", err)
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// GetThread returns a thread by ID.
func (s *Store) GetThread(threadID string) (*Thread, error) {
	var t Thread
	var nodeIDHex, status string
	err := s.db.QueryRow(
		`SELECT thread_id, workflow_id, target_node_id, status, updated_at FROM threads WHERE thread_id = ?`,
		threadID,
	).Scan(&t.ThreadID, &t.WorkflowID, &nodeIDHex, &status, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("workflow: get thread: %w", err)
	}
	nodeID, err := model.DigestFromHex(nodeIDHex)
	if err != nil {
		return nil, err
	}
	t.TargetNodeID = nodeID
	t.Status = ThreadStatus(status)
	return &t, nil
}

// RecordTurn inserts or replaces a Turn. turnSeq is caller-assigned
// (monotonic per thread) so turns can be ordered without relying on
// timestamp granularity.
func (s *Store) RecordTurn(turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO turns (thread_id, turn_id, turn_seq, turn_type, status, input_artifact_ids, output_artifact_id, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, turn_id) DO UPDATE SET
			turn_seq=excluded.turn_seq, turn_type=excluded.turn_type, status=excluded.status,
			input_artifact_ids=excluded.input_artifact_ids, output_artifact_id=excluded.output_artifact_id, error=excluded.error
	`, turn.ThreadID, turn.TurnID, turn.TurnSeq, turn.TurnType, string(turn.Status),
		encodeArtifactIDs(turn.InputArtifactIDs), turn.OutputArtifactID.String(), turn.Error)
	if err != nil {
		return fmt.Errorf("workflow: record turn: %w", err)
	}
	return nil
}

// ListTurns returns every turn of threadID in turn_seq order.
func (s *Store) ListTurns(threadID string) ([]Turn, error) {
	rows, err := s.db.Query(
		`SELECT thread_id, turn_id, turn_seq, turn_type, status, input_artifact_ids, output_artifact_id, error
		 FROM turns WHERE thread_id = ? ORDER BY turn_seq`, threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("workflow: list turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var turn Turn
		var status, inputIDs, outputID string
		if err := rows.Scan(&turn.ThreadID, &turn.TurnID, &turn.TurnSeq, &turn.TurnType, &status, &inputIDs, &outputID, &turn.Error); err != nil {
			return nil, fmt.Errorf("workflow: scan turn: %w", err)
		}
		turn.Status = TurnStatus(status)
		ids, err := decodeArtifactIDs(inputIDs)
		if err != nil {
			return nil, err
		}
		turn.InputArtifactIDs = ids
		if outputID != "" {
			out2, err := model.DigestFromHex(outputID)
			if err != nil {
				return nil, err
			}
			turn.OutputArtifactID = out2
		}
		out = append(out, turn)
	}
	return out, rows.Err()
}

// RecordGate inserts or replaces a Gate decision for a turn.
func (s *Store) RecordGate(gate Gate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO gates (thread_id, turn_id, gate_name, outcome, reasons)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, turn_id, gate_name) DO UPDATE SET outcome=excluded.outcome, reasons=excluded.reasons
	`, gate.ThreadID, gate.TurnID, gate.GateName, string(gate.Outcome), encodeReasons(gate.Reasons))
	if err != nil {
		return fmt.Errorf("workflow: record gate: %w", err)
	}
	return nil
}

// ListGates returns every gate recorded for a turn.
func (s *Store) ListGates(threadID, turnID string) ([]Gate, error) {
	rows, err := s.db.Query(
		`SELECT thread_id, turn_id, gate_name, outcome, reasons FROM gates WHERE thread_id = ? AND turn_id = ?`,
		threadID, turnID,
	)
	if err != nil {
		return nil, fmt.Errorf("workflow: list gates: %w", err)
	}
	defer rows.Close()

	var out []Gate
	for rows.Next() {
		var gate Gate
		var outcome, reasons string
		if err := rows.Scan(&gate.ThreadID, &gate.TurnID, &gate.GateName, &outcome, &reasons); err != nil {
			return nil, fmt.Errorf("workflow: scan gate: %w", err)
		}
		gate.Outcome = GateOutcome(outcome)
		gate.Reasons = decodeReasons(reasons)
		out = append(out, gate)
	}
	return out, rows.Err()
}

// LinkPrompt records a PromptLink, generating its ID if empty.
func (s *Store) LinkPrompt(link PromptLink) (*PromptLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if link.PromptLinkID == "" {
		link.PromptLinkID = uuid.New().String()
	}
	_, err := s.db.Exec(`
		INSERT INTO prompt_links (
			prompt_link_id, thread_id, turn_id, node_id, frame_id,
			system_prompt_artifact_id, user_prompt_template_artifact_id,
			rendered_prompt_artifact_id, context_artifact_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, link.PromptLinkID, link.ThreadID, link.TurnID, link.NodeID.String(), link.FrameID.String(),
		link.SystemPromptArtifactID.String(), link.UserPromptTemplateArtifact.String(),
		link.RenderedPromptArtifactID.String(), link.ContextArtifactID.String(), link.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("workflow: link prompt: %w", err)
	}
	return &link, nil
}

// ListPromptLinksForNode returns every prompt link recorded against
// nodeID, most recent first.
func (s *Store) ListPromptLinksForNode(nodeID model.NodeID) ([]PromptLink, error) {
	rows, err := s.db.Query(`
		SELECT prompt_link_id, thread_id, turn_id, node_id, frame_id,
			system_prompt_artifact_id, user_prompt_template_artifact_id,
			rendered_prompt_artifact_id, context_artifact_id, created_at
		FROM prompt_links WHERE node_id = ? ORDER BY created_at DESC
	`, nodeID.String())
	if err != nil {
		return nil, fmt.Errorf("workflow: list prompt links: %w", err)
	}
	defer rows.Close()

	var out []PromptLink
	for rows.Next() {
		var link PromptLink
		var nodeIDHex, frameIDHex, sysID, tmplID, renderedID, ctxID string
		if err := rows.Scan(&link.PromptLinkID, &link.ThreadID, &link.TurnID, &nodeIDHex, &frameIDHex,
			&sysID, &tmplID, &renderedID, &ctxID, &link.CreatedAt); err != nil {
			return nil, fmt.Errorf("workflow: scan prompt link: %w", err)
		}
		if link.NodeID, err = model.DigestFromHex(nodeIDHex); err != nil {
			return nil, err
		}
		if link.FrameID, err = model.DigestFromHex(frameIDHex); err != nil {
			return nil, err
		}
		if link.SystemPromptArtifactID, err = model.DigestFromHex(sysID); err != nil {
			return nil, err
		}
		if link.UserPromptTemplateArtifact, err = model.DigestFromHex(tmplID); err != nil {
			return nil, err
		}
		if link.RenderedPromptArtifactID, err = model.DigestFromHex(renderedID); err != nil {
			return nil, err
		}
		if link.ContextArtifactID, err = model.DigestFromHex(ctxID); err != nil {
			return nil, err
		}
		out = append(out, link)
	}
	return out, rows.Err()
}

func encodeArtifactIDs(ids []model.ArtifactID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ",")
}

func decodeArtifactIDs(s string) ([]model.ArtifactID, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]model.ArtifactID, 0, len(parts))
	for _, p := range parts {
		id, err := model.DigestFromHex(p)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func encodeReasons(reasons []string) string { return strings.Join(reasons, ",") }

func decodeReasons(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
