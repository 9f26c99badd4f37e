// Package headindex implements the Head Index (spec §4.5 / C5): the
// latest-frame-per-(node, frame_type) index that every read path
// consults first. sqlite-backed like internal/nodestore, same PRAGMA
// tuning grounded on codenerd's internal/store/local_core.go; the
// "versioned persistence format so legacy entries lacking tombstone
// state deserialize as active" requirement (spec §4.5) is satisfied the
// same way nodestore handles it: a nullable tombstoned_at column.
package headindex

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"nodeframe/internal/logging"
	"nodeframe/internal/model"
)

// schemaVersion is written once at init; a future incompatible schema
// change bumps this and Open can branch on it before running migrations.
const schemaVersion = 1

// Index is the Head Index. A process-wide mutex serializes writers on
// top of sqlite's own locking, matching spec §4.5's "a process-wide
// lock serializes writers" requirement explicitly rather than relying
// only on SQLITE_BUSY retries.
type Index struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if necessary) a Head Index database at path.
func Open(path string) (*Index, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("headindex: mkdir %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("headindex: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.Get(logging.CategoryHeadIndex).Debugw("pragma failed", "pragma", pragma, "err", err)
		}
	}

	idx := &Index{db: db}
	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS schema_meta (version INTEGER NOT NULL);
	CREATE TABLE IF NOT EXISTS heads (
		node_id TEXT NOT NULL,
		frame_type TEXT NOT NULL,
		frame_id TEXT NOT NULL,
		tombstoned_at INTEGER,
		PRIMARY KEY (node_id, frame_type)
	);
	CREATE INDEX IF NOT EXISTS idx_heads_node ON heads(node_id);
	CREATE INDEX IF NOT EXISTS idx_heads_tombstoned ON heads(tombstoned_at);
	`
	if _, err := idx.db.Exec(schema); err != nil {
		return fmt.Errorf("headindex: init schema: %w", err)
	}
	var count int
	if err := idx.db.QueryRow(`SELECT COUNT(*) FROM schema_meta`).Scan(&count); err != nil {
		return fmt.Errorf("headindex: read schema_meta: %w", err)
	}
	if count == 0 {
		if _, err := idx.db.Exec(`INSERT INTO schema_meta (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("headindex: write schema_meta: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (idx *Index) Close() error { return idx.db.Close() }

// Set records node/frame_type's current head as frameID, clearing any
// existing tombstone on that head.
func (idx *Index) Set(nodeID model.NodeID, frameType string, frameID model.FrameID) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	timer := logging.StartTimer(logging.CategoryHeadIndex, "Set")
	defer timer.Stop()

	_, err := idx.db.Exec(`
		INSERT INTO heads (node_id, frame_type, frame_id, tombstoned_at)
		VALUES (?, ?, ?, NULL)
		ON CONFLICT(node_id, frame_type) DO UPDATE SET frame_id=excluded.frame_id, tombstoned_at=NULL
	`, nodeID.String(), frameType, frameID.String())
	if err != nil {
		return fmt.Errorf("headindex: set %s/%s: %w", nodeID, frameType, err)
	}
	return nil
}

func (idx *Index) scanHead(query string, args ...any) (*model.HeadEntry, error) {
	var nodeIDHex, frameTypeStr, frameIDHex string
	var tomb sql.NullInt64
	err := idx.db.QueryRow(query, args...).Scan(&nodeIDHex, &frameTypeStr, &frameIDHex, &tomb)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("headindex: query: %w", err)
	}
	nodeID, err := model.DigestFromHex(nodeIDHex)
	if err != nil {
		return nil, err
	}
	frameID, err := model.DigestFromHex(frameIDHex)
	if err != nil {
		return nil, err
	}
	entry := &model.HeadEntry{NodeID: nodeID, FrameType: frameTypeStr, FrameID: frameID}
	if tomb.Valid {
		t := uint64(tomb.Int64)
		entry.TombstonedAt = &t
	}
	return entry, nil
}

// GetActive returns node/frame_type's head, but only if it is not
// tombstoned — never returns a frame whose head is tombstoned, per
// spec §4.5's explicit GetActive contract.
func (idx *Index) GetActive(nodeID model.NodeID, frameType string) (*model.HeadEntry, error) {
	entry, err := idx.scanHead(
		`SELECT node_id, frame_type, frame_id, tombstoned_at FROM heads WHERE node_id = ? AND frame_type = ? AND tombstoned_at IS NULL`,
		nodeID.String(), frameType,
	)
	return entry, err
}

// GetRaw returns node/frame_type's head regardless of tombstone state.
func (idx *Index) GetRaw(nodeID model.NodeID, frameType string) (*model.HeadEntry, error) {
	return idx.scanHead(
		`SELECT node_id, frame_type, frame_id, tombstoned_at FROM heads WHERE node_id = ? AND frame_type = ?`,
		nodeID.String(), frameType,
	)
}

// ListHeads returns every head (active or tombstoned) for nodeID.
func (idx *Index) ListHeads(nodeID model.NodeID) ([]*model.HeadEntry, error) {
	rows, err := idx.db.Query(
		`SELECT node_id, frame_type, frame_id, tombstoned_at FROM heads WHERE node_id = ? ORDER BY frame_type`,
		nodeID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("headindex: list %s: %w", nodeID, err)
	}
	defer rows.Close()

	var out []*model.HeadEntry
	for rows.Next() {
		var nodeIDHex, frameTypeStr, frameIDHex string
		var tomb sql.NullInt64
		if err := rows.Scan(&nodeIDHex, &frameTypeStr, &frameIDHex, &tomb); err != nil {
			return nil, fmt.Errorf("headindex: scan: %w", err)
		}
		nID, err := model.DigestFromHex(nodeIDHex)
		if err != nil {
			return nil, err
		}
		fID, err := model.DigestFromHex(frameIDHex)
		if err != nil {
			return nil, err
		}
		entry := &model.HeadEntry{NodeID: nID, FrameType: frameTypeStr, FrameID: fID}
		if tomb.Valid {
			t := uint64(tomb.Int64)
			entry.TombstonedAt = &t
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// TombstoneHeadsForNode marks every head of nodeID tombstoned at at.
// Used by the Lifecycle Service when deleting a node (and cascading
// through its subtree).
func (idx *Index) TombstoneHeadsForNode(nodeID model.NodeID, at uint64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	_, err := idx.db.Exec(`UPDATE heads SET tombstoned_at = ? WHERE node_id = ? AND tombstoned_at IS NULL`, at, nodeID.String())
	if err != nil {
		return fmt.Errorf("headindex: tombstone heads for %s: %w", nodeID, err)
	}
	return nil
}

// RestoreHeadsForNode clears the tombstone on every head of nodeID.
func (idx *Index) RestoreHeadsForNode(nodeID model.NodeID) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	_, err := idx.db.Exec(`UPDATE heads SET tombstoned_at = NULL WHERE node_id = ?`, nodeID.String())
	if err != nil {
		return fmt.Errorf("headindex: restore heads for %s: %w", nodeID, err)
	}
	return nil
}

// PurgeForNode deletes every head row (tombstoned or not) belonging to
// nodeID. Used by the Lifecycle Service's Compact when a node record
// itself is being purged — its head rows would otherwise dangle.
func (idx *Index) PurgeForNode(nodeID model.NodeID) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	_, err := idx.db.Exec(`DELETE FROM heads WHERE node_id = ?`, nodeID.String())
	if err != nil {
		return fmt.Errorf("headindex: purge heads for %s: %w", nodeID, err)
	}
	return nil
}

// PurgeTombstoned deletes every head tombstoned at or before cutoff.
func (idx *Index) PurgeTombstoned(cutoff uint64) (int64, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	res, err := idx.db.Exec(`DELETE FROM heads WHERE tombstoned_at IS NOT NULL AND tombstoned_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("headindex: purge tombstoned: %w", err)
	}
	return res.RowsAffected()
}
