// Package nodestore implements the Node Store (spec §4.3 / C3): the
// sqlite-backed index of NodeRecords by NodeID and by Path. Modeled on
// codenerd's internal/store/local_core.go — same PRAGMA tuning
// (busy_timeout, WAL, synchronous=NORMAL), same CREATE TABLE IF NOT
// EXISTS / CREATE INDEX IF NOT EXISTS schema style and
// logging.StartTimer-wrapped operations — generalized from its
// multi-shard fact tables to a single node-record table keyed the way
// spec §4.3 requires.
package nodestore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"nodeframe/internal/logging"
	"nodeframe/internal/model"
)

// Store is the Node Store. Safe for concurrent use; sqlite itself
// serializes writers, matching codenerd's SetMaxOpenConns(1) choice.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a Node Store database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("nodestore: mkdir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("nodestore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.Get(logging.CategoryNodeStore).Debugw("pragma failed", "pragma", pragma, "err", err)
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
	CREATE TABLE IF NOT EXISTS nodes (
		node_id TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		kind INTEGER NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		content_digest TEXT NOT NULL DEFAULT '',
		children TEXT NOT NULL DEFAULT '[]',
		parent TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		tombstoned_at INTEGER
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_path ON nodes(path);
	CREATE INDEX IF NOT EXISTS idx_nodes_tombstoned ON nodes(tombstoned_at);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("nodestore: init schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

type row struct {
	NodeID        string
	Path          string
	Kind          int
	Size          uint64
	ContentDigest string
	Children      string
	Parent        sql.NullString
	Metadata      string
	TombstonedAt  sql.NullInt64
}

func toRecord(r row) (*model.NodeRecord, error) {
	nodeID, err := model.DigestFromHex(r.NodeID)
	if err != nil {
		return nil, fmt.Errorf("nodestore: decode node_id: %w", err)
	}
	var contentDigest model.Digest
	if r.ContentDigest != "" {
		contentDigest, err = model.DigestFromHex(r.ContentDigest)
		if err != nil {
			return nil, fmt.Errorf("nodestore: decode content_digest: %w", err)
		}
	}
	var children []model.ChildEntry
	if err := json.Unmarshal([]byte(r.Children), &children); err != nil {
		return nil, fmt.Errorf("nodestore: decode children: %w", err)
	}
	var meta map[string]string
	if err := json.Unmarshal([]byte(r.Metadata), &meta); err != nil {
		return nil, fmt.Errorf("nodestore: decode metadata: %w", err)
	}

	rec := &model.NodeRecord{
		NodeID:        nodeID,
		Path:          r.Path,
		Kind:          model.NodeKind(r.Kind),
		Size:          r.Size,
		ContentDigest: contentDigest,
		Children:      children,
		Metadata:      meta,
	}
	if r.Parent.Valid && r.Parent.String != "" {
		p, err := model.DigestFromHex(r.Parent.String)
		if err != nil {
			return nil, fmt.Errorf("nodestore: decode parent: %w", err)
		}
		rec.Parent = &p
	}
	// Legacy rows without a tombstoned_at column value deserialize as
	// active (NULL -> nil), per spec §4.3.
	if r.TombstonedAt.Valid {
		t := uint64(r.TombstonedAt.Int64)
		rec.TombstonedAt = &t
	}
	return rec, nil
}

// Put inserts or replaces a NodeRecord.
func (s *Store) Put(rec *model.NodeRecord) error {
	timer := logging.StartTimer(logging.CategoryNodeStore, "Put")
	defer timer.Stop()

	children, err := json.Marshal(rec.Children)
	if err != nil {
		return fmt.Errorf("nodestore: encode children: %w", err)
	}
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("nodestore: encode metadata: %w", err)
	}
	var parent sql.NullString
	if rec.Parent != nil {
		parent = sql.NullString{String: rec.Parent.String(), Valid: true}
	}
	var tomb sql.NullInt64
	if rec.TombstonedAt != nil {
		tomb = sql.NullInt64{Int64: int64(*rec.TombstonedAt), Valid: true}
	}

	_, err = s.db.Exec(`
		INSERT INTO nodes (node_id, path, kind, size, content_digest, children, parent, metadata, tombstoned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			path=excluded.path, kind=excluded.kind, size=excluded.size,
			content_digest=excluded.content_digest, children=excluded.children,
			parent=excluded.parent, metadata=excluded.metadata, tombstoned_at=excluded.tombstoned_at
	`, rec.NodeID.String(), rec.Path, int(rec.Kind), rec.Size, rec.ContentDigest.String(), string(children), parent, string(meta), tomb)
	if err != nil {
		return fmt.Errorf("nodestore: put %s: %w", rec.NodeID, err)
	}
	return nil
}

func (s *Store) scanOne(query string, args ...any) (*model.NodeRecord, error) {
	var r row
	err := s.db.QueryRow(query, args...).Scan(
		&r.NodeID, &r.Path, &r.Kind, &r.Size, &r.ContentDigest, &r.Children, &r.Parent, &r.Metadata, &r.TombstonedAt,
	)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("nodestore: query: %w", err)
	}
	return toRecord(r)
}

const selectCols = `node_id, path, kind, size, content_digest, children, parent, metadata, tombstoned_at`

// Get returns the NodeRecord for id, or model.ErrNotFound.
func (s *Store) Get(id model.NodeID) (*model.NodeRecord, error) {
	return s.scanOne(`SELECT `+selectCols+` FROM nodes WHERE node_id = ?`, id.String())
}

// FindByPath returns the NodeRecord at path, or model.ErrNotFound.
func (s *Store) FindByPath(path string) (*model.NodeRecord, error) {
	return s.scanOne(`SELECT `+selectCols+` FROM nodes WHERE path = ?`, path)
}

func (s *Store) list(query string, args ...any) ([]*model.NodeRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("nodestore: list query: %w", err)
	}
	defer rows.Close()

	var out []*model.NodeRecord
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.NodeID, &r.Path, &r.Kind, &r.Size, &r.ContentDigest, &r.Children, &r.Parent, &r.Metadata, &r.TombstonedAt); err != nil {
			return nil, fmt.Errorf("nodestore: scan row: %w", err)
		}
		rec, err := toRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListActive returns every NodeRecord with no tombstone.
func (s *Store) ListActive() ([]*model.NodeRecord, error) {
	return s.list(`SELECT ` + selectCols + ` FROM nodes WHERE tombstoned_at IS NULL ORDER BY path`)
}

// ListTombstoned returns every tombstoned NodeRecord.
func (s *Store) ListTombstoned() ([]*model.NodeRecord, error) {
	return s.list(`SELECT ` + selectCols + ` FROM nodes WHERE tombstoned_at IS NOT NULL ORDER BY path`)
}

// Tombstone marks id as deleted at time at, if not already tombstoned.
func (s *Store) Tombstone(id model.NodeID, at uint64) error {
	rec, err := s.Get(id)
	if err != nil {
		return err
	}
	if !rec.Active() {
		return model.ErrAlreadyTombstoned
	}
	rec.TombstonedAt = &at
	return s.Put(rec)
}

// Restore clears id's tombstone.
func (s *Store) Restore(id model.NodeID) error {
	rec, err := s.Get(id)
	if err != nil {
		return err
	}
	if rec.Active() {
		return model.ErrNotTombstoned
	}
	rec.TombstonedAt = nil
	return s.Put(rec)
}

// Purge permanently removes id's record. Callers (internal/lifecycle)
// are responsible for enforcing the TTL-before-purge invariant; the
// store itself performs no time-based gating.
func (s *Store) Purge(id model.NodeID) error {
	_, err := s.db.Exec(`DELETE FROM nodes WHERE node_id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("nodestore: purge %s: %w", id, err)
	}
	return nil
}
