// Package basisindex implements the Basis Index (spec §4.6 / C6): a
// set-valued reverse map from a basis digest to the frames derived from
// it, so a change to a node or frame that other frames were based on
// can find every frame whose basis is now stale. sqlite-backed like its
// sibling indices, same PRAGMA tuning grounded on codenerd's
// internal/store/local_core.go.
package basisindex

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"nodeframe/internal/hashing"
	"nodeframe/internal/logging"
	"nodeframe/internal/model"
)

// Index is the Basis Index.
type Index struct {
	db *sql.DB
}

// Open opens (creating if necessary) a Basis Index database at path.
func Open(path string) (*Index, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("basisindex: mkdir %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("basisindex: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.Get(logging.CategoryBasisIndex).Debugw("pragma failed", "pragma", pragma, "err", err)
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
	CREATE TABLE IF NOT EXISTS basis_entries (
		basis_digest TEXT NOT NULL,
		frame_id TEXT NOT NULL,
		PRIMARY KEY (basis_digest, frame_id)
	);
	CREATE INDEX IF NOT EXISTS idx_basis_frame ON basis_entries(frame_id);
	`
	if _, err := idx.db.Exec(schema); err != nil {
		return fmt.Errorf("basisindex: init schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (idx *Index) Close() error { return idx.db.Close() }

// Descriptor converts a model.Basis into the shape internal/hashing
// consumes. Exported so callers that need to feed a Basis into
// hashing.FrameDigest directly (internal/writeboundary) don't have to
// duplicate the conversion.
func Descriptor(b model.Basis) hashing.BasisDescriptor {
	d := hashing.BasisDescriptor{
		Kind:     int(b.Kind),
		Node:     hashing.Digest(b.Node),
		Frame:    hashing.Digest(b.Frame),
		PolicyID: b.PolicyID,
	}
	for _, c := range b.OrderedChildFrameIDs {
		d.OrderedChildFrameIDs = append(d.OrderedChildFrameIDs, hashing.Digest(c))
	}
	return d
}

// Digest computes the basis digest used as this index's lookup key.
func Digest(b model.Basis) model.Digest {
	return model.Digest(hashing.BasisDigest(Descriptor(b)))
}

// Record adds frameID to the set of frames derived from basis.
func (idx *Index) Record(basis model.Basis, frameID model.FrameID) error {
	digest := Digest(basis)
	_, err := idx.db.Exec(
		`INSERT OR IGNORE INTO basis_entries (basis_digest, frame_id) VALUES (?, ?)`,
		digest.String(), frameID.String(),
	)
	if err != nil {
		return fmt.Errorf("basisindex: record %s: %w", frameID, err)
	}
	return nil
}

// Lookup returns every frame recorded against basisDigest.
func (idx *Index) Lookup(basisDigest model.Digest) ([]model.FrameID, error) {
	rows, err := idx.db.Query(`SELECT frame_id FROM basis_entries WHERE basis_digest = ?`, basisDigest.String())
	if err != nil {
		return nil, fmt.Errorf("basisindex: lookup %s: %w", basisDigest, err)
	}
	defer rows.Close()

	var out []model.FrameID
	for rows.Next() {
		var hex string
		if err := rows.Scan(&hex); err != nil {
			return nil, fmt.Errorf("basisindex: scan: %w", err)
		}
		id, err := model.DigestFromHex(hex)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DeleteForFrame removes every entry recorded for frameID, regardless
// of which basis digest it was filed under.
func (idx *Index) DeleteForFrame(frameID model.FrameID) error {
	_, err := idx.db.Exec(`DELETE FROM basis_entries WHERE frame_id = ?`, frameID.String())
	if err != nil {
		return fmt.Errorf("basisindex: delete for %s: %w", frameID, err)
	}
	return nil
}

// RebuildFromFrames clears the index and re-derives it from a caller-
// supplied sequence of (basis, frame_id) pairs — a recovery procedure
// for when the index is suspected stale or corrupt (spec §4.6's
// "optional rebuild-from-frames procedure"). The caller supplies the
// pairs, for example from a scan of the Frame Store; no package in this
// module calls it.
func (idx *Index) RebuildFromFrames(pairs func(yield func(model.Basis, model.FrameID) bool)) error {
	tx, err := idx.db.Begin()
	if err != nil {
		return fmt.Errorf("basisindex: begin rebuild: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM basis_entries`); err != nil {
		tx.Rollback()
		return fmt.Errorf("basisindex: clear for rebuild: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO basis_entries (basis_digest, frame_id) VALUES (?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("basisindex: prepare rebuild insert: %w", err)
	}
	defer stmt.Close()

	var insertErr error
	pairs(func(basis model.Basis, frameID model.FrameID) bool {
		digest := Digest(basis)
		if _, err := stmt.Exec(digest.String(), frameID.String()); err != nil {
			insertErr = err
			return false
		}
		return true
	})
	if insertErr != nil {
		tx.Rollback()
		return fmt.Errorf("basisindex: rebuild insert: %w", insertErr)
	}

	return tx.Commit()
}
