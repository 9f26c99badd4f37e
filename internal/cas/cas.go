// Package cas implements the Artifact CAS (spec §4.2 / C2): a
// content-addressed blob store for prompt and context payloads that
// Frames reference by digest instead of inlining. Layout is a
// filesystem-sharded tree keyed by the first two bytes of the ArtifactID
// (one directory level per byte), the same two-level sharding codenerd's world scanner relies on
// implicitly through hex-prefixed hashes, in front of an LRU read
// cache the way other_examples' gloudx-ues blockstore layers
// hashicorp/golang-lru in front of its blockstore.Blockstore.
package cas

import (
	"fmt"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"

	"nodeframe/internal/hashing"
	"nodeframe/internal/logging"
	"nodeframe/internal/model"
)

// Store is the Artifact CAS. Safe for concurrent use.
type Store struct {
	root      string
	cache     *lru.Cache[model.ArtifactID, []byte]
	maxBytes  int // 0 = unbounded; enforced at Put
}

// Option configures a Store at construction.
type Option func(*Store)

// WithMaxBytes rejects Put calls whose payload exceeds n bytes. Used by
// callers that enforce the spec §4.7 prompt/context artifact size
// budgets (internal/metadata resolves which budget applies before
// calling Put).
func WithMaxBytes(n int) Option {
	return func(s *Store) { s.maxBytes = n }
}

// New opens (creating if necessary) an Artifact CAS rooted at dir, with
// an in-memory LRU cache holding up to cacheSize recently used blobs.
func New(dir string, cacheSize int, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cas: mkdir %s: %w", dir, err)
	}
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[model.ArtifactID, []byte](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("cas: new lru cache: %w", err)
	}
	s := &Store{root: dir, cache: cache}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Store) pathFor(id model.ArtifactID) string {
	hex := id.String()
	return filepath.Join(s.root, hex[:2], hex[2:4], hex)
}

// Put writes data to the CAS and returns its ArtifactID. Idempotent: a
// second Put of identical bytes finds the existing blob and returns the
// same id without rewriting it; the stored blob is not re-read or
// re-verified here (Get does that).
func (s *Store) Put(data []byte) (model.ArtifactID, error) {
	timer := logging.StartTimer(logging.CategoryCAS, "Put")
	defer timer.Stop()

	if s.maxBytes > 0 && len(data) > s.maxBytes {
		return model.ArtifactID{}, fmt.Errorf("cas: payload %d bytes exceeds budget %d: %w", len(data), s.maxBytes, model.ErrStorageIo)
	}

	id := model.ArtifactID(hashing.ArtifactDigest(data))
	p := s.pathFor(id)

	if _, err := os.Stat(p); err == nil {
		s.cache.Add(id, data)
		return id, nil
	}

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return model.ArtifactID{}, fmt.Errorf("cas: mkdir for %s: %w", id, err)
	}

	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return model.ArtifactID{}, fmt.Errorf("cas: write %s: %w", id, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return model.ArtifactID{}, fmt.Errorf("cas: rename into place %s: %w", id, err)
	}

	s.cache.Add(id, data)
	logging.Get(logging.CategoryCAS).Debugw("artifact written", "id", id.String(), "bytes", len(data))
	return id, nil
}

// Get returns the bytes stored under id, re-verifying the digest before
// returning — a mismatch (bit rot, a colliding write path, filesystem
// corruption) surfaces as model.ErrCasIntegrity rather than silently
// handing back the wrong payload.
func (s *Store) Get(id model.ArtifactID) ([]byte, error) {
	if cached, ok := s.cache.Get(id); ok {
		return cached, nil
	}

	p := s.pathFor(id)
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("cas: artifact %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("cas: read %s: %w", id, err)
	}

	if got := model.ArtifactID(hashing.ArtifactDigest(data)); got != id {
		logging.Get(logging.CategoryCAS).Errorw("CAS integrity check failed", "requested", id.String(), "actual", got.String())
		return nil, fmt.Errorf("cas: artifact %s: %w", id, model.ErrCasIntegrity)
	}

	s.cache.Add(id, data)
	return data, nil
}

// Exists reports whether id is present without reading its content.
func (s *Store) Exists(id model.ArtifactID) bool {
	if _, ok := s.cache.Get(id); ok {
		return true
	}
	_, err := os.Stat(s.pathFor(id))
	return err == nil
}

// Purge removes id's blob, if present. Not an error to purge an absent
// artifact — compact may race with a concurrent purge of the same
// shared artifact referenced by two frames.
func (s *Store) Purge(id model.ArtifactID) error {
	s.cache.Remove(id)
	p := s.pathFor(id)
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cas: purge %s: %w", id, err)
	}
	return nil
}
