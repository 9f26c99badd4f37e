// Package treebuilder implements the Tree Builder (spec §4.9 / C9): a
// parallel filesystem walk that canonicalizes paths, hashes file
// content, and assembles the workspace's N-ary Merkle tree bottom-up.
// Parallel hashing is grounded on codenerd's campaign/intelligence_gatherer.go
// use of golang.org/x/sync/errgroup for bounded-concurrency fan-out; the
// (size, mtime)-keyed skip-rehash cache mirrors codenerd's
// internal/world/cache.go FileCache.
package treebuilder

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"nodeframe/internal/hashing"
	"nodeframe/internal/ignore"
	"nodeframe/internal/logging"
	"nodeframe/internal/model"
	"nodeframe/internal/nodestore"
)

// ProgressSink receives pre-flight and progress events during a scan.
// cmd/nodeframe's scan command backs this with schollz/progressbar;
// tests and headless callers can use NopSink.
type ProgressSink interface {
	EstimateTotal(files int)
	FileDone(path string)
}

// NopSink discards all progress events.
type NopSink struct{}

func (NopSink) EstimateTotal(int)    {}
func (NopSink) FileDone(string)      {}

// fileCacheEntry is one (size, mtime) -> content digest memo, avoiding
// re-hashing unchanged files across scans.
type fileCacheEntry struct {
	Size    int64  `json:"size"`
	ModTime int64  `json:"mod_time"`
	Digest  string `json:"digest"`
}

// FileCache persists content digests keyed by path, invalidated by
// (size, mtime) change — same contract as codenerd's world.FileCache.
type FileCache struct {
	mu      sync.Mutex
	path    string
	entries map[string]fileCacheEntry
	dirty   bool
}

// LoadFileCache loads (or initializes empty) the sidecar cache at path.
func LoadFileCache(path string) *FileCache {
	c := &FileCache{path: path, entries: make(map[string]fileCacheEntry)}
	data, err := os.ReadFile(path)
	if err == nil {
		_ = json.Unmarshal(data, &c.entries)
	}
	return c
}

// Save persists the cache if it has pending changes.
func (c *FileCache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}
	data, err := json.Marshal(c.entries)
	if err != nil {
		return fmt.Errorf("treebuilder: marshal file cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("treebuilder: mkdir for file cache: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0o644); err != nil {
		return fmt.Errorf("treebuilder: write file cache: %w", err)
	}
	c.dirty = false
	return nil
}

func (c *FileCache) lookup(relPath string, size, modTime int64) (model.Digest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[relPath]
	if !ok || e.Size != size || e.ModTime != modTime {
		return model.Digest{}, false
	}
	d, err := model.DigestFromHex(e.Digest)
	if err != nil {
		return model.Digest{}, false
	}
	return d, true
}

func (c *FileCache) store(relPath string, size, modTime int64, digest model.Digest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[relPath] = fileCacheEntry{Size: size, ModTime: modTime, Digest: digest.String()}
	c.dirty = true
}

// walkEntry is one discovered filesystem entry, not yet hashed.
type walkEntry struct {
	relPath string
	absPath string
	isDir   bool
}

// Result is the outcome of a Scan: the computed root NodeID and every
// node record produced, ready to commit to the Node Store with Commit.
type Result struct {
	RootID  model.NodeID
	Records []*model.NodeRecord
}

// Scan walks root, applying filter to prune ignored paths, hashing file
// content through hasher workers, and building NodeRecords bottom-up.
// Unreadable directories are treated as present-but-empty with a
// logged warning rather than failing the whole scan. cache may be nil
// to disable the (size,mtime) skip-rehash optimization.
func Scan(ctx context.Context, root string, filter *ignore.Filter, cache *FileCache, sink ProgressSink) (*Result, error) {
	if sink == nil {
		sink = NopSink{}
	}
	timer := logging.StartTimer(logging.CategoryTreeBuilder, "Scan")
	defer timer.Stop()

	entries, err := discover(root, filter)
	if err != nil {
		return nil, err
	}

	var fileCount int
	for _, e := range entries {
		if !e.isDir {
			fileCount++
		}
	}
	sink.EstimateTotal(fileCount)

	digests, err := hashFiles(ctx, entries, cache, sink)
	if err != nil {
		return nil, err
	}

	return buildTree(entries, digests)
}

// discover walks root in a single-threaded pass (directory structure
// must be known before fan-out hashing can start), canonicalizing each
// path and detecting symlink cycles via a visited-set keyed by the
// canonical (symlink-resolved) path.
func discover(root string, filter *ignore.Filter) ([]walkEntry, error) {
	visited := make(map[string]bool)
	var out []walkEntry

	var walk func(relPath string) error
	walk = func(relPath string) error {
		absPath := filepath.Join(root, relPath)

		canonical, err := filepath.EvalSymlinks(absPath)
		if err != nil {
			canonical = absPath
		}
		if visited[canonical] {
			return nil // symlink cycle; skip silently, already present
		}
		visited[canonical] = true

		info, err := os.Lstat(absPath)
		if err != nil {
			return fmt.Errorf("treebuilder: stat %s: %w", absPath, err)
		}

		isDir := info.IsDir()
		if relPath != "" {
			if filter.Match(relPath, isDir) {
				return nil
			}
			out = append(out, walkEntry{relPath: relPath, absPath: absPath, isDir: isDir})
		}

		if !isDir {
			return nil
		}

		children, err := os.ReadDir(absPath)
		if err != nil {
			logging.Get(logging.CategoryTreeBuilder).Warnw("unreadable directory treated as empty", "path", absPath, "err", err)
			return nil
		}
		names := make([]string, 0, len(children))
		for _, c := range children {
			names = append(names, c.Name())
		}
		sort.Strings(names)
		for _, name := range names {
			childRel := name
			if relPath != "" {
				childRel = relPath + "/" + name
			}
			if err := walk(childRel); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(""); err != nil {
		return nil, err
	}
	return out, nil
}

// hashFiles computes each file entry's content digest in parallel,
// bounded concurrency via errgroup, mirroring codenerd's campaign
// gatherer's errgroup.WithContext fan-out pattern.
func hashFiles(ctx context.Context, entries []walkEntry, cache *FileCache, sink ProgressSink) (map[string]model.Digest, error) {
	digests := make(map[string]model.Digest, len(entries))
	var mu sync.Mutex

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(8)

	for _, e := range entries {
		if e.isDir {
			continue
		}
		e := e
		eg.Go(func() error {
			select {
			case <-egCtx.Done():
				return egCtx.Err()
			default:
			}

			info, err := os.Stat(e.absPath)
			if err != nil {
				return fmt.Errorf("treebuilder: stat %s: %w", e.absPath, err)
			}

			var digest model.Digest
			if cache != nil {
				if cached, ok := cache.lookup(e.relPath, info.Size(), info.ModTime().Unix()); ok {
					digest = cached
				}
			}
			if digest.IsZero() {
				d, err := hashing.FileDigest(e.absPath)
				if err != nil {
					return fmt.Errorf("treebuilder: hash %s: %w", e.absPath, err)
				}
				digest = model.Digest(d)
				if cache != nil {
					cache.store(e.relPath, info.Size(), info.ModTime().Unix(), digest)
				}
			}

			mu.Lock()
			digests[e.relPath] = digest
			mu.Unlock()
			sink.FileDone(e.relPath)
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return digests, nil
}

// buildTree assembles NodeRecords bottom-up from the flat entry list
// and each file's content digest. Directory children are processed
// depth-first via the same recursive structure discover used, so a
// directory's NodeID is computed only after every descendant's.
func buildTree(entries []walkEntry, digests map[string]model.Digest) (*Result, error) {
	byPath := make(map[string]walkEntry, len(entries))
	childrenOf := make(map[string][]string)
	for _, e := range entries {
		byPath[e.relPath] = e
		parent := parentOf(e.relPath)
		childrenOf[parent] = append(childrenOf[parent], e.relPath)
	}
	for k := range childrenOf {
		sort.Strings(childrenOf[k])
	}

	var records []*model.NodeRecord
	memo := make(map[string]*model.NodeRecord)

	var build func(relPath string) (*model.NodeRecord, error)
	build = func(relPath string) (*model.NodeRecord, error) {
		if rec, ok := memo[relPath]; ok {
			return rec, nil
		}
		e := byPath[relPath]

		if !e.isDir {
			size := int64(0)
			if info, err := os.Stat(e.absPath); err == nil {
				size = info.Size()
			}
			contentDigest := digests[relPath]
			enc := hashing.NewEncoder("node:file")
			enc.WritePath(relPath).WriteFileBody(uint64(size), hashing.Digest(contentDigest), nil)
			rec := &model.NodeRecord{
				NodeID:        model.Digest(enc.Sum()),
				Path:          relPath,
				Kind:          model.KindFile,
				Size:          uint64(size),
				ContentDigest: contentDigest,
			}
			memo[relPath] = rec
			records = append(records, rec)
			return rec, nil
		}

		var childRefs []hashing.ChildRef
		var childEntries []model.ChildEntry
		for _, childPath := range childrenOf[relPath] {
			childRec, err := build(childPath)
			if err != nil {
				return nil, err
			}
			name := baseName(childPath)
			childRefs = append(childRefs, hashing.ChildRef{Name: name, ID: hashing.Digest(childRec.NodeID)})
			childEntries = append(childEntries, model.ChildEntry{Name: name, ID: childRec.NodeID})
		}

		enc := hashing.NewEncoder("node:dir")
		enc.WritePath(relPath).WriteDirectoryBody(childRefs, nil)
		rec := &model.NodeRecord{
			NodeID:   model.Digest(enc.Sum()),
			Path:     relPath,
			Kind:     model.KindDirectory,
			Children: childEntries,
		}
		memo[relPath] = rec
		records = append(records, rec)
		return rec, nil
	}

	root, err := build("")
	if err != nil {
		return nil, err
	}

	setParents(records, childrenOf)

	return &Result{RootID: root.NodeID, Records: records}, nil
}

func setParents(records []*model.NodeRecord, childrenOf map[string][]string) {
	byPath := make(map[string]*model.NodeRecord, len(records))
	for _, r := range records {
		byPath[r.Path] = r
	}
	for parentPath, children := range childrenOf {
		parentRec, ok := byPath[parentPath]
		if !ok {
			continue
		}
		parentID := parentRec.NodeID
		for _, childPath := range children {
			if childRec, ok := byPath[childPath]; ok {
				id := parentID
				childRec.Parent = &id
			}
		}
	}
}

func parentOf(relPath string) string {
	idx := strings.LastIndex(relPath, "/")
	if idx < 0 {
		return ""
	}
	return relPath[:idx]
}

func baseName(relPath string) string {
	idx := strings.LastIndex(relPath, "/")
	if idx < 0 {
		return relPath
	}
	return relPath[idx+1:]
}

// Commit writes every record in result to store in a single pass,
// overwriting stale entries, one Put per record. The puts are not one
// transaction: an error part-way returns with the earlier records
// already written.
func Commit(store *nodestore.Store, result *Result) error {
	for _, rec := range result.Records {
		if err := store.Put(rec); err != nil {
			return fmt.Errorf("treebuilder: commit %s: %w", rec.Path, err)
		}
	}
	return nil
}
