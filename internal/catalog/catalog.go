// Package catalog indexes the files a peer shares by content digest.
package catalog

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"p2p-files/internal/digest"
	"p2p-files/internal/proto"
	"p2p-files/internal/telemetry"
)

// Cache remembers digests between scans. Implementations must treat an entry
// as stale once size or modification time changes.
type Cache interface {
	Lookup(path string, size int64, mod time.Time, algo digest.Algorithm) (string, bool)
	Remember(path string, size int64, mod time.Time, algo digest.Algorithm, hash string) error
}

// Pruner is implemented by caches that can drop entries for files that no
// longer exist.
type Pruner interface {
	Retain(keep map[string]bool) (int, error)
}

// Entry is a shared file: what gets published plus where it lives locally.
type Entry struct {
	proto.FileEntry
	Path string
}

type Options struct {
	Algorithm digest.Algorithm
	Cache     Cache // optional
	Logger    telemetry.Logger
}

// Catalog is the set of files served by this peer. Lookups may run
// concurrently with a rescan.
type Catalog struct {
	dir  string
	opts Options

	mu      sync.RWMutex
	entries []Entry // sorted by hash, one per hash
}

// New builds a catalog from already digested entries. Entries sharing a hash
// are collapsed to the one with the smallest path.
func New(entries []Entry) *Catalog {
	c := &Catalog{opts: Options{Algorithm: digest.Default}}
	c.entries = collapse(entries)
	return c
}

// Scan walks dir recursively and digests every regular, non-hidden file.
func Scan(dir string, opts Options) (*Catalog, error) {
	if opts.Algorithm == "" {
		opts.Algorithm = digest.Default
	}
	opts.Logger = telemetry.OrDefault(opts.Logger)
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	c := &Catalog{dir: abs, opts: opts}
	if err := c.Rescan(); err != nil {
		return nil, err
	}
	return c, nil
}

// Rescan re-reads the shared folder and replaces the catalog contents.
func (c *Catalog) Rescan() error {
	if c.dir == "" {
		return nil
	}
	info, err := os.Stat(c.dir)
	if err != nil {
		return fmt.Errorf("shared folder: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("shared folder %s is not a directory", c.dir)
	}

	var found []Entry
	var hashed, cached int
	err = filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != c.dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(c.dir, path)
		if err != nil {
			return err
		}

		sum, hit := c.cacheLookup(path, fi)
		if hit {
			cached++
		} else {
			sum, _, err = c.opts.Algorithm.File(path)
			if err != nil {
				return err
			}
			hashed++
			if c.opts.Cache != nil {
				if err := c.opts.Cache.Remember(path, fi.Size(), fi.ModTime(), c.opts.Algorithm, sum); err != nil {
					c.opts.Logger.Printf("[catalog] cache %s: %v", rel, err)
				}
			}
		}
		found = append(found, Entry{
			FileEntry: proto.FileEntry{Hash: sum, Name: filepath.ToSlash(rel), Size: fi.Size()},
			Path:      path,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan %s: %w", c.dir, err)
	}

	if p, ok := c.opts.Cache.(Pruner); ok {
		keep := make(map[string]bool, len(found))
		for _, e := range found {
			keep[e.Path] = true
		}
		if n, err := p.Retain(keep); err != nil {
			c.opts.Logger.Printf("[catalog] prune cache: %v", err)
		} else if n > 0 {
			c.opts.Logger.Printf("[catalog] pruned %d stale cache entries", n)
		}
	}

	entries := collapse(found)
	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
	c.opts.Logger.Printf("[catalog] %s: %d files (%d hashed, %d from cache)", c.dir, len(entries), hashed, cached)
	return nil
}

func (c *Catalog) cacheLookup(path string, fi fs.FileInfo) (string, bool) {
	if c.opts.Cache == nil {
		return "", false
	}
	return c.opts.Cache.Lookup(path, fi.Size(), fi.ModTime(), c.opts.Algorithm)
}

func collapse(in []Entry) []Entry {
	byHash := make(map[string]Entry, len(in))
	for _, e := range in {
		if cur, ok := byHash[e.Hash]; ok && cur.Path <= e.Path {
			continue
		}
		byHash[e.Hash] = e
	}
	out := make([]Entry, 0, len(byHash))
	for _, e := range byHash {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out
}

// Dir returns the shared folder, or "" for catalogs built with New.
func (c *Catalog) Dir() string { return c.dir }

func (c *Catalog) Algorithm() digest.Algorithm { return c.opts.Algorithm }

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Files returns the publishable view of the catalog.
func (c *Catalog) Files() []proto.FileEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]proto.FileEntry, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.FileEntry
	}
	return out
}

func (c *Catalog) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Entry(nil), c.entries...)
}

// Lookup returns the entries whose hash contains id. An exact match is
// returned alone even if id is also a substring of other hashes.
func (c *Catalog) Lookup(id string) []Entry {
	if id == "" {
		return nil
	}
	id = strings.ToLower(id)
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Entry
	for _, e := range c.entries {
		h := strings.ToLower(e.Hash)
		if h == id {
			return []Entry{e}
		}
		if strings.Contains(h, id) {
			out = append(out, e)
		}
	}
	return out
}

// Resolve is Lookup narrowed to exactly one entry.
func (c *Catalog) Resolve(id string) (Entry, error) {
	matches := c.Lookup(id)
	switch len(matches) {
	case 0:
		return Entry{}, fmt.Errorf("%q: %w", id, proto.ErrNotFound)
	case 1:
		return matches[0], nil
	}
	return Entry{}, fmt.Errorf("%q matches %d files: %w", id, len(matches), proto.ErrAmbiguous)
}
