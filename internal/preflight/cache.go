package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/singleflight"

	"ragpack/internal/artifact"
)

// Cache reuses step artifacts whose fingerprint matches. It is shared by all
// questions of a run; concurrent identical steps execute once.
type Cache struct {
	dir   string
	group singleflight.Group
	mu    sync.Mutex
	bySig map[string]cached
	// hashes memoizes input digests for the run; inputs are read once.
	hashes sync.Map
}

type cached struct {
	name   string
	record Record
}

// NewCache indexes the fingerprints of step artifacts already in dir.
func NewCache(dir string) (*Cache, error) {
	cache := &Cache{dir: dir, bySig: map[string]cached{}}
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("scan cache dir: %w", err)
	}
	sort.Strings(matches)
	for _, path := range matches {
		record, err := LoadRecord(path)
		if err != nil || record.Sig == "" || record.ReturnCode != 0 {
			continue
		}
		if _, exists := cache.bySig[record.Sig]; !exists {
			cache.bySig[record.Sig] = cached{name: filepath.Base(path), record: record.Fresh()}
		}
	}
	return cache, nil
}

// lookup returns the artifact name and raw record holding sig, if any.
func (c *Cache) lookup(sig string) (string, Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.bySig[sig]
	return entry.name, entry.record, ok
}

func (c *Cache) remember(sig, name string, record Record) {
	if sig == "" || record.ReturnCode != 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.bySig[sig]; !exists {
		c.bySig[sig] = cached{name: name, record: record.Fresh()}
	}
}

// Len returns the number of indexed fingerprints.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bySig)
}

// inputStat is one fingerprinted input file.
type inputStat struct {
	Path    string `json:"path"`
	SHA256  string `json:"sha256,omitempty"`
	Missing bool   `json:"missing,omitempty"`
}

// statKey identifies a file version for the content hash memo.
type statKey struct {
	path    string
	mtimeNS int64
	size    int64
}

// contentHash returns the sha256 of path. With a memo the digest is reused
// while the file's mtime and size are unchanged.
func contentHash(path string, info os.FileInfo, memo *sync.Map) (string, error) {
	key := statKey{path: path, mtimeNS: info.ModTime().UnixNano(), size: info.Size()}
	if memo != nil {
		if sum, ok := memo.Load(key); ok {
			return sum.(string), nil
		}
	}
	sum, err := artifact.HashFile(path)
	if err != nil {
		return "", err
	}
	if memo != nil {
		memo.Store(key, sum)
	}
	return sum, nil
}

// Fingerprint hashes the argv and the content of every input file. Input
// patterns may use ** globs; directories contribute their path only.
func Fingerprint(argv []string, inputs []string) (string, error) {
	return fingerprint(argv, inputs, nil)
}

// Fingerprint is the package Fingerprint with input digests memoized for the
// lifetime of the cache.
func (c *Cache) Fingerprint(argv []string, inputs []string) (string, error) {
	return fingerprint(argv, inputs, &c.hashes)
}

func fingerprint(argv []string, inputs []string, memo *sync.Map) (string, error) {
	stats := []inputStat{}
	for _, pattern := range inputs {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return "", fmt.Errorf("glob %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			stats = append(stats, inputStat{Path: pattern, Missing: true})
			continue
		}
		sort.Strings(matches)
		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil {
				stats = append(stats, inputStat{Path: match, Missing: true})
				continue
			}
			if info.IsDir() {
				stats = append(stats, inputStat{Path: match})
				continue
			}
			sum, err := contentHash(match, info, memo)
			if err != nil {
				return "", fmt.Errorf("hash input %s: %w", match, err)
			}
			stats = append(stats, inputStat{Path: match, SHA256: sum})
		}
	}
	return artifact.FingerprintJSON(map[string]any{"argv": argv, "inputs": stats})
}
