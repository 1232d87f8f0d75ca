package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/cruciblehq/stratum/internal/paths"
	"gopkg.in/yaml.v3"
)

var ErrCache = errors.New("layer cache")

// Cached output of one build step.
type Entry struct {
	Layer     string `yaml:"layer,omitempty"`     // Compressed blob digest; empty for metadata-only steps.
	DiffID    string `yaml:"diffID,omitempty"`    // Uncompressed layer digest.
	MediaType string `yaml:"mediaType,omitempty"` // Layer media type.
	CreatedBy string `yaml:"createdBy,omitempty"` // Instruction that produced the layer.
}

// Layer cache index backed by a YAML file.
type Cache struct {
	path    string
	mu      sync.RWMutex
	entries map[string]Entry
	dirty   bool
}

// Opens the index at path.
//
// A missing file yields an empty cache. An unreadable or corrupt file is
// logged and also yields an empty cache, since every entry can be rebuilt.
func Open(path string) (*Cache, error) {
	c := &Cache{path: path, entries: map[string]Entry{}}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCache, err)
	}

	if err := yaml.Unmarshal(data, &c.entries); err != nil {
		slog.Warn("ignoring corrupt layer cache", "path", path, "error", err)
		c.entries = map[string]Entry{}
	}
	if c.entries == nil {
		c.entries = map[string]Entry{}
	}
	return c, nil
}

// Returns the entry for key.
func (c *Cache) Lookup(key string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

// Records the entry for key, replacing any previous one.
func (c *Cache) Put(key string, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = e
	c.dirty = true
}

// Number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Removes entries for which keep returns false and returns how many went.
func (c *Cache) Prune(keep func(key string, e Entry) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if !keep(k, e) {
			delete(c.entries, k)
			removed++
		}
	}
	if removed > 0 {
		c.dirty = true
	}
	return removed
}

// Writes the index if it changed since it was opened or last saved.
func (c *Cache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.dirty {
		return nil
	}

	data, err := yaml.Marshal(c.entries)
	if err != nil {
		return fmt.Errorf("%w: encode: %w", ErrCache, err)
	}
	if err := paths.WriteAtomic(c.path, data, paths.DefaultFileMode); err != nil {
		return fmt.Errorf("%w: %w", ErrCache, err)
	}

	c.dirty = false
	return nil
}
