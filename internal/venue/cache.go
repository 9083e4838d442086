package venue

import (
	"encoding/json"
	"fmt"
	"os"
)

// CacheEntry is one regional cache row: a venue key with fixed coordinates.
type CacheEntry struct {
	Name    string  `json:"name"`
	Address string  `json:"address,omitempty"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
}

// RegionalCache is a fast in-memory venue→coordinate lookup for a fixed
// geographic area. It is an explicit, injectable service loaded once at run
// start, never a package-level singleton.
type RegionalCache struct {
	byKey map[string]CacheEntry
}

// NewRegionalCache builds a cache from entries, keyed by normalized name.
func NewRegionalCache(entries []CacheEntry) *RegionalCache {
	c := &RegionalCache{byKey: make(map[string]CacheEntry, len(entries))}
	for _, e := range entries {
		key := NormalizeName(e.Name)
		if key == "" {
			continue
		}
		c.byKey[key] = e
	}
	return c
}

// LoadRegionalCacheFile reads a JSON array of cache entries from disk.
// Callers load the cache once at run start and inject it into the resolver.
func LoadRegionalCacheFile(path string) (*RegionalCache, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading regional cache %s: %w", path, err)
	}
	var entries []CacheEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("parsing regional cache %s: %w", path, err)
	}
	return NewRegionalCache(entries), nil
}

// Exact looks up a normalized key directly.
func (c *RegionalCache) Exact(norm string) (CacheEntry, bool) {
	e, ok := c.byKey[norm]
	return e, ok
}

// Fuzzy scans for the best key at or above the similarity threshold.
func (c *RegionalCache) Fuzzy(norm string, threshold float64) (CacheEntry, float64, bool) {
	var best CacheEntry
	bestScore := 0.0
	for key, e := range c.byKey {
		score := Similarity(norm, key)
		if score >= threshold && score > bestScore {
			best = e
			bestScore = score
		}
	}
	return best, bestScore, bestScore > 0
}

// Len reports how many entries are loaded.
func (c *RegionalCache) Len() int {
	return len(c.byKey)
}
