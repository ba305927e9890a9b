package artifactcache

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Namespace groups cached artifacts by what they derive from. Entries in every
// namespace are keyed by the subject (assessment) id, so invalidating a
// subject clears its artifacts across all namespaces at once.
type Namespace string

const (
	NamespaceReport    Namespace = "report"
	NamespaceResponses Namespace = "responses"
	NamespaceMapped    Namespace = "mapped"
	NamespaceChart     Namespace = "chart"
)

const (
	DefaultTTL           = 15 * time.Minute
	DefaultMaxEntries    = 1000
	DefaultSweepInterval = 5 * time.Minute
)

type entry struct {
	data           any
	storedAt       time.Time
	ttl            time.Duration
	accessCount    int
	lastAccessedAt time.Time
}

type Stats struct {
	Count          int
	Hits           int64
	Misses         int64
	HitRate        float64
	OldestEntryAge time.Duration
	NewestEntryAge time.Duration
}

type Cache struct {
	mutex   sync.Mutex
	entries map[string]*entry

	defaultTTL time.Duration
	maxEntries int
	nowFunc    func() time.Time

	hits   int64
	misses int64
}

func New(defaultTTL time.Duration, maxEntries int, nowFunc func() time.Time) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{
		entries:    make(map[string]*entry),
		defaultTTL: defaultTTL,
		maxEntries: maxEntries,
		nowFunc:    nowFunc,
	}
}

// Key builds the composite cache key: <namespace>:<subjectID>[:qualifier...]
func Key(namespace Namespace, subjectID string, qualifiers ...string) string {
	parts := make([]string, 0, 2+len(qualifiers))
	parts = append(parts, string(namespace), subjectID)
	parts = append(parts, qualifiers...)
	return strings.Join(parts, ":")
}

func (c *Cache) Set(namespace Namespace, subjectID string, value any, qualifiers ...string) {
	c.SetWithTTL(namespace, subjectID, value, c.defaultTTL, qualifiers...)
}

func (c *Cache) SetWithTTL(namespace Namespace, subjectID string, value any, ttl time.Duration, qualifiers ...string) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.nowFunc()
	c.entries[Key(namespace, subjectID, qualifiers...)] = &entry{
		data:           value,
		storedAt:       now,
		ttl:            ttl,
		lastAccessedAt: now,
	}

	if len(c.entries) > c.maxEntries {
		c.sweepLocked()
	}
}

// Get returns the cached value if present and unexpired. A miss is a normal
// result, not an error. An expired entry found during the lookup is removed.
func (c *Cache) Get(namespace Namespace, subjectID string, qualifiers ...string) (any, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	key := Key(namespace, subjectID, qualifiers...)
	ent, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	now := c.nowFunc()
	if now.Sub(ent.storedAt) > ent.ttl {
		delete(c.entries, key)
		c.misses++
		return nil, false
	}

	c.hits++
	ent.accessCount++
	ent.lastAccessedAt = now
	return ent.data, true
}

// Invalidate removes every entry, in any namespace, whose composite key
// contains the subject id. Invalidation is a linear scan; invalidations are
// rare relative to reads in this workload.
func (c *Cache) Invalidate(subjectID string) int {
	if subjectID == "" {
		return 0
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	removed := 0
	for key := range c.entries {
		if strings.Contains(key, subjectID) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Sweep removes all TTL-expired entries, then evicts entries in ascending
// order of last access until the entry count is at or below the ceiling.
func (c *Cache) Sweep() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.sweepLocked()
}

func (c *Cache) sweepLocked() int {
	now := c.nowFunc()
	removed := 0

	for key, ent := range c.entries {
		if now.Sub(ent.storedAt) > ent.ttl {
			delete(c.entries, key)
			removed++
		}
	}

	if len(c.entries) <= c.maxEntries {
		return removed
	}

	type keyedAccess struct {
		key            string
		lastAccessedAt time.Time
	}
	byAccess := make([]keyedAccess, 0, len(c.entries))
	for key, ent := range c.entries {
		byAccess = append(byAccess, keyedAccess{key: key, lastAccessedAt: ent.lastAccessedAt})
	}
	sort.Slice(byAccess, func(i, j int) bool {
		return byAccess[i].lastAccessedAt.Before(byAccess[j].lastAccessedAt)
	})

	for _, candidate := range byAccess {
		if len(c.entries) <= c.maxEntries {
			break
		}
		delete(c.entries, candidate.key)
		removed++
	}

	return removed
}

// StartSweeping runs Sweep in the given interval until the returned stop
// function is called.
func (c *Cache) StartSweeping(interval time.Duration) func() {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				c.Sweep()
			case <-done:
				return
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(done)
	}
}

func (c *Cache) Stats() Stats {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.nowFunc()
	stats := Stats{
		Count:  len(c.entries),
		Hits:   c.hits,
		Misses: c.misses,
	}

	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}

	first := true
	for _, ent := range c.entries {
		age := now.Sub(ent.storedAt)
		if first || age > stats.OldestEntryAge {
			stats.OldestEntryAge = age
		}
		if first || age < stats.NewestEntryAge {
			stats.NewestEntryAge = age
		}
		first = false
	}

	return stats
}
