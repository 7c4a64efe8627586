// Package cache implements the content-addressed CRX artifact cache keyed by
// (id, fingerprint) (§3.4, §4.3's "Cached-artifact reuse on installer
// failure"). It is a bounded-size, in-memory LRU index over files already
// written to CrxCachePath by a CrxDownloader/Patcher; this package never
// itself performs I/O beyond os.Stat/os.Remove.
package cache

import (
	"container/list"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
)

type key struct {
	id          string
	fingerprint string
}

type entry struct {
	key  key
	path string
}

// ArtifactCache is a concurrent-safe, size-bounded LRU index over cached
// update artifacts. Grounded on the teacher's InMemoryCache (a plain
// map+RWMutex); extended here with container/list for eviction ordering
// since the original had no size bound at all.
type ArtifactCache struct {
	mu       sync.Mutex
	maxItems int
	items    map[key]*list.Element
	order    *list.List
}

// New creates an ArtifactCache retaining at most maxItems artifacts. A
// non-positive maxItems disables eviction (unbounded growth).
func New(maxItems int) *ArtifactCache {
	return &ArtifactCache{
		maxItems: maxItems,
		items:    make(map[key]*list.Element),
		order:    list.New(),
	}
}

// Get returns the cached artifact path for (id, fingerprint), promoting it
// to most-recently-used. Returns ok=false (and silently drops the stale
// entry) if the file no longer exists on disk.
func (c *ArtifactCache) Get(id, fingerprint string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{id, fingerprint}
	el, found := c.items[k]
	if !found {
		return "", false
	}
	e := el.Value.(*entry)
	if _, err := os.Stat(e.path); err != nil {
		c.order.Remove(el)
		delete(c.items, k)
		return "", false
	}
	c.order.MoveToFront(el)
	return e.path, true
}

// Put records path as the cached artifact for (id, fingerprint), evicting
// the least-recently-used entry if the cache is at capacity.
func (c *ArtifactCache) Put(id, fingerprint, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{id, fingerprint}
	if el, found := c.items[k]; found {
		el.Value.(*entry).path = path
		c.order.MoveToFront(el)
		return nil
	}

	el := c.order.PushFront(&entry{key: k, path: path})
	c.items[k] = el

	if c.maxItems > 0 {
		for c.order.Len() > c.maxItems {
			oldest := c.order.Back()
			if oldest == nil {
				break
			}
			oe := oldest.Value.(*entry)
			c.order.Remove(oldest)
			delete(c.items, oe.key)
			if err := os.Remove(oe.path); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Str("path", oe.path).Msg("failed to remove evicted cache artifact")
			}
		}
	}
	return nil
}

// Delete removes a cached artifact without touching the file on disk.
func (c *ArtifactCache) Delete(id, fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key{id, fingerprint}
	if el, found := c.items[k]; found {
		c.order.Remove(el)
		delete(c.items, k)
	}
}

// Len reports the number of cached artifacts currently tracked.
func (c *ArtifactCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
