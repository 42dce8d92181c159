package archive

import (
	"container/list"
	"sync"

	"github.com/golemsrv/durability/internal/domain"
	"github.com/golemsrv/durability/internal/oplogentry"
)

// entryCache is the per-worker LRU entry cache §4.2 requires archive reads
// to consult first, adapted from the teacher's in-memory cache
// (internal/cache.InMemoryCache): sized by entry count rather than TTL,
// since archive data is immutable once written and so never goes stale —
// only a capacity bound is needed, not expiry.
type entryCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[cacheKey]*list.Element
	byWorker map[domain.OwnedWorkerId]map[oplogentry.Index]*oplogentry.Entry
}

type cacheKey struct {
	worker domain.OwnedWorkerId
	index  oplogentry.Index
}

func newEntryCache(capacity int) *entryCache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &entryCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[cacheKey]*list.Element),
		byWorker: make(map[domain.OwnedWorkerId]map[oplogentry.Index]*oplogentry.Entry),
	}
}

// put populates the cache with every entry from a decompressed chunk.
func (c *entryCache) put(worker domain.OwnedWorkerId, entries []*oplogentry.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byWorker[worker] == nil {
		c.byWorker[worker] = make(map[oplogentry.Index]*oplogentry.Entry)
	}
	for _, e := range entries {
		k := cacheKey{worker, e.Index}
		if el, ok := c.items[k]; ok {
			c.ll.MoveToFront(el)
			continue
		}
		c.byWorker[worker][e.Index] = e
		el := c.ll.PushFront(k)
		c.items[k] = el
		c.evictIfNeeded()
	}
}

func (c *entryCache) evictIfNeeded() {
	for c.ll.Len() > c.capacity {
		back := c.ll.Back()
		if back == nil {
			return
		}
		k := back.Value.(cacheKey)
		c.ll.Remove(back)
		delete(c.items, k)
		if m, ok := c.byWorker[k.worker]; ok {
			delete(m, k.index)
			if len(m) == 0 {
				delete(c.byWorker, k.worker)
			}
		}
	}
}

// get returns every cached entry for worker with index <= idx, or ok=false
// if the cache does not hold idx itself for this worker (a cache miss: the
// chunk containing idx has to be read from storage).
func (c *entryCache) get(worker domain.OwnedWorkerId, idx oplogentry.Index) ([]*oplogentry.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.byWorker[worker]
	if !ok || len(m) == 0 {
		return nil, false
	}
	if _, ok := m[idx]; !ok {
		return nil, false
	}
	var out []*oplogentry.Entry
	for index, e := range m {
		if index <= idx {
			out = append(out, e)
			if el, ok := c.items[cacheKey{worker, index}]; ok {
				c.ll.MoveToFront(el)
			}
		}
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}
