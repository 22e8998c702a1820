// Package pixmapcache implements the process-wide cache of image blobs
// keyed by a 64-bit guest-assigned id, shared across every channel
// client of the same logical remote party, with freeze/thaw support
// for migration (spec.md §4.3; grounded on
// _examples/original_source/server/pixmap-cache.cpp and the
// dcc_pixmap_cache_unlocked_add eviction walk in dcc.cpp).
package pixmapcache

import (
	"sync"
)

// MaxCacheClients bounds the per-peer sync-serial vector carried by
// the cache and by every entry (spec.md §4.3, config.Limits.MaxCacheClients).
const MaxCacheClients = 4

// entry is one cached blob. It lives in exactly one of two places at
// a time: the hash table + LRU ring (live), or the frozen LRU ring
// (frozen) -- never both, per the cache's core invariant.
type entry struct {
	id    uint64
	size  int64
	lossy bool
	sync  [MaxCacheClients]uint64

	prev, next *entry
}

// Cache is one PixmapCache: capacity-bounded, LRU-evicted, with a
// freeze/clear pair used around migration handoff.
type Cache struct {
	mu sync.Mutex

	id         uint64
	generation uint32
	refcount   int32

	capacity  int64
	available int64 // -1 while frozen
	frozen    bool

	hash map[uint64]*entry
	head *entry // most-recently-used
	tail *entry // least-recently-used

	frozenHead *entry
	frozenTail *entry

	sync [MaxCacheClients]uint64
}

// Evicted describes one entry dropped by add_unlocked, carrying the
// sync vector the caller must fold into its resource-release pipe
// item so every peer that has already acknowledged the id can be told
// it is now invalid (spec.md §4.3 "add_unlocked").
type Evicted struct {
	ID   uint64
	Sync [MaxCacheClients]uint64
}

func newCache(id uint64, capacity int64) *Cache {
	return &Cache{
		id:         id,
		generation: 1,
		refcount:   1,
		capacity:   capacity,
		available:  capacity,
		hash:       make(map[uint64]*entry),
	}
}

// registry is the process-wide client x id lookup table guarded by a
// single mutex distinct from any individual cache's mutex (spec.md
// §4.3 "Locking").
type registry struct {
	mu     sync.Mutex
	caches map[uint64]*Cache
}

var reg = registry{caches: make(map[uint64]*Cache)}

// Get looks up or creates the cache for (clientID, cacheID), bumping
// its refcount. size < 0 means "use the cache's existing capacity"
// (pixmap_cache_get during migration, when the real size travels in
// the migration payload instead).
func Get(clientID, cacheID uint64, size int64) *Cache {
	key := clientID ^ cacheID<<1
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if c, ok := reg.caches[key]; ok {
		c.mu.Lock()
		c.refcount++
		c.mu.Unlock()
		return c
	}
	if size < 0 {
		size = 0
	}
	c := newCache(cacheID, size)
	reg.caches[key] = c
	return c
}

// Unref decrements the cache's refcount, destroying it at zero.
func Unref(c *Cache) {
	c.mu.Lock()
	c.refcount--
	dead := c.refcount == 0
	id := c.id
	c.mu.Unlock()
	if !dead {
		return
	}
	reg.mu.Lock()
	for k, v := range reg.caches {
		if v == c || (v.id == id && v.refcount == 0) {
			delete(reg.caches, k)
		}
	}
	reg.mu.Unlock()
}

func (c *Cache) lruUnlink(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (c *Cache) lruPushFront(e *entry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

// AddUnlocked attempts to insert a new entry of id/size (spec.md
// §4.3's "add_unlocked"). callerGeneration is the channel client's
// view of the cache generation and messageSerial its current message
// serial -- both drive the staleness and "can't evict an
// unacknowledged entry" rules ported from
// dcc_pixmap_cache_unlocked_add.
func (c *Cache) AddUnlocked(id uint64, size int64, lossy bool, clientSlot int, callerGeneration uint32, messageSerial uint64) (added bool, evicted []Evicted, needsSync bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frozen {
		return false, nil, false
	}
	if callerGeneration != c.generation {
		return false, nil, true
	}
	if _, exists := c.hash[id]; exists {
		return false, nil, false
	}

	for c.available < size {
		tail := c.tail
		if tail == nil {
			return false, evicted, false
		}
		if clientSlot >= 0 && clientSlot < MaxCacheClients &&
			tail.sync[clientSlot] == messageSerial {
			// the receiver has not yet acknowledged this entry;
			// evicting it now would race the wire. Entries already
			// dropped by earlier iterations are still reported.
			return false, evicted, false
		}
		c.lruUnlink(tail)
		delete(c.hash, tail.id)
		c.available += tail.size
		evicted = append(evicted, Evicted{ID: tail.id, Sync: tail.sync})
	}

	e := &entry{id: id, size: size, lossy: lossy}
	if clientSlot >= 0 && clientSlot < MaxCacheClients {
		e.sync[clientSlot] = messageSerial
		c.sync[clientSlot] = messageSerial
	}
	c.hash[id] = e
	c.lruPushFront(e)
	c.available -= size
	return true, evicted, false
}

// SetLossyUnlocked toggles the lossy flag on an existing entry,
// mirroring pixmap_cache_unlocked_set_lossy's linear scan of the
// bucket -- here a direct hash lookup since Go maps give us that for
// free without changing the observable semantics.
func (c *Cache) SetLossyUnlocked(id uint64, lossy bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.hash[id]
	if !ok {
		return false
	}
	e.lossy = lossy
	return true
}

// Lossy reports whether id is cached and marked lossy.
func (c *Cache) Lossy(id uint64) (lossy, present bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.hash[id]
	if !ok {
		return false, false
	}
	return e.lossy, true
}

// Freeze detaches the live LRU ring into the frozen side, empties the
// hash table and blocks all further adds by setting available to -1
// (pixmap_cache_freeze). Returns false if the cache was already
// frozen.
func (c *Cache) Freeze() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return false
	}
	c.frozenHead, c.frozenTail = c.head, c.tail
	c.head, c.tail = nil, nil
	c.hash = make(map[uint64]*entry)
	c.available = -1
	c.frozen = true
	return true
}

// Clear reattaches the frozen ring if frozen, then empties everything
// and restores available to capacity (pixmap_cache_clear). It also
// advances the generation so any channel client still holding a
// stale view is caught by AddUnlocked's generation check.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		c.head, c.tail = c.frozenHead, c.frozenTail
		c.frozenHead, c.frozenTail = nil, nil
		c.frozen = false
	}
	c.head, c.tail = nil, nil
	c.hash = make(map[uint64]*entry)
	c.available = c.capacity
	c.generation++
}

// Generation returns the cache's current generation counter.
func (c *Cache) Generation() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// MergeSync folds a peer's observed sync vector into the cache's own,
// taking the max per slot (dcc.cpp's migrate-data handling: "sync[i]
// = MAX(sync[i], migrate_data->pixmap_cache_clients[i])").
func (c *Cache) MergeSync(peer [MaxCacheClients]uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.sync {
		if peer[i] > c.sync[i] {
			c.sync[i] = peer[i]
		}
	}
}

// SetSize overrides the cache's capacity and available bytes directly
// -- used when a migration payload restores a frozen cache's size
// before Clear is called (dcc.cpp: "pixmap_cache->size =
// migrate_data->pixmap_cache_size").
func (c *Cache) SetSize(size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capacity = size
	if !c.frozen {
		c.available = size
	}
}

// Available reports the cache's current available byte count (-1
// while frozen), mostly for tests and diagnostics.
func (c *Cache) Available() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.available
}
