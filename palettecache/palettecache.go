// Package palettecache implements the per-client palette cache: a
// small hash of 64-bit palette ids the client has already been sent,
// LRU-evicted by byte count, used to decide whether a compressed
// bitmap's palette can be referenced by id instead of retransmitted
// (spec.md §4.4; grounded on dcc_palette_cache_palette/
// red_palette_cache_find/red_palette_cache_add in
// _examples/original_source/server/dcc.cpp).
package palettecache

import "sync"

type entry struct {
	id   uint64
	size int64

	prev, next *entry
}

// Cache is one client's palette cache. Unlike pixmapcache it is not
// shared across clients -- each channel client owns one.
type Cache struct {
	mu sync.Mutex

	capacity  int64
	available int64

	hash map[uint64]*entry
	head *entry
	tail *entry
}

// New creates a palette cache with the given byte capacity
// (config.Limits.ClientPaletteCacheSize).
func New(capacity int64) *Cache {
	return &Cache{
		capacity:  capacity,
		available: capacity,
		hash:      make(map[uint64]*entry),
	}
}

func (c *Cache) unlink(e *entry) {
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

func (c *Cache) pushFront(e *entry) {
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

// Find reports whether id is already cached, moving it to the front
// of the LRU ring on a hit (red_palette_cache_find).
func (c *Cache) Find(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.hash[id]
	if !ok {
		return false
	}
	c.unlink(e)
	c.pushFront(e)
	return true
}

// Add inserts id with the given size, evicting LRU entries until it
// fits, and reports whether it was inserted (red_palette_cache_add;
// the caller uses the return value to decide whether to set the
// PAL_CACHE_ME wire flag). Add never evicts an entry larger than the
// whole capacity on its own -- if size itself exceeds capacity the add
// is refused outright.
func (c *Cache) Add(id uint64, size int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if size > c.capacity {
		return false
	}
	if _, exists := c.hash[id]; exists {
		return false
	}
	for c.available < size && c.tail != nil {
		victim := c.tail
		c.unlink(victim)
		delete(c.hash, victim.id)
		c.available += victim.size
	}
	e := &entry{id: id, size: size}
	c.hash[id] = e
	c.pushFront(e)
	c.available -= size
	return true
}

// PaletteFlags is the glue dcc_palette_cache_palette implements directly
// against find/add: look the palette's unique id up, and if absent
// try to add it, returning the PAL_FROM_CACHE/PAL_CACHE_ME flag bits
// the wire encoding needs (spec.md §4.4, §6).
const (
	FlagFromCache uint8 = 1 << iota
	FlagCacheMe
)

func (c *Cache) PaletteFlags(uniqueID uint64, size int64) uint8 {
	if uniqueID == 0 {
		return 0
	}
	if c.Find(uniqueID) {
		return FlagFromCache
	}
	if c.Add(uniqueID, size) {
		return FlagCacheMe
	}
	return 0
}

// Reset fully empties the cache and restores its capacity
// (dcc_palette_cache_reset / red_palette_cache_reset), used on
// channel (re)connect and after migration.
func (c *Cache) Reset(capacity int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capacity = capacity
	c.available = capacity
	c.hash = make(map[uint64]*entry)
	c.head, c.tail = nil, nil
}

// Available reports the cache's current available byte count.
func (c *Cache) Available() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.available
}
