// Package cache provides the bounded, recency-ordered in-memory layer of FDB.
//
// The cache maps keys to Entries (a Value plus metadata) and never holds more
// than its configured capacity. Inserting a new key into a full cache first
// evicts the least recently used entry. Evicted entries that are dirty (newer
// than their on-disk copy) move to a pending buffer and are handed back to the
// caller, which must persist them and then call MarkClean. Pending entries
// remain readable through Get until that happens, so an eviction never makes a
// write invisible.
//
// The cache performs no I/O. Every method takes a single exclusive lock for a
// short, bounded amount of work.
//
// Example usage:
//
//	c := cache.New(1000, time.Now)
//
//	if evicted := c.Put("user:1", value.String("alice")); evicted != nil {
//		// persist evicted.Value for evicted.Key, then:
//		c.MarkClean(evicted.Key, evicted.Seq)
//	}
//
//	v, ok := c.Get("user:1")
package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/fdbkv/fdb/pkg/value"
)

// Entry is a cached value with its bookkeeping.
type Entry struct {
	LastAccess time.Time   // Last time the entry was read or written
	Value      value.Value // Current value, replaced wholesale on update
	Key        string      // The key this entry belongs to
	Hits       uint64      // Number of reads served from the cache
	seq        uint64      // Write sequence, bumped on every Put
	Dirty      bool        // Whether Value is newer than the on-disk copy
}

// Snapshot captures a dirty entry for persistence. Seq identifies the write
// that produced Value; MarkClean only succeeds if no newer write happened.
type Snapshot struct {
	Value value.Value
	Key   string
	Seq   uint64
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Entries   int    // Entries resident in the LRU
	Dirty     int    // Dirty entries, pending ones included
	Pending   int    // Evicted dirty entries awaiting persistence
	Hits      uint64 // Reads served from memory
	Misses    uint64 // Reads that found nothing in memory
	Evictions uint64 // Entries dropped to honour the capacity
}

// Cache is a thread-safe LRU of Entries with write-back bookkeeping.
type Cache struct {
	lru       *simplelru.LRU[string, *Entry]
	pending   map[string]*Entry
	now       func() time.Time
	capacity  int
	seq       uint64
	epoch     uint64
	dirty     int
	hits      uint64
	misses    uint64
	evictions uint64
	mu        sync.Mutex
}

// New creates a cache holding at most capacity entries. now supplies the
// timestamps recorded in Entry.LastAccess; nil means time.Now.
//
// Panics if capacity is not positive.
func New(capacity int, now func() time.Time) *Cache {
	lru, err := simplelru.NewLRU[string, *Entry](capacity, nil)
	if err != nil {
		panic(err)
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{
		lru:      lru,
		pending:  make(map[string]*Entry),
		now:      now,
		capacity: capacity,
	}
}

// Capacity returns the maximum number of resident entries.
func (c *Cache) Capacity() int { return c.capacity }

// Get returns the value for key, refreshing its recency and access time.
// It never touches disk: a miss means only that the key is not in memory.
func (c *Cache) Get(key string) (value.Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.lru.Get(key); ok {
		e.LastAccess = c.now()
		e.Hits++
		c.hits++
		return e.Value, true
	}
	if e, ok := c.pending[key]; ok {
		c.hits++
		return e.Value, true
	}
	c.misses++
	return value.Value{}, false
}

// Entry returns a copy of the entry for key without changing its recency.
func (c *Cache) Entry(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.lru.Peek(key); ok {
		return *e, true
	}
	if e, ok := c.pending[key]; ok {
		return *e, true
	}
	return Entry{}, false
}

// Contains reports whether key is in memory, resident or pending, without
// changing its recency.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lru.Contains(key) {
		return true
	}
	_, ok := c.pending[key]
	return ok
}

// Put stores v under key and marks it dirty. If the key is new and the cache
// is full, the least recently used entry is evicted first; when that entry is
// dirty its snapshot is returned and the caller must persist it.
func (c *Cache) Put(key string, v value.Value) *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	now := c.now()

	if e, ok := c.lru.Get(key); ok {
		if !e.Dirty {
			c.dirty++
		}
		e.Value = v
		e.Dirty = true
		e.LastAccess = now
		e.seq = c.seq
		return nil
	}

	// A resident write supersedes any pending copy of the same key.
	if p, ok := c.pending[key]; ok {
		delete(c.pending, key)
		if p.Dirty {
			c.dirty--
		}
	}

	evicted := c.evictLocked()
	c.lru.Add(key, &Entry{
		Key:        key,
		Value:      v,
		Dirty:      true,
		LastAccess: now,
		seq:        c.seq,
	})
	c.dirty++
	return evicted
}

// Epoch returns a counter that advances whenever an entry leaves memory:
// Remove, Purge, eviction, and MarkClean dropping a pending entry. Callers
// loading from disk read it before the load and pass it to Fill.
func (c *Cache) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Fill inserts a clean entry loaded from disk. It does nothing when key is
// already in memory, so a concurrent Put is never overwritten by an older
// on-disk value, or when any entry left memory since epoch was read. The
// second rule covers a concurrent delete as well as a newer write that was
// evicted and persisted while the load was in flight. The snapshot of a dirty eviction, if any,
// is returned.
func (c *Cache) Fill(key string, v value.Value, epoch uint64) *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	if epoch != c.epoch || c.lru.Contains(key) {
		return nil
	}
	if _, ok := c.pending[key]; ok {
		return nil
	}

	c.seq++
	evicted := c.evictLocked()
	c.lru.Add(key, &Entry{
		Key:        key,
		Value:      v,
		LastAccess: c.now(),
		seq:        c.seq,
	})
	return evicted
}

// EvictIfNeeded makes room for one insertion. If the cache is full the least
// recently used entry is removed; a dirty one is moved to the pending buffer
// and its snapshot returned.
func (c *Cache) EvictIfNeeded() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked()
}

func (c *Cache) evictLocked() *Snapshot {
	if c.lru.Len() < c.capacity {
		return nil
	}
	_, e, ok := c.lru.RemoveOldest()
	if !ok {
		return nil
	}
	c.evictions++
	c.epoch++
	if !e.Dirty {
		return nil
	}
	c.pending[e.Key] = e
	return &Snapshot{Key: e.Key, Value: e.Value, Seq: e.seq}
}

// Remove drops key from memory, resident or pending. It does not touch disk.
func (c *Cache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epoch++
	removed := false
	if e, ok := c.lru.Peek(key); ok {
		if e.Dirty {
			c.dirty--
		}
		c.lru.Remove(key)
		removed = true
	}
	if p, ok := c.pending[key]; ok {
		if p.Dirty {
			c.dirty--
		}
		delete(c.pending, key)
		removed = true
	}
	return removed
}

// DirtySnapshots returns every dirty entry, pending ones included.
func (c *Cache) DirtySnapshots() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Snapshot, 0, c.dirty)
	for _, key := range c.lru.Keys() {
		e, _ := c.lru.Peek(key)
		if e.Dirty {
			out = append(out, Snapshot{Key: e.Key, Value: e.Value, Seq: e.seq})
		}
	}
	for _, e := range c.pending {
		out = append(out, Snapshot{Key: e.Key, Value: e.Value, Seq: e.seq})
	}
	return out
}

// Current reports whether seq is still the latest write for key held in
// memory. Persisting a snapshot that is no longer current would either
// resurrect a deleted key or overwrite a newer value on disk.
func (c *Cache) Current(key string, seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.lru.Peek(key); ok {
		return e.seq == seq
	}
	if e, ok := c.pending[key]; ok {
		return e.seq == seq
	}
	return false
}

// MarkClean records that the write identified by seq reached disk. A resident
// entry has its dirty flag cleared; a pending entry is dropped. It returns
// false when key was rewritten or removed in the meantime.
func (c *Cache) MarkClean(key string, seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.lru.Peek(key); ok {
		if e.seq != seq || !e.Dirty {
			return false
		}
		e.Dirty = false
		c.dirty--
		return true
	}
	if e, ok := c.pending[key]; ok && e.seq == seq {
		delete(c.pending, key)
		c.epoch++
		c.dirty--
		return true
	}
	return false
}

// Keys returns every key held in memory, resident and pending, in no
// particular order.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.lru.Keys()
	for k := range c.pending {
		keys = append(keys, k)
	}
	return keys
}

// Purge empties the cache, dirty entries included.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epoch++
	c.lru.Purge()
	c.pending = make(map[string]*Entry)
	c.dirty = 0
}

// Len returns the number of resident entries. It never exceeds Capacity.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Entries:   c.lru.Len(),
		Dirty:     c.dirty,
		Pending:   len(c.pending),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
