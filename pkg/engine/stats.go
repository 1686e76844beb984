package engine

import "time"

// Stats is a point-in-time view of the engine's counters.
type Stats struct {
	Uptime         time.Duration
	CacheEntries   int
	DirtyEntries   int
	PendingEvicts  int
	CacheHits      uint64
	CacheMisses    uint64
	Evictions      uint64
	DiskLoads      uint64
	Flushes        uint64
	FlushedEntries uint64
	FlushFailures  uint64
	CorruptRecords uint64
	CacheCapacity  int
}

// Stats returns the current engine counters.
func (e *Engine) Stats() Stats {
	cs := e.cache.Stats()
	return Stats{
		Uptime:         e.clock.Since(e.started),
		CacheEntries:   cs.Entries,
		DirtyEntries:   cs.Dirty,
		PendingEvicts:  cs.Pending,
		CacheHits:      cs.Hits,
		CacheMisses:    cs.Misses,
		Evictions:      cs.Evictions,
		DiskLoads:      e.diskLoads.Load(),
		Flushes:        e.flushes.Load(),
		FlushedEntries: e.flushedEntries.Load(),
		FlushFailures:  e.flushFailures.Load(),
		CorruptRecords: e.corruptRecords.Load(),
		CacheCapacity:  e.cache.Capacity(),
	}
}
