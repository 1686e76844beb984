// Package engine implements the FDB storage engine.
//
// The engine composes a bounded write-back cache with the on-disk persistence
// layer. Writes update memory and return; a background task writes dirty
// entries to disk every flush interval, and Close drains whatever is left.
// Reads are served from memory when possible and fall back to disk, loading
// the record back into the cache.
//
// Architecture:
//   - pkg/cache holds the hot entries and tracks which are dirty
//   - internal/persist stores one checksummed record file per key
//   - internal/workerpool runs every disk operation off the caller's goroutine,
//     pinning each key to one worker so operations on a key never reorder
//
// Durability is periodic: a write is on disk after the next completed flush
// pass, a Save call, an eviction of its entry, or a graceful Close.
//
// Example usage:
//
//	eng, err := engine.Open(engine.Options{
//		DataDir:       "./fdb_data",
//		CacheSize:     10000,
//		FlushInterval: 5 * time.Second,
//		MaxWorkers:    4,
//		Compression:   true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer eng.Close()
//
//	ctx := context.Background()
//	eng.Set(ctx, "user:1", value.String("alice"))
//	v, ok, err := eng.Get(ctx, "user:1")
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/tidwall/match"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fdbkv/fdb/internal/persist"
	"github.com/fdbkv/fdb/internal/workerpool"
	"github.com/fdbkv/fdb/pkg/cache"
	"github.com/fdbkv/fdb/pkg/value"
)

// Engine defaults, matching the server configuration defaults.
const (
	DefaultCacheSize       = 10000
	DefaultFlushInterval   = 5 * time.Second
	DefaultMaxWorkers      = 4
	DefaultShutdownTimeout = 30 * time.Second

	// MaxKeyLength is the longest accepted key in bytes.
	MaxKeyLength = 256

	flushFanout = 4
)

var (
	// ErrInvalidKey is returned for empty keys and keys longer than MaxKeyLength.
	ErrInvalidKey = errors.New("invalid key")

	// ErrInvalidValue is returned for values that could not be read back once
	// persisted.
	ErrInvalidValue = errors.New("invalid value")

	// ErrClosed is returned by operations issued after Close.
	ErrClosed = errors.New("engine closed")
)

// Options configures an Engine. Zero values select the defaults above.
type Options struct {
	Logger          *zap.Logger   // Defaults to a no-op logger
	Clock           clock.Clock   // Time source; defaults to the wall clock
	DataDir         string        // Root directory for record files (required)
	FileExtension   string        // Record file extension (default ".fdb")
	CacheSize       int           // Maximum resident cache entries
	FlushInterval   time.Duration // Period of the background flush
	MaxWorkers      int           // Disk worker count
	ShutdownTimeout time.Duration // Upper bound for the drain in Close
	Compression     bool          // Compress new records with zstd
}

// Engine is the process-wide storage handle. It is safe for concurrent use.
type Engine struct {
	cache  *cache.Cache
	store  *persist.Store
	pool   *workerpool.Pool
	clock  clock.Clock
	log    *zap.Logger
	ticker *clock.Ticker

	started         time.Time
	shutdownTimeout time.Duration

	stop      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool

	// flushMu serialises flush passes so the periodic task, Save and Close
	// never write the same snapshot twice concurrently.
	flushMu sync.Mutex

	flushes        atomic.Uint64
	flushedEntries atomic.Uint64
	flushFailures  atomic.Uint64
	corruptRecords atomic.Uint64
	diskLoads      atomic.Uint64
}

// Open creates the data directory if needed, builds the engine and starts the
// background flush task. An error here is a startup failure.
func Open(opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}

	log := opts.Logger.Named("engine")

	store, err := persist.Open(persist.Options{
		Dir:         opts.DataDir,
		Extension:   opts.FileExtension,
		Compression: opts.Compression,
		Logger:      opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cache:           cache.New(opts.CacheSize, opts.Clock.Now),
		store:           store,
		pool:            workerpool.New(opts.MaxWorkers),
		clock:           opts.Clock,
		log:             log,
		ticker:          opts.Clock.Ticker(opts.FlushInterval),
		started:         opts.Clock.Now(),
		shutdownTimeout: opts.ShutdownTimeout,
		stop:            make(chan struct{}),
		loopDone:        make(chan struct{}),
	}
	go e.flushLoop()

	log.Info("engine started",
		zap.String("data_dir", store.Dir()),
		zap.Int("cache_size", opts.CacheSize),
		zap.Duration("flush_interval", opts.FlushInterval),
		zap.Int("workers", opts.MaxWorkers),
		zap.Bool("compression", opts.Compression))

	return e, nil
}

// ValidateKey checks that key is between 1 and MaxKeyLength bytes.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key must not be empty", ErrInvalidKey)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: key length %d exceeds %d", ErrInvalidKey, len(key), MaxKeyLength)
	}
	return nil
}

func (e *Engine) check(key string) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return ValidateKey(key)
}

// Get returns the value stored under key. A key that is neither cached nor on
// disk yields ok=false and a nil error. A corrupt record is logged and treated
// as absent.
func (e *Engine) Get(ctx context.Context, key string) (value.Value, bool, error) {
	if err := e.check(key); err != nil {
		return value.Value{}, false, err
	}
	if v, ok := e.cache.Get(key); ok {
		return v, true, nil
	}

	epoch := e.cache.Epoch()
	var (
		v     value.Value
		found bool
	)
	err := e.pool.Do(ctx, key, func() error {
		var err error
		v, found, err = e.store.Load(key)
		return err
	})
	switch {
	case errors.Is(err, persist.ErrCorruptRecord):
		e.corruptRecords.Add(1)
		e.log.Warn("treating corrupt record as absent", zap.String("key", key), zap.Error(err))
		return value.Value{}, false, nil
	case err != nil:
		return value.Value{}, false, err
	case !found:
		return value.Value{}, false, nil
	}

	e.diskLoads.Add(1)
	if evicted := e.cache.Fill(key, v, epoch); evicted != nil {
		e.persistEvicted(ctx, *evicted)
	}
	return v, true, nil
}

// Set stores v under key in memory and marks it dirty. It does not write the
// value itself to disk, but if the insertion evicts a dirty entry that entry
// is persisted before Set returns.
func (e *Engine) Set(ctx context.Context, key string, v value.Value) error {
	if err := e.check(key); err != nil {
		return err
	}
	if err := v.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	if evicted := e.cache.Put(key, v); evicted != nil {
		e.persistEvicted(ctx, *evicted)
	}
	return nil
}

// Delete removes key from memory and disk. It reports whether the key existed
// in either place; deleting an absent key is not an error.
func (e *Engine) Delete(ctx context.Context, key string) (bool, error) {
	if err := e.check(key); err != nil {
		return false, err
	}
	inMemory := e.cache.Remove(key)

	var onDisk bool
	err := e.pool.Do(ctx, key, func() error {
		var err error
		onDisk, err = e.store.Delete(key)
		return err
	})
	if err != nil {
		return false, err
	}
	return inMemory || onDisk, nil
}

// Exists reports whether key is in memory or on disk. Disk is only consulted
// on a cache miss.
func (e *Engine) Exists(ctx context.Context, key string) (bool, error) {
	if err := e.check(key); err != nil {
		return false, err
	}
	if e.cache.Contains(key) {
		return true, nil
	}

	var onDisk bool
	err := e.pool.Do(ctx, key, func() error {
		var err error
		onDisk, err = e.store.Exists(key)
		return err
	})
	return onDisk, err
}

// Keys returns the sorted, de-duplicated keys in memory or on disk that match
// pattern. '*' matches any run of characters and '?' any single character.
func (e *Engine) Keys(ctx context.Context, pattern string) ([]string, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	var onDisk []string
	err := e.pool.Do(ctx, pattern, func() error {
		var err error
		onDisk, err = e.store.ListKeys(literalPrefix(pattern))
		return err
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(onDisk))
	var keys []string
	for _, group := range [][]string{e.cache.Keys(), onDisk} {
		for _, k := range group {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			if match.Match(k, pattern) {
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// DBSize returns the number of distinct keys in memory or on disk.
func (e *Engine) DBSize(ctx context.Context) (int, error) {
	keys, err := e.Keys(ctx, "*")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// FlushDB deletes every key from memory and disk. It is idempotent.
func (e *Engine) FlushDB(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.cache.Purge()
	if err := e.pool.Do(ctx, "", e.store.Clear); err != nil {
		return err
	}
	e.log.Info("database flushed")
	return nil
}

// Save writes all dirty entries to disk now and returns how many were
// written. Entries that fail stay dirty for the next pass.
func (e *Engine) Save(ctx context.Context) (int, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	return e.flushDirty(ctx)
}

// persist writes snap through the worker owning its key. The write is skipped
// when snap is no longer the latest in-memory write for the key, which keeps
// deleted keys deleted and newer values from being overwritten.
func (e *Engine) persist(ctx context.Context, snap cache.Snapshot) (bool, error) {
	var written bool
	err := e.pool.Do(ctx, snap.Key, func() error {
		var err error
		written, err = e.store.StoreIf(snap.Key, snap.Value, func() bool {
			return e.cache.Current(snap.Key, snap.Seq)
		})
		if written {
			e.cache.MarkClean(snap.Key, snap.Seq)
		}
		return err
	})
	return written, err
}

// persistEvicted writes an evicted dirty entry. On failure the entry stays in
// the cache's pending buffer and is retried by the next flush pass.
func (e *Engine) persistEvicted(ctx context.Context, snap cache.Snapshot) {
	if _, err := e.persist(ctx, snap); err != nil {
		e.flushFailures.Add(1)
		e.log.Warn("failed to persist evicted entry, will retry",
			zap.String("key", snap.Key), zap.Error(err))
	}
}

// flushDirty persists every dirty entry, pending evictions included. Failures
// do not stop the pass; they are returned combined and the affected entries
// stay dirty.
func (e *Engine) flushDirty(ctx context.Context) (int, error) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	snaps := e.cache.DirtySnapshots()
	if len(snaps) == 0 {
		return 0, nil
	}

	var (
		mu      sync.Mutex
		flushed int
		errs    error
		g       errgroup.Group
	)
	g.SetLimit(e.pool.Size() * flushFanout)
	for _, snap := range snaps {
		snap := snap
		g.Go(func() error {
			written, err := e.persist(ctx, snap)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, err)
				e.log.Warn("flush failed, entry stays dirty", zap.String("key", snap.Key), zap.Error(err))
				return nil
			}
			if written {
				flushed++
			}
			return nil
		})
	}
	_ = g.Wait()

	e.flushes.Add(1)
	e.flushedEntries.Add(uint64(flushed))
	e.flushFailures.Add(uint64(len(multierr.Errors(errs))))
	return flushed, errs
}

func (e *Engine) flushLoop() {
	defer close(e.loopDone)
	for {
		select {
		case <-e.stop:
			return
		case <-e.ticker.C:
			// A pass runs to completion; Close waits for it.
			n, err := e.flushDirty(context.Background())
			if err != nil {
				e.log.Warn("periodic flush incomplete",
					zap.Int("flushed", n), zap.Int("failed", len(multierr.Errors(err))))
			} else if n > 0 {
				e.log.Debug("periodic flush", zap.Int("flushed", n))
			}
		}
	}
}

// Close stops the background flush, drains all dirty entries to disk and
// releases resources. The drain is bounded by the shutdown timeout; entries
// that still could not be written are reported in the returned error.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.stop)
		<-e.loopDone
		e.ticker.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), e.shutdownTimeout)
		defer cancel()

		n, err := e.flushDirty(ctx)
		if remaining := e.cache.Stats().Dirty; remaining > 0 {
			err = multierr.Append(err, fmt.Errorf("%d dirty entries not persisted at shutdown", remaining))
			e.log.Error("shutdown flush incomplete", zap.Int("flushed", n), zap.Int("remaining", remaining), zap.Error(err))
		} else {
			e.log.Info("shutdown flush complete", zap.Int("flushed", n))
		}

		poolDone := make(chan struct{})
		go func() {
			e.pool.Close()
			close(poolDone)
		}()
		select {
		case <-poolDone:
			err = multierr.Append(err, e.store.Close())
		case <-ctx.Done():
			err = multierr.Append(err, fmt.Errorf("disk workers still busy at shutdown: %w", ctx.Err()))
		}

		e.closeErr = err
		e.log.Info("engine stopped")
	})
	return e.closeErr
}

// literalPrefix returns the part of a glob pattern before its first wildcard.
func literalPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, "*?\\"); i >= 0 {
		return pattern[:i]
	}
	return pattern
}
