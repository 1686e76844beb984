package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fdbkv/fdb/pkg/hash"
	"github.com/fdbkv/fdb/pkg/value"
)

func openEngine(t *testing.T, dir string, mock *clock.Mock, cacheSize int) *Engine {
	t.Helper()
	eng, err := Open(Options{
		Clock:         mock,
		DataDir:       dir,
		CacheSize:     cacheSize,
		FlushInterval: time.Second,
		MaxWorkers:    4,
		Compression:   true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

func recordPath(dir, key string) string {
	return filepath.Join(dir, hash.Shard(key), hash.Digest(key)+".fdb")
}

func TestSetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	eng := openEngine(t, t.TempDir(), clock.NewMock(), 100)

	values := map[string]value.Value{
		"null":   value.Null(),
		"bool":   value.Bool(true),
		"int":    value.Int(-1 << 62),
		"float":  value.Float(3.141592653589793),
		"string": value.String("hello, world"),
		"list":   value.List(value.Int(1), value.String("two"), value.List()),
		"map": value.Map(map[string]value.Value{
			"name": value.String("alice"),
			"tags": value.List(value.String("a"), value.String("b")),
		}),
	}

	for k, v := range values {
		require.NoError(t, eng.Set(ctx, k, v))
	}
	for k, want := range values {
		got, ok, err := eng.Get(ctx, k)
		require.NoError(t, err)
		require.True(t, ok, k)
		assert.True(t, value.Equal(want, got), k)
	}

	_, ok, err := eng.Get(ctx, "missing")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestEvictionPersistsAndReloads(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	eng := openEngine(t, dir, clock.NewMock(), 2)

	require.NoError(t, eng.Set(ctx, "a", value.Int(1)))
	require.NoError(t, eng.Set(ctx, "b", value.Int(2)))
	require.NoError(t, eng.Set(ctx, "c", value.Int(3)))

	// "a" was evicted and written before Set returned.
	assert.FileExists(t, recordPath(dir, "a"))
	assert.NoFileExists(t, recordPath(dir, "b"))
	stats := eng.Stats()
	assert.Equal(t, 2, stats.CacheEntries)
	assert.Equal(t, 0, stats.PendingEvicts)

	v, ok, err := eng.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, value.Equal(value.Int(1), v))
	assert.Equal(t, uint64(1), eng.Stats().DiskLoads)

	// Reloading "a" made "b" the least recently used entry.
	assert.FileExists(t, recordPath(dir, "b"))
	assert.LessOrEqual(t, eng.Stats().CacheEntries, 2)

	for k, want := range map[string]int64{"a": 1, "b": 2, "c": 3} {
		v, ok, err := eng.Get(ctx, k)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, value.Equal(value.Int(want), v), k)
	}
}

func TestDurabilityBoundary(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	mock := clock.NewMock()
	eng := openEngine(t, dir, mock, 100)

	require.NoError(t, eng.Set(ctx, "x", value.String("v")))

	// Before a flush the record is not on disk.
	fresh := openEngine(t, dir, clock.NewMock(), 100)
	_, ok, err := fresh.Get(ctx, "x")
	require.NoError(t, err)
	assert.False(t, ok)

	mock.Add(time.Second)
	require.Eventually(t, func() bool {
		return eng.Stats().DirtyEntries == 0
	}, 2*time.Second, 5*time.Millisecond)

	v, ok, err := fresh.Get(ctx, "x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, value.Equal(value.String("v"), v))
	assert.GreaterOrEqual(t, eng.Stats().Flushes, uint64(1))
}

func TestCloseDrainsDirtyEntries(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	eng, err := Open(Options{Clock: clock.NewMock(), DataDir: dir, CacheSize: 100})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, eng.Set(ctx, fmt.Sprintf("k%d", i), value.Int(int64(i))))
	}
	require.NoError(t, eng.Close())
	require.NoError(t, eng.Close())

	assert.ErrorIs(t, eng.Set(ctx, "k0", value.Null()), ErrClosed)
	_, _, err = eng.Get(ctx, "k0")
	assert.ErrorIs(t, err, ErrClosed)

	reopened := openEngine(t, dir, clock.NewMock(), 100)
	n, err := reopened.DBSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, n)

	v, ok, err := reopened.Get(ctx, "k7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, value.Equal(value.Int(7), v))
}

func TestSaveFlushesImmediately(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	eng := openEngine(t, dir, clock.NewMock(), 100)

	require.NoError(t, eng.Set(ctx, "a", value.Int(1)))
	require.NoError(t, eng.Set(ctx, "b", value.Int(2)))

	n, err := eng.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.FileExists(t, recordPath(dir, "a"))
	assert.Equal(t, 0, eng.Stats().DirtyEntries)

	n, err = eng.Save(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestKeysPattern(t *testing.T) {
	ctx := context.Background()
	eng := openEngine(t, t.TempDir(), clock.NewMock(), 2)

	for _, k := range []string{"user:1", "user:2", "session:1"} {
		require.NoError(t, eng.Set(ctx, k, value.Bool(true)))
	}
	// With a cache of two entries one key only lives on disk.
	keys, err := eng.Keys(ctx, "user:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user:1", "user:2"}, keys)

	keys, err = eng.Keys(ctx, "user:?")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	keys, err = eng.Keys(ctx, "*")
	require.NoError(t, err)
	assert.Equal(t, []string{"session:1", "user:1", "user:2"}, keys)

	n, err := eng.DBSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestDeleteAndExists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	eng := openEngine(t, dir, clock.NewMock(), 100)

	require.NoError(t, eng.Set(ctx, "k", value.String("v")))
	_, err := eng.Save(ctx)
	require.NoError(t, err)

	ok, err := eng.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	deleted, err := eng.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.NoFileExists(t, recordPath(dir, "k"))

	deleted, err = eng.Delete(ctx, "k")
	require.NoError(t, err)
	assert.False(t, deleted)

	ok, err = eng.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	// A flush after the delete must not bring the key back.
	_, err = eng.Save(ctx)
	require.NoError(t, err)
	assert.NoFileExists(t, recordPath(dir, "k"))
}

func TestExistsChecksDisk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	eng := openEngine(t, dir, clock.NewMock(), 100)
	require.NoError(t, eng.Set(ctx, "k", value.Int(1)))
	require.NoError(t, eng.Close())

	reopened := openEngine(t, dir, clock.NewMock(), 100)
	ok, err := reopened.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, reopened.Stats().CacheEntries)
}

func TestFlushDBIsIdempotent(t *testing.T) {
	ctx := context.Background()
	eng := openEngine(t, t.TempDir(), clock.NewMock(), 2)

	for i := 0; i < 5; i++ {
		require.NoError(t, eng.Set(ctx, fmt.Sprintf("k%d", i), value.Int(int64(i))))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, eng.FlushDB(ctx))
		n, err := eng.DBSize(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	}

	_, ok, err := eng.Get(ctx, "k0")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentSets(t *testing.T) {
	ctx := context.Background()
	eng := openEngine(t, t.TempDir(), clock.NewMock(), 8)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				assert.NoError(t, eng.Set(ctx, fmt.Sprintf("w%d:%d", w, i), value.Int(int64(w*100+i))))
				assert.NoError(t, eng.Set(ctx, "shared", value.String(strings.Repeat(fmt.Sprint(w), 64))))
			}
		}(w)
	}
	wg.Wait()

	for w := 0; w < 8; w++ {
		for i := 0; i < 25; i++ {
			v, ok, err := eng.Get(ctx, fmt.Sprintf("w%d:%d", w, i))
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, value.Equal(value.Int(int64(w*100+i)), v))
		}
	}

	v, ok, err := eng.Get(ctx, "shared")
	require.NoError(t, err)
	require.True(t, ok)
	s, _ := v.AsString()
	assert.Equal(t, strings.Repeat(s[:1], 64), s)
}

func TestCorruptRecordTreatedAsAbsent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	eng := openEngine(t, dir, clock.NewMock(), 100)

	path := recordPath(dir, "bad")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("not a record"), 0o644))

	_, ok, err := eng.Get(ctx, "bad")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), eng.Stats().CorruptRecords)
}

func TestInvalidKey(t *testing.T) {
	ctx := context.Background()
	eng := openEngine(t, t.TempDir(), clock.NewMock(), 10)

	assert.ErrorIs(t, eng.Set(ctx, "", value.Int(1)), ErrInvalidKey)
	_, _, err := eng.Get(ctx, strings.Repeat("k", MaxKeyLength+1))
	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.NoError(t, eng.Set(ctx, strings.Repeat("k", MaxKeyLength), value.Int(1)))
}

func TestUptimeFollowsClock(t *testing.T) {
	mock := clock.NewMock()
	eng := openEngine(t, t.TempDir(), mock, 10)
	mock.Add(90 * time.Second)
	assert.Equal(t, 90*time.Second, eng.Stats().Uptime)
}

func TestLiteralPrefix(t *testing.T) {
	assert.Equal(t, "user:", literalPrefix("user:*"))
	assert.Equal(t, "a", literalPrefix("a?c"))
	assert.Equal(t, "exact", literalPrefix("exact"))
	assert.Equal(t, "", literalPrefix("*"))
}

func TestOpenFailsOnUnusableDataDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err := Open(Options{DataDir: filepath.Join(file, "sub")})
	assert.Error(t, err)
}

// blockShard replaces the shard directory of key with a regular file so every
// write to it fails, regardless of the user running the tests.
func blockShard(t *testing.T, dir, key string) (unblock func()) {
	t.Helper()
	path := filepath.Join(dir, hash.Shard(key))
	require.NoDirExists(t, path)
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	return func() { require.NoError(t, os.Remove(path)) }
}

// keyInOtherShard returns a key whose shard differs from key's.
func keyInOtherShard(t *testing.T, key string) string {
	t.Helper()
	for i := 0; i < 1000; i++ {
		other := fmt.Sprintf("other:%d", i)
		if hash.Shard(other) != hash.Shard(key) {
			return other
		}
	}
	t.Fatal("no key found in another shard")
	return ""
}

func TestFlushFailureKeepsEntryDirty(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	mock := clock.NewMock()
	eng := openEngine(t, dir, mock, 10)

	unblock := blockShard(t, dir, "k")
	require.NoError(t, eng.Set(ctx, "k", value.String("v")))

	n, err := eng.Save(ctx)
	require.Error(t, err)
	assert.Zero(t, n)
	stats := eng.Stats()
	assert.Equal(t, 1, stats.DirtyEntries)
	assert.Equal(t, uint64(1), stats.FlushFailures)
	assert.Zero(t, stats.FlushedEntries)

	v, ok, err := eng.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, value.Equal(value.String("v"), v))

	// The periodic pass keeps failing and keeps the entry.
	mock.Add(time.Second)
	require.Eventually(t, func() bool { return eng.Stats().FlushFailures >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, eng.Stats().DirtyEntries)

	// Once the disk recovers the next pass writes it.
	unblock()
	mock.Add(time.Second)
	require.Eventually(t, func() bool { return eng.Stats().DirtyEntries == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.FileExists(t, recordPath(dir, "k"))
	assert.Equal(t, uint64(1), eng.Stats().FlushedEntries)
}

func TestFailedEvictionStaysPendingAndReadable(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	eng := openEngine(t, dir, clock.NewMock(), 1)

	other := keyInOtherShard(t, "a")
	unblock := blockShard(t, dir, "a")

	require.NoError(t, eng.Set(ctx, "a", value.Int(1)))
	require.NoError(t, eng.Set(ctx, other, value.Int(2)), "eviction failures are not reported to the writer")

	stats := eng.Stats()
	assert.Equal(t, 1, stats.CacheEntries)
	assert.Equal(t, 1, stats.PendingEvicts)
	assert.Equal(t, 2, stats.DirtyEntries)
	assert.Equal(t, uint64(1), stats.FlushFailures)

	v, ok, err := eng.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, value.Equal(value.Int(1), v))
	assert.Zero(t, eng.Stats().DiskLoads, "pending entries are served from memory")

	keys, err := eng.Keys(ctx, "*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", other}, keys)

	unblock()
	n, err := eng.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	stats = eng.Stats()
	assert.Zero(t, stats.PendingEvicts)
	assert.Zero(t, stats.DirtyEntries)
	assert.FileExists(t, recordPath(dir, "a"))

	v, ok, err = eng.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, value.Equal(value.Int(1), v))
	assert.Equal(t, uint64(1), eng.Stats().DiskLoads)
}

func TestCloseReportsUnpersistedEntries(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	eng, err := Open(Options{Clock: clock.NewMock(), DataDir: dir, ShutdownTimeout: 5 * time.Second})
	require.NoError(t, err)

	unblock := blockShard(t, dir, "k")
	defer unblock()
	require.NoError(t, eng.Set(ctx, "k", value.Int(1)))

	err = eng.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 dirty entries not persisted")
	assert.Equal(t, err, eng.Close())
	assert.NoFileExists(t, recordPath(dir, "k"))
}

func TestSetRejectsUnreadableValue(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	eng := openEngine(t, dir, clock.NewMock(), 1)

	deep := value.Int(1)
	for i := 0; i < value.MaxDepth+6; i++ {
		deep = value.List(deep)
	}
	assert.ErrorIs(t, eng.Set(ctx, "deep", deep), ErrInvalidValue)
	assert.False(t, eng.cache.Contains("deep"))

	// The deepest accepted value survives eviction and reload.
	limit := value.Int(1)
	for i := 0; i < value.MaxDepth; i++ {
		limit = value.List(limit)
	}
	require.NoError(t, eng.Set(ctx, "limit", limit))
	require.NoError(t, eng.Set(ctx, "other", value.Int(2)))
	require.FileExists(t, recordPath(dir, "limit"))

	v, ok, err := eng.Get(ctx, "limit")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, value.Equal(limit, v))
	assert.Zero(t, eng.Stats().CorruptRecords)
}
