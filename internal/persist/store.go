// Package persist implements FDB's on-disk persistence layer.
//
// Every key is stored as one record in its own file:
//
//	<data_dir>/<shard>/<digest><ext>
//
// where digest is the hex BLAKE3 hash of the key and shard its first two hex
// characters. Records carry a format version, a compression flag and an
// xxhash64 checksum; writes go through a temporary file and a rename so a
// partially written record is never visible.
//
// The Store is safe for concurrent use. Per-key operations run concurrently
// with each other; Clear excludes all of them.
package persist

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fdbkv/fdb/pkg/hash"
	"github.com/fdbkv/fdb/pkg/value"
)

// DefaultExtension is the record file extension used when none is configured.
const DefaultExtension = ".fdb"

// Options configures a Store.
type Options struct {
	Logger      *zap.Logger // Defaults to a no-op logger
	Dir         string      // Root data directory, created if missing
	Extension   string      // Record file extension, e.g. ".fdb"
	Compression bool        // Compress newly written records with zstd
}

// Store maps keys to record files under a sharded directory tree.
type Store struct {
	codec *codec
	log   *zap.Logger
	dir   string
	ext   string
	mu    sync.RWMutex
}

// Open prepares the data directory and returns a Store. It fails if the
// directory cannot be created or is not writable.
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("data directory must be set")
	}
	if opts.Extension == "" {
		opts.Extension = DefaultExtension
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	if err := os.MkdirAll(opts.Dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", opts.Dir, err)
	}
	check, err := os.CreateTemp(opts.Dir, tmpGlob)
	if err != nil {
		return nil, fmt.Errorf("data directory %s is not writable: %w", opts.Dir, err)
	}
	check.Close()
	os.Remove(check.Name())

	c, err := newCodec(opts.Compression)
	if err != nil {
		return nil, err
	}

	return &Store{
		codec: c,
		log:   opts.Logger.Named("persist"),
		dir:   opts.Dir,
		ext:   opts.Extension,
	}, nil
}

// Dir returns the root data directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the record file location for key.
func (s *Store) Path(key string) string {
	return filepath.Join(s.dir, hash.Shard(key), hash.Digest(key)+s.ext)
}

// Store writes v as the record for key, atomically replacing any older one.
func (s *Store) Store(key string, v value.Value) error {
	_, err := s.StoreIf(key, v, nil)
	return err
}

// StoreIf writes the record for key only if cond reports true. cond is
// evaluated while Clear is excluded, so a record that passed the check cannot
// survive a concurrent Clear. It reports whether the record was written.
func (s *Store) StoreIf(key string, v value.Value, cond func() bool) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if cond != nil && !cond() {
		return false, nil
	}
	if err := atomicWriteFile(s.Path(key), s.codec.encode(key, v)); err != nil {
		return false, fmt.Errorf("failed to store %q: %w", key, err)
	}
	return true, nil
}

// Load reads the record for key. A missing record is reported as ok=false
// with a nil error; a record that fails verification yields ErrCorruptRecord.
func (s *Store) Load(key string) (v value.Value, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return value.Value{}, false, nil
	}
	if err != nil {
		return value.Value{}, false, fmt.Errorf("failed to load %q: %w", key, err)
	}

	stored, v, err := s.codec.decode(data)
	if err != nil {
		return value.Value{}, false, fmt.Errorf("failed to load %q: %w", key, err)
	}
	if stored != key {
		return value.Value{}, false, fmt.Errorf("failed to load %q: %w: record holds key %q", key, ErrCorruptRecord, stored)
	}
	return v, true, nil
}

// Exists reports whether a record file is present for key.
func (s *Store) Exists(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(s.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat %q: %w", key, err)
	}
	return true, nil
}

// Delete removes the record for key. Removing an absent record is a no-op;
// the result reports whether a record existed.
func (s *Store) Delete(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err := os.Remove(s.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return true, nil
}

// ListKeys returns the keys of all readable records whose key starts with
// prefix. Corrupt records are logged and skipped.
func (s *Store) ListKeys(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shards, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	var keys []string
	for _, shard := range shards {
		if !shard.IsDir() || !isShardName(shard.Name()) {
			continue
		}
		shardDir := filepath.Join(s.dir, shard.Name())
		files, err := os.ReadDir(shardDir)
		if err != nil {
			return nil, fmt.Errorf("failed to read shard %s: %w", shard.Name(), err)
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), s.ext) || strings.HasPrefix(f.Name(), ".") {
				continue
			}
			path := filepath.Join(shardDir, f.Name())
			data, err := os.ReadFile(path)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", path, err)
			}
			key, _, _, err := decodeKey(data)
			if err != nil {
				s.log.Warn("skipping unreadable record", zap.String("path", path), zap.Error(err))
				continue
			}
			if strings.HasPrefix(key, prefix) {
				keys = append(keys, key)
			}
		}
	}
	return keys, nil
}

// Clear removes every record. It waits for in-flight per-key operations and
// blocks new ones until it completes.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || !isShardName(e.Name()) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.dir, e.Name())); err != nil {
			return fmt.Errorf("failed to clear shard %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Close releases the compression resources.
func (s *Store) Close() error {
	s.codec.close()
	return nil
}

func isShardName(name string) bool {
	if len(name) != 2 {
		return false
	}
	for _, r := range name {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}
