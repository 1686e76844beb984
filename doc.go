// Package fdb is a single-process key-value store with a write-back cache and
// per-key file persistence, served over a framed TCP protocol.
//
// FDB keeps hot entries in a bounded in-memory cache and writes them to disk
// in the background. Every key lives in its own record file, so a crash loses
// at most the writes made since the last flush and never corrupts other keys.
//
// # Architecture Overview
//
// FDB consists of several key components:
//
//   - Storage Engine: cache plus persistence with a periodic flush task
//   - Cache: LRU bounded by entry count, tracking dirty entries
//   - Persistence Layer: sharded, checksummed record files written atomically
//   - Worker Pool: bounded disk I/O, ordered per key
//   - Server: TCP connection manager with admission control
//   - Protocol: length-prefixed binary frames
//   - Client SDK and CLI: pooled client and a redis-cli style shell
//
// Data flows client → server → engine → {cache, persistence} → disk.
//
// # Quick Start
//
// Server:
//
//	./fdb-server --port 6380 --data-dir /var/lib/fdb --cache-size 10000
//
// Client:
//
//	import "github.com/fdbkv/fdb/pkg/client"
//
//	c := client.New("localhost:6380")
//	defer c.Close()
//
//	c.Set("user:1", value.Map(map[string]value.Value{"name": value.String("alice")}))
//	v, ok, err := c.Get("user:1")
//
// CLI:
//
//	$ fdb-cli
//	localhost:6380> SET user:1 {"name": "alice"}
//	OK
//	localhost:6380> KEYS user:*
//	1) "user:1"
//
// # Supported Operations
//
//   - PING: Liveness check
//   - SET, GET, DEL, EXISTS: Key operations
//   - KEYS: Glob listing over cache and disk
//   - DBSIZE: Number of distinct keys
//   - FLUSHDB: Remove every key from cache and disk
//   - SAVE: Flush dirty entries now
//   - INFO: Engine and connection statistics
//
// # Durability
//
// A SET is acknowledged once it is in the cache. It reaches disk when the
// entry is evicted, on the next background flush, on SAVE, or on shutdown.
// A key whose record fails its checksum is treated as absent.
//
// # Configuration
//
// Server configuration via flags, FDB_* environment variables or a config
// file, in that order of precedence:
//
//	./fdb-server --port 7000 --flush-interval 1.5
//	# or
//	FDB_PORT=7000 FDB_FLUSH_INTERVAL=1.5 ./fdb-server
//	# or
//	./fdb-server --config /etc/fdb.yaml
//
// Client configuration uses FDB_CLIENT_* environment variables; see
// config.LoadClientConfig.
//
// # Package Structure
//
//   - pkg/value: Value model and binary encoding
//   - pkg/hash: Checksums, digests and shard selection
//   - pkg/cache: LRU write-back cache
//   - pkg/engine: Storage engine
//   - pkg/protocol: Wire protocol and text command parser
//   - pkg/config: Configuration management
//   - pkg/client: Client SDK
//   - internal/persist: Record files
//   - internal/workerpool: Key-affine worker pool
//   - internal/server: Connection manager and command dispatcher
//   - internal/metrics: Prometheus metrics
//   - internal/logging: zap logger construction
//   - cmd/server: Server executable
//   - cmd/fdb-cli: Command-line client
//
// For detailed documentation of individual packages, see their respective godoc pages.
package fdb
