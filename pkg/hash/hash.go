// Package hash derives the stable identifiers FDB computes from a key.
//
// Three functions are exposed, each backed by a different hash family:
//   - Digest: BLAKE3-256 of the key, hex encoded. Used as the record file name,
//     so distinct keys never share a file in practice.
//   - Shard: the first byte of Digest as two hex characters. Used as the
//     subdirectory that bounds the number of files per directory.
//   - Slot: murmur3 of the key reduced to [0, n). Used to pin all disk
//     operations for one key to the same worker.
//
// Example usage:
//
//	name := hash.Digest("user:123")  // 64 hex characters
//	dir := hash.Shard("user:123")    // e.g. "4f"
//	w := hash.Slot("user:123", 8)    // 0..7
package hash

import (
	"encoding/hex"

	"github.com/spaolacci/murmur3"
	"lukechampine.com/blake3"
)

// DigestSize is the length in bytes of the raw key digest.
const DigestSize = 32

// Sum returns the raw BLAKE3-256 digest of key.
func Sum(key string) [DigestSize]byte {
	return blake3.Sum256([]byte(key))
}

// Digest returns the hex encoded BLAKE3-256 digest of key.
func Digest(key string) string {
	sum := Sum(key)
	return hex.EncodeToString(sum[:])
}

// Shard returns the two hex character shard directory for key.
func Shard(key string) string {
	sum := Sum(key)
	return hex.EncodeToString(sum[:1])
}

// Slot maps key onto one of n slots. n <= 1 always yields 0.
func Slot(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(murmur3.Sum32([]byte(key)) % uint32(n))
}
