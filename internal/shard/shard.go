// Package shard maps string keys onto a fixed number of lock shards.
package shard

import "github.com/cespare/xxhash/v2"

// DefaultCount is the shard count used when a caller passes zero.
const DefaultCount = 64

// Index returns the shard index for key in the range [0, n).
func Index(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}

// Normalize returns n, or DefaultCount when n is not positive.
func Normalize(n int) int {
	if n <= 0 {
		return DefaultCount
	}
	return n
}
