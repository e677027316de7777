// Package xxhash wraps github.com/zeebo/xxh3 for the 64-bit hash used by
// the bloom filter. No checksum is computed over disk snapshot data.
//
// A zeebo/xxh3 dependency can sit unused in a go.mod with the checksum
// hand-rolled instead; this package wires the real library in.
package xxhash

import "github.com/zeebo/xxh3"

// Sum64 returns the 64-bit XXH3 hash of data.
func Sum64(data []byte) uint64 {
	return xxh3.Hash(data)
}

// Sum64Seed returns the 64-bit XXH3 hash of data with a seed. The bloom
// filter does not call it: it derives every probe position from one Sum64.
func Sum64Seed(data []byte, seed uint64) uint64 {
	return xxh3.HashSeed(data, seed)
}
