// Package bitmap implements the cache-local bloom filter carried by every
// disk snapshot file, giving point lookups a cheap negative-match
// shortcut.
//
// Adapted from a FastLocalBloom-style layout (all probes for one key land
// in a single 64-byte chunk), rehomed onto internal/xxhash instead of a
// hand-rolled hash.
package bitmap

import (
	"math"

	"github.com/aalhour/tierkv/internal/xxhash"
)

const chunkBits = 64 * 8

// Filter is an immutable, built bloom filter.
type Filter struct {
	data      []byte
	numProbes int
}

// Builder accumulates keys before Finish builds the immutable Filter.
type Builder struct {
	hashes    []uint64
	bitsPerKey int
}

// NewBuilder creates a Builder targeting the given bits-per-key ratio
// (10 bits/key ~= 1% false positive rate, RocksDB's default).
func NewBuilder(bitsPerKey int) *Builder {
	if bitsPerKey <= 0 {
		bitsPerKey = 10
	}
	return &Builder{bitsPerKey: bitsPerKey}
}

// Add records a key to be included in the filter.
func (b *Builder) Add(key []byte) {
	b.hashes = append(b.hashes, xxhash.Sum64(key))
}

// Finish builds the immutable Filter from all added keys.
func (b *Builder) Finish() *Filter {
	n := len(b.hashes)
	if n == 0 {
		return &Filter{data: nil, numProbes: 0}
	}

	numProbes := numProbesForBitsPerKey(b.bitsPerKey)
	totalBits := max(n*b.bitsPerKey, chunkBits)
	numChunks := (totalBits + chunkBits - 1) / chunkBits
	data := make([]byte, numChunks*64)

	for _, h := range b.hashes {
		addChunk(data, h, numProbes, numChunks)
	}

	return &Filter{data: data, numProbes: numProbes}
}

// MayContain reports whether key might be present. False negatives are
// impossible; false positives occur at roughly the configured rate.
func (f *Filter) MayContain(key []byte) bool {
	if len(f.data) == 0 {
		return f.numProbes == 0 // empty filter built from zero keys: every key is reported as possibly present
	}
	numChunks := len(f.data) / 64
	h := xxhash.Sum64(key)
	return testChunk(f.data, h, f.numProbes, numChunks)
}

// Bytes returns the serialized filter (chunk bits only, caller appends
// metadata trailer when persisting to a snapshot file).
func (f *Filter) Bytes() []byte { return f.data }

// NumProbes returns the number of hash probes used per key.
func (f *Filter) NumProbes() int { return f.numProbes }

// NewFromBytes reconstructs a Filter from a previously serialized bitmap.
func NewFromBytes(data []byte, numProbes int) *Filter {
	return &Filter{data: data, numProbes: numProbes}
}

func numProbesForBitsPerKey(bitsPerKey int) int {
	n := int(math.Round(float64(bitsPerKey) * 0.69)) // ln(2)
	if n < 1 {
		n = 1
	}
	if n > 30 {
		n = 30
	}
	return n
}

func addChunk(data []byte, h uint64, numProbes, numChunks int) {
	chunkIdx := fastRange(h, uint64(numChunks))
	chunk := data[chunkIdx*64 : chunkIdx*64+64]
	a := uint32(h)
	b := uint32(h >> 32)
	for i := 0; i < numProbes; i++ {
		bitPos := a % chunkBits
		chunk[bitPos/8] |= 1 << (bitPos % 8)
		a += b
	}
}

func testChunk(data []byte, h uint64, numProbes, numChunks int) bool {
	chunkIdx := fastRange(h, uint64(numChunks))
	chunk := data[chunkIdx*64 : chunkIdx*64+64]
	a := uint32(h)
	b := uint32(h >> 32)
	for i := 0; i < numProbes; i++ {
		bitPos := a % chunkBits
		if chunk[bitPos/8]&(1<<(bitPos%8)) == 0 {
			return false
		}
		a += b
	}
	return true
}

// fastRange maps a 64-bit hash into [0, n) using the Lemire multiply-shift
// trick, avoiding a modulo on the (typically power-of-two-adjacent) chunk count.
func fastRange(h, n uint64) uint64 {
	hi, _ := mul64(h, n)
	return hi
}

func mul64(a, b uint64) (hi, lo uint64) {
	const mask32 = 1<<32 - 1
	aLo, aHi := a&mask32, a>>32
	bLo, bHi := b&mask32, b>>32
	t := aLo*bLo
	w0 := t & mask32
	k := t >> 32
	t = aHi*bLo + k
	w1 := t & mask32
	w2 := t >> 32
	t = aLo*bHi + w1
	k = t >> 32
	hi = aHi*bHi + w2 + k
	lo = (t << 32) | w0
	return hi, lo
}
