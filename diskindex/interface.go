// Package diskindex implements an opaque disk index collaborator: an
// immutable, sorted, on-disk representation of one level's worth of
// entries, built once from a sorted iterator and queried read-only
// thereafter.
//
// Grounded on an sstable-style reader/builder plus file-metadata-shaped
// level membership, collapsed into a single in-memory-backed "Snapshot"
// since the tier coordinator only needs the Index contract below, never
// the concrete block layout.
package diskindex

import "github.com/aalhour/tierkv/entry"

// BuildSource yields entry.Record values in strictly ascending key order,
// at most one record per key (the caller - ymerge - is responsible for
// collapsing versions before a disk index is built from them).
type BuildSource interface {
	Valid() bool
	Next()
	Record() *entry.Record
}

// Index is the capability set the tier coordinator requires of a disk
// index: point lookup, ordered scan, and static metadata used by the
// compaction picker and evict engine.
type Index interface {
	// Get returns the record for key if present in this index.
	Get(key []byte) (rec *entry.Record, found bool)

	// MayContain is a cheap (possibly false-positive, never false-negative)
	// membership probe backed by a bloom filter.
	MayContain(key []byte) bool

	// Iter returns an ascending iterator over the whole index.
	Iter() Iterator

	// Range returns an ascending iterator over [start, end).
	Range(start, end []byte) Iterator

	// Reverse returns a descending iterator over the whole index.
	Reverse() Iterator

	// SmallestKey and LargestKey bound the key range covered by this index.
	SmallestKey() []byte
	LargestKey() []byte

	// SmallestSeqno and LargestSeqno bound the sequence numbers of records
	// in this index, used by the compaction picker's amplification
	// tie-break (prefer the older, higher pair).
	SmallestSeqno() entry.SequenceNumber
	LargestSeqno() entry.SequenceNumber

	// NumEntries is the number of records stored.
	NumEntries() int64

	// SizeBytes is the approximate on-disk footprint, post-compression.
	SizeBytes() int64

	// Validate decodes every block and checks key order and the
	// smallest/largest key bounds; the filter is not checked.
	Validate() error
}

// Iterator is a read-only cursor over a diskindex snapshot.
type Iterator interface {
	Valid() bool
	Next()
	Record() *entry.Record
}
