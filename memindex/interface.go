// Package memindex implements an opaque memory index collaborator: a
// balanced ordered map over Entry, MVCC-capable, producing scan iterators
// over a fixed snapshot.
//
// The tier coordinator (package coordinator et al.) only depends on the
// Index interface below, never on the concrete skiplist-backed
// implementation - matching a common split between a concrete memtable
// type and the abstract shape the surrounding engine programs against.
package memindex

import "github.com/aalhour/tierkv/entry"

// Index is the capability set the tier coordinator requires of a memory
// index: ordered point ops, MVCC snapshot scan, and CAS.
type Index interface {
	// Set inserts or overwrites key's head value at seqno. Returns the
	// previous head record (nil if none).
	Set(key, value []byte, seqno entry.SequenceNumber) (prev *entry.Record, err error)

	// SetCAS performs Set iff the current head seqno equals cas (or the
	// key is absent and cas == 0). Returns ErrCasFailed on mismatch.
	SetCAS(key, value []byte, cas entry.SequenceNumber, seqno entry.SequenceNumber) (prev *entry.Record, err error)

	// Delete inserts a tombstone at seqno.
	Delete(key []byte, seqno entry.SequenceNumber) (prev *entry.Record, err error)

	// DeleteCAS is Delete gated by the same CAS rule as SetCAS.
	DeleteCAS(key []byte, cas entry.SequenceNumber, seqno entry.SequenceNumber) (prev *entry.Record, err error)

	// Remove physically deletes all versions of key (used by evict/purge
	// paths, not by normal writers).
	Remove(key []byte) (prev *entry.Record, ok bool)

	// Get returns the head record visible at the most recent write.
	Get(key []byte) (rec *entry.Record, found bool)

	// GetVersions returns every retained version of key, newest first.
	GetVersions(key []byte) ([]*entry.Record, bool)

	// Iter returns an ascending iterator over a consistent snapshot of the
	// index taken at call time.
	Iter() Iterator

	// Range returns an ascending iterator over [start, end).
	Range(start, end []byte) Iterator

	// Reverse returns a descending iterator over a consistent snapshot.
	Reverse() Iterator

	// PWScan performs a bounded piecewise scan: it returns up to limit
	// records starting at start and a resume cursor, taking the index's
	// internal lock only for the short critical section needed to copy
	// that batch out - a non-blocking piecewise scan bounded to short
	// critical sections.
	PWScan(start []byte, limit int) (batch []*entry.Record, cursor []byte, err error)

	// Footprint returns the approximate memory usage in bytes.
	Footprint() int64

	// Len returns the number of live head entries (tombstones included).
	Len() int64

	// ToSeqno returns the highest sequence number admitted so far.
	ToSeqno() entry.SequenceNumber

	// Validate checks internal invariants (delta ordering, seqno
	// monotonicity of stored versions); used by tests.
	Validate() error
}

// Iterator is a read-only cursor over a memindex snapshot.
type Iterator interface {
	Valid() bool
	Next()
	Record() *entry.Record
}
