package memindex

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/aalhour/tierkv/entry"
)

// ErrCasFailed is returned by SetCAS/DeleteCAS on a compare-and-swap
// mismatch, carrying the expected/actual seqnos.
var ErrCasFailed = errors.New("memindex: cas failed")

// CasFailedError carries the expected/actual seqnos for ErrCasFailed.
type CasFailedError struct {
	Expected, Actual entry.SequenceNumber
}

func (e *CasFailedError) Error() string {
	return fmt.Sprintf("memindex: cas failed: expected %d, actual %d", e.Expected, e.Actual)
}

func (e *CasFailedError) Unwrap() error { return ErrCasFailed }

// Table is the concrete, skiplist-backed memindex.Index implementation.
// Versions of the same key are stored as distinct skip-list nodes ordered
// (key ascending, seqno descending) - the same layout as a memtable
// internal-key trailer, without a value-type byte.
type Table struct {
	mu       sync.Mutex
	list     *SkipList
	footprint int64
	toSeqno  int64 // atomic, stored as int64 for atomic ops
}

func compareRecords(a, b Item) int {
	ra, rb := a.(*entry.Record), b.(*entry.Record)
	if c := bytes.Compare(ra.Key, rb.Key); c != 0 {
		return c
	}
	// Descending by seqno: higher seqno sorts first.
	if ra.Seqno > rb.Seqno {
		return -1
	}
	if ra.Seqno < rb.Seqno {
		return 1
	}
	return 0
}

// NewIndex creates an empty memory index.
func NewIndex() *Table {
	return &Table{list: NewSkipList(compareRecords)}
}

func recordFootprint(r *entry.Record) int64 {
	sz := int64(len(r.Key) + len(r.Value) + 48)
	for _, d := range r.Deltas {
		sz += int64(len(d.Value) + 24)
	}
	return sz
}

func (ix *Table) headLocked(key []byte) *entry.Record {
	probe := &entry.Record{Key: key, Seqno: entry.MaxSequenceNumber}
	it := ix.list.NewIterator()
	it.Seek(probe)
	if !it.Valid() {
		return nil
	}
	r := it.Item().(*entry.Record)
	if !bytes.Equal(r.Key, key) {
		return nil
	}
	return r
}

func (ix *Table) insertLocked(r *entry.Record) {
	ix.list.Insert(r)
	atomic.AddInt64(&ix.footprint, recordFootprint(r))
	for {
		cur := atomic.LoadInt64(&ix.toSeqno)
		if int64(r.Seqno) <= cur {
			return
		}
		if atomic.CompareAndSwapInt64(&ix.toSeqno, cur, int64(r.Seqno)) {
			return
		}
	}
}

// deltaChainFrom builds the new head's delta chain from the previous
// head: prev's own value (inline or reference) becomes the newest delta,
// followed by prev's existing chain, preserving strictly-decreasing seqno
// order. A tombstone prev contributes no delta of its own (a deletion has
// no prior value to carry) but its chain still rides along.
func deltaChainFrom(prev *entry.Record) []entry.Delta {
	if prev == nil {
		return nil
	}
	deltas := make([]entry.Delta, 0, len(prev.Deltas)+1)
	switch prev.Kind {
	case entry.ValueLive:
		deltas = append(deltas, entry.Delta{Seqno: prev.Seqno, Kind: entry.DeltaNative, Value: prev.Value})
	case entry.ValueReference:
		deltas = append(deltas, entry.Delta{Seqno: prev.Seqno, Kind: entry.DeltaReference, Ref: prev.Ref})
	}
	return append(deltas, prev.Deltas...)
}

// Set implements Index.
func (ix *Table) Set(key, value []byte, seqno entry.SequenceNumber) (*entry.Record, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	prev := ix.headLocked(key)
	r := &entry.Record{Key: append([]byte(nil), key...), Seqno: seqno, Kind: entry.ValueLive, Value: append([]byte(nil), value...), Deltas: deltaChainFrom(prev)}
	ix.insertLocked(r)
	return prev, nil
}

// checkCAS resolves the cas precondition against the current head. Must be
// called with ix.mu held. stackHead is the head seqno resolved against the
// tiers below this table (0 when the key is absent everywhere below): it
// only matters when this table itself holds no version of key. A tombstone
// head counts as absent - cas must be 0 to write over a deleted key.
func (ix *Table) checkCAS(key []byte, cas, stackHead entry.SequenceNumber) (*entry.Record, error) {
	prev := ix.headLocked(key)
	actual := stackHead
	if prev != nil {
		if prev.IsTombstone() {
			actual = 0
		} else {
			actual = prev.Seqno
		}
	}
	if actual != cas {
		return prev, &CasFailedError{Expected: cas, Actual: actual}
	}
	return prev, nil
}

// SetCAS implements Index.
func (ix *Table) SetCAS(key, value []byte, cas entry.SequenceNumber, seqno entry.SequenceNumber) (*entry.Record, error) {
	return ix.SetCASStacked(key, value, cas, 0, seqno)
}

// SetCASStacked performs SetCAS for a key whose current head may live
// below the memory tier: stackHead is the head seqno the caller resolved
// against the snapshot registry at call time (0 if absent everywhere
// below). The precondition is re-verified against this table's own head
// under the write lock before commit - only the mutable tier can have
// changed since the caller's resolution, so that re-check closes the race.
//
// Like MutateHead, this is not part of the Index interface: it is the
// coordinator's full-stack CAS entry point.
func (ix *Table) SetCASStacked(key, value []byte, cas, stackHead, seqno entry.SequenceNumber) (*entry.Record, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	prev, err := ix.checkCAS(key, cas, stackHead)
	if err != nil {
		return prev, err
	}
	r := &entry.Record{Key: append([]byte(nil), key...), Seqno: seqno, Kind: entry.ValueLive, Value: append([]byte(nil), value...), Deltas: deltaChainFrom(prev)}
	ix.insertLocked(r)
	return prev, nil
}

// Delete implements Index.
func (ix *Table) Delete(key []byte, seqno entry.SequenceNumber) (*entry.Record, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	prev := ix.headLocked(key)
	r := &entry.Record{Key: append([]byte(nil), key...), Seqno: seqno, Kind: entry.ValueTombstone, Deltas: deltaChainFrom(prev)}
	ix.insertLocked(r)
	return prev, nil
}

// DeleteCAS implements Index.
func (ix *Table) DeleteCAS(key []byte, cas entry.SequenceNumber, seqno entry.SequenceNumber) (*entry.Record, error) {
	return ix.DeleteCASStacked(key, cas, 0, seqno)
}

// DeleteCASStacked is DeleteCAS with the caller-resolved below-memory head
// seqno, mirroring SetCASStacked.
func (ix *Table) DeleteCASStacked(key []byte, cas, stackHead, seqno entry.SequenceNumber) (*entry.Record, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	prev, err := ix.checkCAS(key, cas, stackHead)
	if err != nil {
		return prev, err
	}
	r := &entry.Record{Key: append([]byte(nil), key...), Seqno: seqno, Kind: entry.ValueTombstone, Deltas: deltaChainFrom(prev)}
	ix.insertLocked(r)
	return prev, nil
}

// removeAllLocked rebuilds the skip list without any version of key,
// returning the freed footprint. Must be called with ix.mu held.
func (ix *Table) removeAllLocked(key []byte) int64 {
	kept := NewSkipList(compareRecords)
	var freed int64
	it := ix.list.NewIterator()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		r := it.Item().(*entry.Record)
		if bytes.Equal(r.Key, key) {
			freed += recordFootprint(r)
			continue
		}
		kept.Insert(r)
	}
	ix.list = kept
	atomic.AddInt64(&ix.footprint, -freed)
	return freed
}

// Remove implements Index: it physically drops every version of key.
func (ix *Table) Remove(key []byte) (*entry.Record, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	prev := ix.headLocked(key)
	if prev == nil {
		return nil, false
	}
	ix.removeAllLocked(key)
	return prev, true
}

// Get implements Index.
func (ix *Table) Get(key []byte) (*entry.Record, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	r := ix.headLocked(key)
	if r == nil {
		return nil, false
	}
	return r, true
}

// GetVersions implements Index.
func (ix *Table) GetVersions(key []byte) ([]*entry.Record, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	probe := &entry.Record{Key: key, Seqno: entry.MaxSequenceNumber}
	it := ix.list.NewIterator()
	it.Seek(probe)
	var out []*entry.Record
	for it.Valid() {
		r := it.Item().(*entry.Record)
		if !bytes.Equal(r.Key, key) {
			break
		}
		out = append(out, r)
		it.Next()
	}
	return out, len(out) > 0
}

// snapshot takes a consistent point-in-time copy of all head records
// (newest version per key) under the write lock. The skip list's
// lock-free-read design would let us avoid this for a single-threaded
// walk, but collapsing multi-version chains into "one record per key"
// for Iter/Range/Reverse needs a coherent pass regardless.
func (ix *Table) snapshotHeads() []*entry.Record {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var out []*entry.Record
	var lastKey []byte
	it := ix.list.NewIterator()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		r := it.Item().(*entry.Record)
		if lastKey != nil && bytes.Equal(r.Key, lastKey) {
			continue // older version of the same key, skip
		}
		out = append(out, r)
		lastKey = r.Key
	}
	return out
}

type sliceIterator struct {
	items []*entry.Record
	pos   int
}

func (s *sliceIterator) Valid() bool { return s.pos < len(s.items) }
func (s *sliceIterator) Next()       { s.pos++ }
func (s *sliceIterator) Record() *entry.Record {
	if !s.Valid() {
		return nil
	}
	return s.items[s.pos]
}

// Iter implements Index.
func (ix *Table) Iter() Iterator {
	return &sliceIterator{items: ix.snapshotHeads()}
}

// Range implements Index.
func (ix *Table) Range(start, end []byte) Iterator {
	all := ix.snapshotHeads()
	lo, hi := 0, len(all)
	if start != nil {
		for lo < len(all) && bytes.Compare(all[lo].Key, start) < 0 {
			lo++
		}
	}
	if end != nil {
		hi = lo
		for hi < len(all) && bytes.Compare(all[hi].Key, end) < 0 {
			hi++
		}
	}
	return &sliceIterator{items: all[lo:hi]}
}

// Reverse implements Index.
func (ix *Table) Reverse() Iterator {
	all := ix.snapshotHeads()
	rev := make([]*entry.Record, len(all))
	for i, r := range all {
		rev[len(all)-1-i] = r
	}
	return &sliceIterator{items: rev}
}

// PWScan implements Index: it takes the write lock only long enough to
// copy out up to limit head records starting at start.
func (ix *Table) PWScan(start []byte, limit int) ([]*entry.Record, []byte, error) {
	if limit <= 0 {
		limit = 1
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var out []*entry.Record
	var lastKey []byte
	it := ix.list.NewIterator()
	if start != nil {
		it.Seek(&entry.Record{Key: start, Seqno: entry.MaxSequenceNumber})
	} else {
		it.SeekToFirst()
	}
	for it.Valid() && len(out) < limit {
		r := it.Item().(*entry.Record)
		if lastKey != nil && bytes.Equal(r.Key, lastKey) {
			it.Next()
			continue
		}
		out = append(out, r)
		lastKey = r.Key
		it.Next()
	}
	var cursor []byte
	if it.Valid() {
		cursor = append([]byte(nil), it.Item().(*entry.Record).Key...)
	}
	return out, cursor, nil
}

// MutateHead applies fn to a copy of key's head record under the write
// lock and writes the result back. fn's return value replaces the head
// record's Kind/Value/Ref/Deltas in place - Key and Seqno are never
// touched, so the skip list's ordering invariant holds and no reinsertion
// is needed. If fn returns nil, every retained version of the key is
// physically dropped, not just the head node (the non-delta-mode
// below-floor purge rule removes the whole key, and a head-only removal
// would strand the older-seqno nodes where no walk can reach them).
//
// This is deliberately not part of the Index interface: it exists only
// for the evict engine's in-place delta/value eviction, which rewrites an
// entry's on-disk representation without advancing its sequence number -
// an operation ordinary writers never perform.
func (ix *Table) MutateHead(key []byte, fn func(*entry.Record) *entry.Record) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	r := ix.headLocked(key)
	if r == nil {
		return false
	}
	before := recordFootprint(r)
	out := fn(r)
	if out == nil {
		ix.removeAllLocked(key)
		return true
	}

	r.Kind = out.Kind
	r.Value = out.Value
	r.Ref = out.Ref
	r.Deltas = out.Deltas
	atomic.AddInt64(&ix.footprint, recordFootprint(r)-before)
	return true
}

// Footprint implements Index.
func (ix *Table) Footprint() int64 { return atomic.LoadInt64(&ix.footprint) }

// Len implements Index.
func (ix *Table) Len() int64 { return int64(len(ix.snapshotHeads())) }

// ToSeqno implements Index.
func (ix *Table) ToSeqno() entry.SequenceNumber {
	return entry.SequenceNumber(atomic.LoadInt64(&ix.toSeqno))
}

// Validate implements Index: it checks that every record satisfies its
// own delta-chain invariant and that per-key versions are strictly
// decreasing in seqno.
func (ix *Table) Validate() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var lastKey []byte
	var lastSeqno entry.SequenceNumber
	it := ix.list.NewIterator()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		r := it.Item().(*entry.Record)
		if err := r.Validate(); err != nil {
			return err
		}
		if lastKey != nil && bytes.Equal(r.Key, lastKey) && r.Seqno >= lastSeqno {
			return fmt.Errorf("memindex: versions of %q not strictly decreasing in seqno", r.Key)
		}
		lastKey, lastSeqno = r.Key, r.Seqno
	}
	return nil
}

var _ Index = (*Table)(nil)
