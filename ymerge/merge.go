// Package ymerge implements the Y-merge flush/compaction engine: an ordered
// multi-input merge over memory and/or disk sources that fuses versions of
// the same key by sequence-number precedence, reconciles delta chains, and
// purges tombstones only once merged all the way to the floor level.
//
// Grounded on a compaction job's key-merging loop over multiple input
// iterators and a merging-iterator heap, generalized from a
// single-value-per-key compaction into this engine's delta-chain-preserving
// fusion.
package ymerge

import (
	"bytes"
	"container/heap"

	"github.com/aalhour/tierkv/entry"
)

// Source is anything ymerge can read from: memindex.Iterator and
// diskindex.Iterator both already satisfy this method set structurally.
type Source interface {
	Valid() bool
	Next()
	Record() *entry.Record
}

// Input pairs a Source with whether it originates from the memory tier
// (M/Mw/Mf/Mc). Memory-side input wins duplicate-seqno ties: when two
// inputs carry the exact same sequence number for a key, the memory-side
// version is authoritative.
type Input struct {
	Src    Source
	Memory bool
}

// Options configures a merge pass.
type Options struct {
	// AtFloor is true when the merge output is the lowest/oldest level of
	// the disk tier - the only point at which tombstones may be purged
	// entirely rather than carried forward.
	AtFloor bool

	// Delta selects delta-retention mode. A non-floor merge always keeps
	// its delta chain regardless of this flag: the chain is only dropped
	// once a record reaches the floor level - earlier levels carry deltas
	// in both retention modes. Only when Delta is false AND this merge's
	// output is AtFloor does the chain get stripped; the head value
	// itself is never discarded either way.
	Delta bool

	// Reverse merges descending sources into one descending output stream.
	// Every input Source must itself iterate in descending key order.
	Reverse bool

	// Cancelled, when non-nil, is polled at every fused-key boundary. Once
	// it reports true the merger yields no further records; the caller is
	// expected to discard any partial output and release its input pins.
	Cancelled func() bool
}

// heapItem is one live input, tracked by its current key for ordering.
type heapItem struct {
	input *Input
	rec   *entry.Record
}

type mergeHeap struct {
	items   []*heapItem
	reverse bool
}

func (h *mergeHeap) Len() int { return len(h.items) }
func (h *mergeHeap) Less(i, j int) bool {
	c := bytes.Compare(h.items[i].rec.Key, h.items[j].rec.Key)
	if h.reverse {
		c = -c
	}
	if c != 0 {
		return c < 0
	}
	if h.items[i].rec.Seqno != h.items[j].rec.Seqno {
		return h.items[i].rec.Seqno > h.items[j].rec.Seqno // higher seqno (newer) first
	}
	// Duplicate seqno: memory-side input sorts first so it is picked as
	// the winner for that exact version.
	return h.items[i].input.Memory && !h.items[j].input.Memory
}
func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *mergeHeap) Push(x any)    { h.items = append(h.items, x.(*heapItem)) }
func (h *mergeHeap) Pop() any {
	n := len(h.items)
	item := h.items[n-1]
	h.items = h.items[:n-1]
	return item
}

// Merger produces the fused output stream of a Y-merge pass. It satisfies
// diskindex.BuildSource so its output can be handed straight to
// diskindex.Build.
type Merger struct {
	opts      Options
	h         mergeHeap
	cur       *entry.Record
	cancelled bool
}

// New starts a merge over inputs. Each input's Source must already be
// positioned at (or before) its first record.
func New(inputs []Input, opts Options) *Merger {
	m := &Merger{opts: opts, h: mergeHeap{reverse: opts.Reverse}}
	for i := range inputs {
		in := &inputs[i]
		if in.Src.Valid() {
			heap.Push(&m.h, &heapItem{input: in, rec: in.Src.Record()})
		}
	}
	m.advance()
	return m
}

// advance pulls the next fused key out of the heap into m.cur, skipping
// keys that collapse entirely (a tombstone purged at the floor). The
// cancellation flag is observed here, at fused-key boundaries only: a
// record already fused is still handed out, the next one is not.
func (m *Merger) advance() {
	for {
		m.cur = nil
		if m.opts.Cancelled != nil && m.opts.Cancelled() {
			m.cancelled = true
			return
		}
		if m.h.Len() == 0 {
			return
		}
		fused := m.fuseNextKey()
		if fused == nil {
			continue // purged tombstone at the floor: keep looking
		}
		m.cur = fused
		return
	}
}

// Cancelled reports whether the merge stopped early because Options.
// Cancelled fired. A cancelled merge's partial output must be discarded.
func (m *Merger) Cancelled() bool { return m.cancelled }

// fuseNextKey pops every input currently positioned at the heap's minimum
// key, merges them into one record by seqno precedence (the head item wins
// the live value; older items contribute to the delta chain unless the
// merge strips it), and re-pushes each input's next record.
func (m *Merger) fuseNextKey() *entry.Record {
	if m.h.Len() == 0 {
		return nil
	}
	key := append([]byte(nil), m.h.items[0].rec.Key...)

	var head *entry.Record
	var deltas []entry.Delta
	seenSeqno := make(map[entry.SequenceNumber]bool)

	for m.h.Len() > 0 && bytes.Equal(m.h.items[0].rec.Key, key) {
		item := heap.Pop(&m.h).(*heapItem)
		rec := item.rec

		if !seenSeqno[rec.Seqno] {
			seenSeqno[rec.Seqno] = true
			if head == nil {
				head = rec
			} else {
				// Same rule as memindex's chain building: an inline value
				// becomes a native delta, a reference value stays a
				// reference delta, and a tombstone contributes none.
				switch rec.Kind {
				case entry.ValueLive:
					deltas = append(deltas, entry.Delta{Seqno: rec.Seqno, Kind: entry.DeltaNative, Value: rec.Value})
				case entry.ValueReference:
					deltas = append(deltas, entry.Delta{Seqno: rec.Seqno, Kind: entry.DeltaReference, Ref: rec.Ref})
				}
			}
			for _, d := range rec.Deltas {
				if !seenSeqno[d.Seqno] {
					seenSeqno[d.Seqno] = true
					deltas = append(deltas, d)
				}
			}
		}

		item.input.Src.Next()
		if item.input.Src.Valid() {
			item.rec = item.input.Src.Record()
			heap.Push(&m.h, item)
		}
	}

	if head == nil {
		return nil
	}

	if head.IsTombstone() && m.opts.AtFloor {
		return nil // purge-at-floor: no live value and no reader below this level
	}

	out := &entry.Record{Key: key, Seqno: head.Seqno, Kind: head.Kind, Value: head.Value, Ref: head.Ref}
	if m.opts.Delta || !m.opts.AtFloor {
		out.Deltas = sortDeltasDescending(deltas)
	}
	// else: non-delta mode at the floor level carries no chain.
	return out
}

func sortDeltasDescending(deltas []entry.Delta) []entry.Delta {
	for i := 1; i < len(deltas); i++ {
		for j := i; j > 0 && deltas[j].Seqno > deltas[j-1].Seqno; j-- {
			deltas[j], deltas[j-1] = deltas[j-1], deltas[j]
		}
	}
	return deltas
}

// Valid implements diskindex.BuildSource.
func (m *Merger) Valid() bool { return m.cur != nil }

// Next implements diskindex.BuildSource.
func (m *Merger) Next() { m.advance() }

// Record implements diskindex.BuildSource.
func (m *Merger) Record() *entry.Record { return m.cur }
