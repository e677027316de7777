package diskindex

import (
	"bytes"
	"fmt"

	"github.com/aalhour/tierkv/entry"
	"github.com/aalhour/tierkv/internal/bitmap"
	"github.com/aalhour/tierkv/internal/compression"
)

// DefaultBlockRecords is the number of records grouped into one compressed
// block before a new sparse index entry is cut, matching a table-builder's
// block-size trigger (there measured in bytes, here in record count for
// simplicity).
const DefaultBlockRecords = 64

// BuildOptions configures how a Snapshot is constructed from a BuildSource.
type BuildOptions struct {
	BlockRecords int
	Compression  compression.Type
	BitsPerKey   int
}

func (o BuildOptions) withDefaults() BuildOptions {
	if o.BlockRecords <= 0 {
		o.BlockRecords = DefaultBlockRecords
	}
	if o.BitsPerKey <= 0 {
		o.BitsPerKey = 10
	}
	return o
}

type block struct {
	firstKey   []byte
	lastKey    []byte
	compressed []byte
	rawSize    int
	compr      compression.Type // actual algorithm used for this block (may fall back to NoCompression)
}

// Snapshot is an immutable disk index: a sequence of compressed blocks, a
// sparse first-key index over them, and a bloom filter over every key.
// Grounded on a table-reader style (block cache + index + filter) and a
// file-metadata style (smallest/largest key and seqno bounds recorded per
// file for the compaction picker).
type Snapshot struct {
	blocks  []block
	filter  *bitmap.Filter
	compr   compression.Type
	smallK  []byte
	largeK  []byte
	smallS  entry.SequenceNumber
	largeS  entry.SequenceNumber
	count   int64
	size    int64
}

// Build consumes src (strictly ascending, one record per key) and produces
// an immutable Snapshot.
func Build(src BuildSource, opts BuildOptions) (*Snapshot, error) {
	opts = opts.withDefaults()

	s := &Snapshot{compr: opts.Compression}
	fb := bitmap.NewBuilder(opts.BitsPerKey)

	var buf []byte
	var firstKey []byte
	var lastKey []byte
	n := 0

	flush := func() error {
		if n == 0 {
			return nil
		}
		compressed, err := compression.Compress(opts.Compression, buf)
		if err != nil {
			return fmt.Errorf("diskindex: compress block: %w", err)
		}
		blockCompr := opts.Compression
		if compressed == nil { // lz4 reported incompressible: store raw, tag the block accordingly
			compressed = append([]byte(nil), buf...)
			blockCompr = compression.NoCompression
		}
		s.blocks = append(s.blocks, block{
			firstKey:   firstKey,
			lastKey:    lastKey,
			compressed: compressed,
			rawSize:    len(buf),
			compr:      blockCompr,
		})
		s.size += int64(len(compressed))
		buf, firstKey, lastKey, n = nil, nil, nil, 0
		return nil
	}

	first := true
	for src.Valid() {
		r := src.Record()
		if first {
			s.smallK = append([]byte(nil), r.Key...)
			s.smallS, s.largeS = r.Seqno, r.Seqno
			first = false
		}
		if r.Seqno < s.smallS {
			s.smallS = r.Seqno
		}
		if r.Seqno > s.largeS {
			s.largeS = r.Seqno
		}
		s.largeK = append([]byte(nil), r.Key...)

		fb.Add(r.Key)
		if firstKey == nil {
			firstKey = append([]byte(nil), r.Key...)
		}
		lastKey = append([]byte(nil), r.Key...)
		buf = encodeRecord(buf, r)
		n++
		s.count++

		if n >= opts.BlockRecords {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		src.Next()
	}
	if err := flush(); err != nil {
		return nil, err
	}

	s.filter = fb.Finish()
	return s, nil
}

func (s *Snapshot) decodeBlock(b block) ([]*entry.Record, error) {
	raw, err := compression.Decompress(b.compr, b.compressed, b.rawSize)
	if err != nil {
		return nil, fmt.Errorf("diskindex: decompress block: %w", err)
	}
	var out []*entry.Record
	for len(raw) > 0 {
		r, n, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
		raw = raw[n:]
	}
	return out, nil
}

func (s *Snapshot) blockFor(key []byte) int {
	lo, hi := 0, len(s.blocks)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(s.blocks[mid].lastKey, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Get implements Index.
func (s *Snapshot) Get(key []byte) (*entry.Record, bool) {
	if !s.MayContain(key) {
		return nil, false
	}
	idx := s.blockFor(key)
	if idx >= len(s.blocks) {
		return nil, false
	}
	recs, err := s.decodeBlock(s.blocks[idx])
	if err != nil {
		return nil, false
	}
	for _, r := range recs {
		if bytes.Equal(r.Key, key) {
			return r, true
		}
	}
	return nil, false
}

// MayContain implements Index.
func (s *Snapshot) MayContain(key []byte) bool { return s.filter.MayContain(key) }

// SmallestKey implements Index.
func (s *Snapshot) SmallestKey() []byte { return s.smallK }

// LargestKey implements Index.
func (s *Snapshot) LargestKey() []byte { return s.largeK }

// SmallestSeqno implements Index.
func (s *Snapshot) SmallestSeqno() entry.SequenceNumber { return s.smallS }

// LargestSeqno implements Index.
func (s *Snapshot) LargestSeqno() entry.SequenceNumber { return s.largeS }

// NumEntries implements Index.
func (s *Snapshot) NumEntries() int64 { return s.count }

// SizeBytes implements Index.
func (s *Snapshot) SizeBytes() int64 { return s.size }

func (s *Snapshot) allRecords() ([]*entry.Record, error) {
	var out []*entry.Record
	for _, b := range s.blocks {
		recs, err := s.decodeBlock(b)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

type sliceIterator struct {
	items []*entry.Record
	pos   int
}

func (it *sliceIterator) Valid() bool { return it.pos < len(it.items) }
func (it *sliceIterator) Next()       { it.pos++ }
func (it *sliceIterator) Record() *entry.Record {
	if !it.Valid() {
		return nil
	}
	return it.items[it.pos]
}

// errIterator surfaces a decode failure as an always-invalid iterator
// rather than panicking; Validate is the place to discover corruption.
type errIterator struct{}

func (errIterator) Valid() bool          { return false }
func (errIterator) Next()                {}
func (errIterator) Record() *entry.Record { return nil }

// Iter implements Index.
func (s *Snapshot) Iter() Iterator {
	all, err := s.allRecords()
	if err != nil {
		return errIterator{}
	}
	return &sliceIterator{items: all}
}

// Range implements Index.
func (s *Snapshot) Range(start, end []byte) Iterator {
	all, err := s.allRecords()
	if err != nil {
		return errIterator{}
	}
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
func (s *Snapshot) Reverse() Iterator {
	all, err := s.allRecords()
	if err != nil {
		return errIterator{}
	}
	rev := make([]*entry.Record, len(all))
	for i, r := range all {
		rev[len(all)-1-i] = r
	}
	return &sliceIterator{items: rev}
}

// Validate implements Index: it decompresses every block and checks key
// ordering and the smallest/largest bounds.
func (s *Snapshot) Validate() error {
	all, err := s.allRecords()
	if err != nil {
		return err
	}
	for i := 1; i < len(all); i++ {
		if bytes.Compare(all[i-1].Key, all[i].Key) >= 0 {
			return fmt.Errorf("diskindex: keys not strictly ascending at position %d", i)
		}
	}
	if len(all) > 0 {
		if !bytes.Equal(all[0].Key, s.smallK) || !bytes.Equal(all[len(all)-1].Key, s.largeK) {
			return fmt.Errorf("diskindex: smallest/largest key bounds do not match stored data")
		}
	}
	return nil
}

var _ Index = (*Snapshot)(nil)
