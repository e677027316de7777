package ymerge

import (
	"testing"

	"github.com/aalhour/tierkv/entry"
)

type fakeSource struct {
	items []*entry.Record
	pos   int
}

func (f *fakeSource) Valid() bool           { return f.pos < len(f.items) }
func (f *fakeSource) Next()                 { f.pos++ }
func (f *fakeSource) Record() *entry.Record { return f.items[f.pos] }

func rec(key string, seqno entry.SequenceNumber, value string) *entry.Record {
	return &entry.Record{Key: []byte(key), Seqno: seqno, Kind: entry.ValueLive, Value: []byte(value)}
}

func tombstone(key string, seqno entry.SequenceNumber) *entry.Record {
	return &entry.Record{Key: []byte(key), Seqno: seqno, Kind: entry.ValueTombstone}
}

func drain(m *Merger) []*entry.Record {
	var out []*entry.Record
	for m.Valid() {
		out = append(out, m.Record())
		m.Next()
	}
	return out
}

func TestMergeNewerWins(t *testing.T) {
	mem := &fakeSource{items: []*entry.Record{rec("a", 5, "new")}}
	disk := &fakeSource{items: []*entry.Record{rec("a", 1, "old")}}

	m := New([]Input{{Src: mem, Memory: true}, {Src: disk}}, Options{Delta: true})
	out := drain(m)
	if len(out) != 1 || string(out[0].Value) != "new" {
		t.Fatalf("expected newer value to win, got %+v", out)
	}
	if len(out[0].Deltas) != 1 || out[0].Deltas[0].Seqno != 1 {
		t.Fatalf("expected older version preserved as a delta, got %+v", out[0].Deltas)
	}
}

func TestMergeCarriesMemoryHeadChain(t *testing.T) {
	head := rec("a", 5, "new")
	head.Deltas = []entry.Delta{{Seqno: 3, Kind: entry.DeltaNative, Value: []byte("mid")}}
	mem := &fakeSource{items: []*entry.Record{head}}
	disk := &fakeSource{items: []*entry.Record{rec("a", 1, "old")}}

	m := New([]Input{{Src: mem, Memory: true}, {Src: disk}}, Options{Delta: true})
	out := drain(m)
	if len(out) != 1 || len(out[0].Deltas) != 2 {
		t.Fatalf("expected the head's own chain merged with the disk version, got %+v", out)
	}
	if out[0].Deltas[0].Seqno != 3 || out[0].Deltas[1].Seqno != 1 {
		t.Fatalf("expected deltas in strictly decreasing seqno order, got %+v", out[0].Deltas)
	}
}

func TestMergeAscendingAcrossKeys(t *testing.T) {
	mem := &fakeSource{items: []*entry.Record{rec("b", 2, "b2")}}
	disk := &fakeSource{items: []*entry.Record{rec("a", 1, "a1"), rec("c", 1, "c1")}}

	m := New([]Input{{Src: mem, Memory: true}, {Src: disk}}, Options{})
	out := drain(m)
	if len(out) != 3 {
		t.Fatalf("expected 3 fused records, got %d", len(out))
	}
	if string(out[0].Key) != "a" || string(out[1].Key) != "b" || string(out[2].Key) != "c" {
		t.Fatalf("expected ascending key order, got %v %v %v", out[0].Key, out[1].Key, out[2].Key)
	}
}

func TestMergePurgesTombstoneAtFloor(t *testing.T) {
	disk := &fakeSource{items: []*entry.Record{tombstone("a", 3)}}

	m := New([]Input{{Src: disk}}, Options{AtFloor: true})
	out := drain(m)
	if len(out) != 0 {
		t.Fatalf("expected tombstone purged at floor, got %+v", out)
	}
}

func TestMergeKeepsTombstoneAboveFloor(t *testing.T) {
	disk := &fakeSource{items: []*entry.Record{tombstone("a", 3)}}

	m := New([]Input{{Src: disk}}, Options{AtFloor: false})
	out := drain(m)
	if len(out) != 1 || !out[0].IsTombstone() {
		t.Fatalf("expected tombstone carried forward above floor, got %+v", out)
	}
}

func TestMergeDuplicateSeqnoPrefersMemorySide(t *testing.T) {
	mem := &fakeSource{items: []*entry.Record{rec("a", 7, "mem-value")}}
	disk := &fakeSource{items: []*entry.Record{rec("a", 7, "disk-value")}}

	m := New([]Input{{Src: disk}, {Src: mem, Memory: true}}, Options{})
	out := drain(m)
	if len(out) != 1 || string(out[0].Value) != "mem-value" {
		t.Fatalf("expected memory-side value to win duplicate-seqno tie, got %+v", out)
	}
}

func TestMergeNonDeltaModeStripsChainAtFloor(t *testing.T) {
	mem := &fakeSource{items: []*entry.Record{rec("a", 5, "new")}}
	disk := &fakeSource{items: []*entry.Record{rec("a", 1, "old")}}

	m := New([]Input{{Src: mem, Memory: true}, {Src: disk}}, Options{Delta: false, AtFloor: true})
	out := drain(m)
	if len(out) != 1 || len(out[0].Deltas) != 0 {
		t.Fatalf("expected non-delta mode to strip historical chain at the floor, got %+v", out[0].Deltas)
	}
	if string(out[0].Value) != "new" {
		t.Fatalf("expected head value preserved, got %q", out[0].Value)
	}
}

func TestMergeReverseDescendingAcrossKeys(t *testing.T) {
	mem := &fakeSource{items: []*entry.Record{rec("b", 2, "b2")}}
	disk := &fakeSource{items: []*entry.Record{rec("c", 1, "c1"), rec("a", 1, "a1")}} // descending source

	m := New([]Input{{Src: mem, Memory: true}, {Src: disk}}, Options{Reverse: true})
	out := drain(m)
	if len(out) != 3 {
		t.Fatalf("expected 3 fused records, got %d", len(out))
	}
	if string(out[0].Key) != "c" || string(out[1].Key) != "b" || string(out[2].Key) != "a" {
		t.Fatalf("expected descending key order, got %q %q %q", out[0].Key, out[1].Key, out[2].Key)
	}
}

func TestMergeReverseDuplicateSeqnoPrefersMemorySide(t *testing.T) {
	mem := &fakeSource{items: []*entry.Record{rec("a", 7, "mem-value")}}
	disk := &fakeSource{items: []*entry.Record{rec("a", 7, "disk-value")}}

	m := New([]Input{{Src: disk}, {Src: mem, Memory: true}}, Options{Reverse: true})
	out := drain(m)
	if len(out) != 1 || string(out[0].Value) != "mem-value" {
		t.Fatalf("expected memory-side value to win duplicate-seqno tie, got %+v", out)
	}
}

func TestMergeCancelledStopsAtKeyBoundary(t *testing.T) {
	disk := &fakeSource{items: []*entry.Record{rec("a", 1, "a1"), rec("b", 2, "b2")}}

	polls := 0
	m := New([]Input{{Src: disk}}, Options{Cancelled: func() bool {
		polls++
		return polls > 1
	}})

	if !m.Valid() || string(m.Record().Key) != "a" {
		t.Fatalf("expected first record fused before cancellation, got valid=%v", m.Valid())
	}
	m.Next()
	if m.Valid() {
		t.Fatalf("expected no records after cancellation, got %+v", m.Record())
	}
	if !m.Cancelled() {
		t.Fatal("expected merger to report cancellation")
	}
}

func TestMergeNonDeltaModeKeepsChainAboveFloor(t *testing.T) {
	mem := &fakeSource{items: []*entry.Record{rec("a", 5, "new")}}
	disk := &fakeSource{items: []*entry.Record{rec("a", 1, "old")}}

	m := New([]Input{{Src: mem, Memory: true}, {Src: disk}}, Options{Delta: false, AtFloor: false})
	out := drain(m)
	if len(out) != 1 || len(out[0].Deltas) != 1 {
		t.Fatalf("expected non-delta mode to still carry the chain above the floor, got %+v", out[0].Deltas)
	}
}
