package entry

import "testing"

func TestRecordValidate(t *testing.T) {
	r := &Record{
		Key:   []byte("k"),
		Seqno: 10,
		Kind:  ValueLive,
		Value: []byte("v10"),
		Deltas: []Delta{
			{Seqno: 7, Kind: DeltaNative, Value: []byte("v7")},
			{Seqno: 3, Kind: DeltaNative, Value: []byte("v3")},
		},
	}
	if err := r.Validate(); err != nil {
		t.Fatalf("expected valid chain, got %v", err)
	}
}

func TestRecordValidateRejectsNonDecreasing(t *testing.T) {
	r := &Record{
		Seqno: 10,
		Deltas: []Delta{
			{Seqno: 10, Kind: DeltaNative},
		},
	}
	if err := r.Validate(); err == nil {
		t.Fatal("expected validation error for non-decreasing delta seqno")
	}
}

func TestRecordClone(t *testing.T) {
	r := &Record{
		Key:   []byte("k"),
		Seqno: 5,
		Kind:  ValueLive,
		Value: []byte("v"),
		Deltas: []Delta{{Seqno: 1, Kind: DeltaNative, Value: []byte("old")}},
	}
	c := r.Clone()
	c.Key[0] = 'x'
	c.Value[0] = 'x'
	c.Deltas[0].Value[0] = 'x'

	if r.Key[0] != 'k' || r.Value[0] != 'v' || r.Deltas[0].Value[0] != 'o' {
		t.Fatal("clone aliased the original record's backing arrays")
	}
}

func TestIsTombstone(t *testing.T) {
	r := &Record{Kind: ValueTombstone}
	if !r.IsTombstone() {
		t.Fatal("expected tombstone")
	}
	r2 := &Record{Kind: ValueLive}
	if r2.IsTombstone() {
		t.Fatal("did not expect tombstone")
	}
}
