package evict

import (
	"testing"
	"time"

	"github.com/aalhour/tierkv/entry"
	"github.com/aalhour/tierkv/meter"
)

type fakeVLog struct {
	n int
}

func (f *fakeVLog) Store(value []byte) (entry.Ref, error) {
	f.n++
	return entry.Ref{FileID: 1, Fpos: uint64(f.n)}, nil
}

func TestClassifyPressureBands(t *testing.T) {
	cases := []struct {
		frac float64
		want Band
	}{
		{0.5, BandNormal},
		{0.91, BandElevated},
		{0.96, BandHigh},
		{0.99, BandCritical},
	}
	for _, c := range cases {
		if got := ClassifyPressure(c.frac); got != c.want {
			t.Errorf("ClassifyPressure(%v) = %v, want %v", c.frac, got, c.want)
		}
	}
}

func TestEvaluateNonDeltaFloorRuleIsUnconditional(t *testing.T) {
	e := New(Config{})
	base := time.Unix(1_700_000_000, 0)
	m := meter.New(base)
	d := e.Evaluate(m, base, BandNormal, true, true)
	if !d.Remove {
		t.Fatalf("expected unconditional removal below floor in non-delta mode, got %+v", d)
	}
}

func TestEvaluateNormalBandDoesNothing(t *testing.T) {
	e := New(Config{})
	base := time.Unix(1_700_000_000, 0)
	m := meter.New(base)
	d := e.Evaluate(m, base, BandNormal, false, false)
	if d.EvictDeltas || d.EvictValue || d.Remove {
		t.Fatalf("expected no-op at normal pressure, got %+v", d)
	}
}

func TestEvaluateCriticalBandRespectsRecencyFloor(t *testing.T) {
	e := New(Config{MFUThresholdMillis: 1000})
	base := time.Unix(1_700_000_000, 0)
	m := meter.New(base) // freshly touched: within the 1h floor

	if d := e.Evaluate(m, base, BandCritical, false, false); d.EvictDeltas || d.EvictValue {
		t.Fatalf("expected no eviction within the 1h recency floor even at critical pressure, got %+v", d)
	}

	d := e.Evaluate(m, base.Add(25*time.Hour), BandCritical, false, false)
	if !d.EvictDeltas || !d.EvictValue {
		t.Fatalf("expected critical band to evict a key untouched for 25h, got %+v", d)
	}
}

func TestEvaluateElevatedBandOnlyDeltas(t *testing.T) {
	e := New(Config{MFUThresholdMillis: 1000})
	base := time.Unix(1_700_000_000, 0)
	m := meter.New(base)
	d := e.Evaluate(m, base.Add(25*time.Hour), BandElevated, false, false)
	if !d.EvictDeltas || d.EvictValue {
		t.Fatalf("expected elevated band to evict only deltas, got %+v", d)
	}
}

func TestApplyValueEviction(t *testing.T) {
	rec := &entry.Record{Key: []byte("a"), Kind: entry.ValueLive, Value: []byte("hello")}
	vlog := &fakeVLog{}
	out, err := Apply(rec, Decision{EvictValue: true}, vlog)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != entry.ValueReference || out.Value != nil {
		t.Fatalf("expected value converted to reference, got %+v", out)
	}
	if rec.Kind != entry.ValueLive {
		t.Fatal("expected original record untouched (Apply clones)")
	}
}

func TestApplyRemoveReturnsNil(t *testing.T) {
	rec := &entry.Record{Key: []byte("a")}
	out, err := Apply(rec, Decision{Remove: true}, &fakeVLog{})
	if err != nil || out != nil {
		t.Fatalf("expected nil record on Remove decision, got %+v err=%v", out, err)
	}
}

func TestApplyDeltaEviction(t *testing.T) {
	rec := &entry.Record{
		Key:   []byte("a"),
		Kind:  entry.ValueLive,
		Value: []byte("head"),
		Deltas: []entry.Delta{
			{Seqno: 1, Kind: entry.DeltaNative, Value: []byte("old")},
		},
	}
	out, err := Apply(rec, Decision{EvictDeltas: true}, &fakeVLog{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Deltas[0].Kind != entry.DeltaReference || out.Deltas[0].Value != nil {
		t.Fatalf("expected delta converted to reference, got %+v", out.Deltas[0])
	}
}
