// Package evict implements the evict engine: a pressure-scheduled walk
// that converts inline values and historical deltas into on-disk
// references once memory pressure and a key's access meter justify it.
//
// Grounded on an LRU block-cache idiom (refcounted handle eviction under
// a capacity budget), generalized from "evict the coldest entry at a
// fixed capacity" to a pressure-band schedule driven by the meter
// package's mru/mfu signals.
package evict

import (
	"time"

	"github.com/aalhour/tierkv/entry"
	"github.com/aalhour/tierkv/meter"
)

// Band names a memory-pressure regime.
type Band int

const (
	// BandNormal: pressure at or below 90%. No eviction walk runs, except
	// the unconditional non-delta-mode floor rule.
	BandNormal Band = iota
	// BandElevated: above 90%. Delta-evict only, gated on meter eligibility.
	BandElevated
	// BandHigh: above 95%. Delta-evict and value-evict, gated on meter
	// eligibility.
	BandHigh
	// BandCritical: above 98%. Delta-evict and value-evict, gated on the
	// same meter eligibility as BandHigh: the recency floor (last access
	// within the hour is never evicted) has no pressure-based carve-out.
	BandCritical
)

// ClassifyPressure maps a used/capacity fraction to a Band using four
// pressure thresholds.
func ClassifyPressure(usedFraction float64) Band {
	switch {
	case usedFraction > 0.98:
		return BandCritical
	case usedFraction > 0.95:
		return BandHigh
	case usedFraction > 0.90:
		return BandElevated
	default:
		return BandNormal
	}
}

// Config tunes the meter eligibility gate applied at every pressure band
// above BandNormal.
type Config struct {
	MFUThresholdMillis int64
}

// Decision is what the walk decided to do with one record.
type Decision struct {
	EvictDeltas bool // convert every entry.Delta's inline Value to a Ref
	EvictValue  bool // convert the head Value to a Ref (Kind becomes ValueReference)
	Remove      bool // non-delta-mode floor rule: drop the record entirely
}

// Engine runs the pressure-scheduled eviction walk.
type Engine struct {
	cfg Config
}

// New creates an eviction engine.
func New(cfg Config) *Engine { return &Engine{cfg: cfg} }

// Evaluate decides what to do with rec given the current pressure band and
// the key's access meter: three eligibility bands plus a non-delta-mode
// unconditional floor rule.
//
// nonDeltaMode + belowFloor together implement that floor rule: in
// non-delta retention mode, any record whose sequence number is at or below
// the disk tier's durable watermark is evicted unconditionally - no meter
// check, no pressure check.
func (e *Engine) Evaluate(m *meter.Meter, now time.Time, band Band, nonDeltaMode bool, belowFloor bool) Decision {
	if nonDeltaMode && belowFloor {
		return Decision{Remove: true}
	}

	if band == BandNormal {
		return Decision{}
	}

	elig := meter.Eligible(m, now, e.cfg.MFUThresholdMillis)
	switch band {
	case BandCritical, BandHigh:
		return Decision{EvictDeltas: elig.DeltaEvict, EvictValue: elig.ValueEvict}
	case BandElevated:
		return Decision{EvictDeltas: elig.DeltaEvict}
	default:
		return Decision{}
	}
}

// ValueLog is the collaborator that converts an inline value to a durable
// reference, used when Decision.EvictValue or EvictDeltas is set.
type ValueLog interface {
	Store(value []byte) (entry.Ref, error)
}

// Apply executes d against rec, writing any evicted inline bytes through
// vlog. It returns the (possibly mutated) record; Remove decisions return
// nil, signaling the caller to drop the key from the index entirely.
func Apply(rec *entry.Record, d Decision, vlog ValueLog) (*entry.Record, error) {
	if d.Remove {
		return nil, nil
	}
	if !d.EvictValue && !d.EvictDeltas {
		return rec, nil
	}

	out := rec.Clone()

	if d.EvictValue && out.Kind == entry.ValueLive {
		ref, err := vlog.Store(out.Value)
		if err != nil {
			return nil, err
		}
		out.Kind = entry.ValueReference
		out.Value = nil
		out.Ref = ref
	}

	if d.EvictDeltas {
		for i, del := range out.Deltas {
			if del.Kind != entry.DeltaNative {
				continue
			}
			ref, err := vlog.Store(del.Value)
			if err != nil {
				return nil, err
			}
			out.Deltas[i].Kind = entry.DeltaReference
			out.Deltas[i].Value = nil
			out.Deltas[i].Ref = ref
		}
	}

	return out, nil
}
