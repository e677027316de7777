// Package memtier implements the memory tier manager: the mutable write
// target M/Mw, the at-most-one immutable table awaiting flush Mf, and the
// rotation policy between them.
//
// Grounded on a flush-job idiom (a flush job consumes one immutable
// memtable at a time) and a write path where CAS writes are validated
// against the active memtable under a lock, generalized from a single
// hard-coded memtable-switch into named M/Mw/Mf states and an explicit
// backpressure rule.
package memtier

import (
	"errors"
	"sync"
	"time"

	"github.com/aalhour/tierkv/entry"
	"github.com/aalhour/tierkv/memindex"
)

// ErrBackpressure is returned by Rotate when a flush is already pending:
// at most one Mf is outstanding; a second rotation attempt is rejected as
// backpressure, not queued.
var ErrBackpressure = errors.New("memtier: flush already pending")

// Config bounds when the manager rotates the active table out from under
// writers.
type Config struct {
	MemHighWater int64         // rotate once Footprint() reaches this many bytes
	FlushTime    time.Duration // rotate if this long has elapsed since the last rotation
}

// Manager owns the mutable write target (M, referred to while being
// written as Mw) and at most one immutable table awaiting flush (Mf).
type Manager struct {
	cfg Config

	mu           sync.Mutex
	active       *memindex.Table
	flushing     *memindex.Table
	lastRotate   time.Time
	blockedSince time.Time // first rejected rotation since the pending flush began; zero when clear
}

// New creates a manager with a fresh, empty active table.
func New(cfg Config, now time.Time) *Manager {
	return &Manager{cfg: cfg, active: memindex.NewIndex(), lastRotate: now}
}

// Active returns the current mutable write target (Mw while a write is in
// flight against it, M otherwise - the distinction is a matter of caller
// intent, not of state held here).
func (m *Manager) Active() *memindex.Table {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Flushing returns the table pending flush (Mf), or nil if none.
func (m *Manager) Flushing() *memindex.Table {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushing
}

// Set performs a CAS-free write against the active table. No
// coordinator-wide lock is taken; the table's own mutex serializes the
// write with every other write to that table.
func (m *Manager) Set(key, value []byte, seqno entry.SequenceNumber) (*entry.Record, error) {
	return m.Active().Set(key, value, seqno)
}

// SetCAS performs a compare-and-swap write: the caller resolves stackHead
// (the key's head seqno in the tiers below the mutable table - Mf and the
// disk levels - 0 if absent there) against the snapshot registry at call
// time, and the precondition is re-verified against the active table's
// head under its write lock before commit.
func (m *Manager) SetCAS(key, value []byte, cas, stackHead, seqno entry.SequenceNumber) (*entry.Record, error) {
	return m.Active().SetCASStacked(key, value, cas, stackHead, seqno)
}

// Delete writes a tombstone to the active table.
func (m *Manager) Delete(key []byte, seqno entry.SequenceNumber) (*entry.Record, error) {
	return m.Active().Delete(key, seqno)
}

// DeleteCAS writes a CAS-gated tombstone to the active table, with the
// same caller-resolved stackHead as SetCAS.
func (m *Manager) DeleteCAS(key []byte, cas, stackHead, seqno entry.SequenceNumber) (*entry.Record, error) {
	return m.Active().DeleteCASStacked(key, cas, stackHead, seqno)
}

// Remove physically drops every version of key from the active table.
func (m *Manager) Remove(key []byte) (*entry.Record, bool) {
	return m.Active().Remove(key)
}

// Get resolves the head record for key across the mutable table and, if a
// rotation is in flight, the sealed Mf behind it.
func (m *Manager) Get(key []byte) (*entry.Record, bool) {
	m.mu.Lock()
	active, flushing := m.active, m.flushing
	m.mu.Unlock()
	if rec, ok := active.Get(key); ok {
		return rec, true
	}
	if flushing != nil {
		return flushing.Get(key)
	}
	return nil, false
}

// GetVersions returns every retained version of key, newest first,
// spanning the mutable table and any sealed Mf.
func (m *Manager) GetVersions(key []byte) ([]*entry.Record, bool) {
	m.mu.Lock()
	active, flushing := m.active, m.flushing
	m.mu.Unlock()
	out, _ := active.GetVersions(key)
	if flushing != nil {
		older, _ := flushing.GetVersions(key)
		out = append(out, older...)
	}
	return out, len(out) > 0
}

// Iter returns an ascending iterator over the mutable table's snapshot.
// Full-stack scans that must also span Mf and the disk tier go through
// the coordinator's Y-merge instead.
func (m *Manager) Iter() memindex.Iterator { return m.Active().Iter() }

// Range returns an ascending iterator over [start, end) of the mutable
// table's snapshot.
func (m *Manager) Range(start, end []byte) memindex.Iterator { return m.Active().Range(start, end) }

// Reverse returns a descending iterator over the mutable table's snapshot.
func (m *Manager) Reverse() memindex.Iterator { return m.Active().Reverse() }

// ShouldRotate reports whether the active table has crossed the
// mem-high-water mark or the flush-time interval has elapsed (the two
// rotation triggers).
func (m *Manager) ShouldRotate(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.MemHighWater > 0 && m.active.Footprint() >= m.cfg.MemHighWater {
		return true
	}
	if m.cfg.FlushTime > 0 && now.Sub(m.lastRotate) >= m.cfg.FlushTime {
		return true
	}
	return false
}

// Rotate retires the active table to Mf and installs a fresh, empty active
// table. It fails with ErrBackpressure if a previous Mf has not yet been
// consumed by FlushDone - flush must drain before another rotation is
// accepted.
func (m *Manager) Rotate(now time.Time) (*memindex.Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flushing != nil {
		if m.blockedSince.IsZero() {
			m.blockedSince = now
		}
		return nil, ErrBackpressure
	}
	m.flushing = m.active
	m.active = memindex.NewIndex()
	m.lastRotate = now
	m.blockedSince = time.Time{}
	return m.flushing, nil
}

// FlushDone clears Mf once the flush engine has durably incorporated it
// into the disk tier, unblocking the next Rotate call.
func (m *Manager) FlushDone(flushed *memindex.Table) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flushing == flushed {
		m.flushing = nil
		m.blockedSince = time.Time{}
	}
}

// BackpressuredBeyond reports whether a needed rotation has been rejected
// for longer than deadline because the pending flush has not drained:
// the point at which writers are told to back off instead of queueing
// silently.
func (m *Manager) BackpressuredBeyond(now time.Time, deadline time.Duration) bool {
	if deadline <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.blockedSince.IsZero() && now.Sub(m.blockedSince) > deadline
}

// Footprint returns the combined approximate memory usage of M and Mf.
func (m *Manager) Footprint() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	fp := m.active.Footprint()
	if m.flushing != nil {
		fp += m.flushing.Footprint()
	}
	return fp
}

// ToSeqno returns the highest sequence number admitted into either table.
func (m *Manager) ToSeqno() entry.SequenceNumber {
	m.mu.Lock()
	defer m.mu.Unlock()
	hi := m.active.ToSeqno()
	if m.flushing != nil {
		if fhi := m.flushing.ToSeqno(); fhi > hi {
			hi = fhi
		}
	}
	return hi
}
