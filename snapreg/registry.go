// Package snapreg implements the snapshot registry: the copy-on-write root
// of disk-tier state, handed out to readers as pinned, refcounted views so
// that background flush/compact/evict work can swap in a new set of
// per-level disk indices without blocking or corrupting any in-flight
// scan.
//
// Grounded on a versioned-snapshot idiom: an immutable, refcounted snapshot
// of per-level on-disk files, held behind a mutex and swapped for a new one
// as compaction finishes. This package keeps that refcount/immutable-
// snapshot shape but replaces the mutex-guarded "current" pointer with a
// lock-free atomic.Pointer swap, so pin_read never blocks a concurrent
// publish.
package snapreg

import (
	"sync"
	"sync/atomic"

	"github.com/aalhour/tierkv/diskindex"
	"github.com/aalhour/tierkv/entry"
)

// MaxNumLevels bounds the disk tier at 16 levels.
const MaxNumLevels = 16

// Root is an immutable snapshot of the disk tier: the set of disk indices
// live at each level, plus the seqno watermark below which every live
// reader has already observed every record (used by the evict engine's
// non-delta-mode "evict unconditionally below this seqno" rule).
type Root struct {
	levels  [MaxNumLevels][]diskindex.Index
	seqno   entry.SequenceNumber
	genNum  uint64
	refs    int32
	reg     *Registry
	drained bool // true once no future pin_read can reach this root
}

// Levels returns the disk indices live at level, in the order the
// publisher passed them to PublishDisk; the registry does not sort them.
func (r *Root) Levels(level int) []diskindex.Index {
	if level < 0 || level >= MaxNumLevels {
		return nil
	}
	return r.levels[level]
}

// Seqno returns the sequence-number watermark this root was published at.
func (r *Root) Seqno() entry.SequenceNumber { return r.seqno }

// Generation returns the monotonically increasing publish generation
// number, used to detect staleness without pointer comparison.
func (r *Root) Generation() uint64 { return r.genNum }

// Ref increments the pin count.
func (r *Root) ref() { atomic.AddInt32(&r.refs, 1) }

// Release decrements the pin count. When it reaches zero and the root has
// been retired (superseded and drained), the registry's scan_refs pass is
// free to reclaim the disk indices it alone holds.
func (r *Root) Release() {
	if atomic.AddInt32(&r.refs, -1) == 0 && r.reg != nil {
		r.reg.noteDrained(r)
	}
}

// Handle is a pinned, read-only view onto a Root. Callers must call
// Release exactly once when done scanning.
type Handle struct {
	root *Root
}

// Root returns the pinned snapshot.
func (h *Handle) Root() *Root { return h.root }

// Release unpins the snapshot, matching Root.Release.
func (h *Handle) Release() { h.root.Release() }

// Registry is the copy-on-write snapshot root. Readers call PinRead to
// get a Handle that survives any number of
// subsequent PublishDisk calls; writers call PublishDisk to atomically
// install a new Root once a flush or compaction finishes.
type Registry struct {
	current atomic.Pointer[Root]

	mu      sync.Mutex // serializes publishers only, never readers
	nextGen uint64
	retired []*Root // superseded roots awaiting drain
}

// New creates a registry with an empty initial root.
func New() *Registry {
	reg := &Registry{}
	root := &Root{reg: reg, genNum: 0}
	reg.current.Store(root)
	return reg
}

// PinRead returns a pinned Handle on the current root. This never blocks a
// concurrent PublishDisk: the atomic.Pointer load either observes the old
// root or the new one, and either is a valid, fully-formed snapshot because
// PublishDisk only stores a root after it is completely built. The root
// swap only needs to be published with at least release/acquire ordering;
// Go's atomic.Pointer Store/Load provide sequential consistency, a
// strictly stronger guarantee, so that requirement is satisfied for free
// here.
func (reg *Registry) PinRead() *Handle {
	for {
		root := reg.current.Load()
		root.ref()
		// Re-check: if a publish raced in between Load and ref and retired
		// this exact root, the ref we just took is still valid - retirement
		// only marks roots for drain-once-refs-hit-zero, it never mutates a
		// root's content. So the first observed root is always safe to hand
		// out; no retry needed.
		return &Handle{root: root}
	}
}

// PublishDisk atomically installs a new Root built from levels and seqno.
// The previous root is retired: once every Handle pinned against it has
// called Release, its disk indices become eligible for reclamation.
func (reg *Registry) PublishDisk(levels [MaxNumLevels][]diskindex.Index, seqno entry.SequenceNumber) *Root {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	reg.nextGen++
	next := &Root{levels: levels, seqno: seqno, genNum: reg.nextGen, reg: reg}

	old := reg.current.Swap(next)
	reg.retire(old)
	return next
}

// retire marks old as superseded. Must be called with mu held.
func (reg *Registry) retire(old *Root) {
	if old == nil {
		return
	}
	if atomic.LoadInt32(&old.refs) == 0 {
		old.drained = true
		return // nothing pinned it: never add it to the retired list
	}
	old.drained = false
	reg.retired = append(reg.retired, old)
}

// noteDrained is called (possibly from any reader's goroutine, via
// Root.Release) when a retired root's pin count reaches zero.
func (reg *Registry) noteDrained(root *Root) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if root.drained {
		return
	}
	root.drained = true
	for i, r := range reg.retired {
		if r == root {
			reg.retired = append(reg.retired[:i], reg.retired[i+1:]...)
			break
		}
	}
}

// ScanRefs reports the retired roots still pinned by at least one reader
// (the current root is not included), used by the coordinator's
// live-snapshot gauge and by its reference-rewrite scanner.
func (reg *Registry) ScanRefs() []*Root {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]*Root, len(reg.retired))
	copy(out, reg.retired)
	return out
}

// Current returns the live root without pinning it - only safe for
// metadata reads (e.g. metrics) that don't dereference disk indices across
// a yield point.
func (reg *Registry) Current() *Root { return reg.current.Load() }
