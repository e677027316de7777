package coordinator

import (
	"time"

	"github.com/aalhour/tierkv/diskindex"
	"github.com/aalhour/tierkv/entry"
	"github.com/aalhour/tierkv/memindex"
	"github.com/aalhour/tierkv/snapreg"
)

// refRewriteSource wraps a backup-cycle merge so the published output
// never carries a reference into a value-log file older than the active
// one: every stale (file_id, fpos) the merge passes through is re-stored
// into the active file and the output record points there instead. The
// memory-tier copies of those stale references are left untouched here -
// the background scanner drains them - so the old file's pins stay held
// until both sides have moved off it.
type refRewriteSource struct {
	src     diskindex.BuildSource
	vlog    *valueLog
	metrics *Metrics
	cur     *entry.Record
}

func (s *refRewriteSource) Valid() bool { return s.src.Valid() }

func (s *refRewriteSource) Next() {
	s.src.Next()
	s.cur = nil
}

func (s *refRewriteSource) Record() *entry.Record {
	if s.cur == nil {
		s.cur = s.rewrite(s.src.Record())
	}
	return s.cur
}

func (s *refRewriteSource) rewrite(rec *entry.Record) *entry.Record {
	active := s.vlog.ActiveFile()
	stale := rec.Kind == entry.ValueReference && rec.Ref.FileID != active
	for _, d := range rec.Deltas {
		if d.Kind == entry.DeltaReference && d.Ref.FileID != active {
			stale = true
			break
		}
	}
	if !stale {
		return rec
	}

	out := rec.Clone()
	if out.Kind == entry.ValueReference && out.Ref.FileID != active {
		if val, ok := s.vlog.Load(out.Ref); ok {
			if newRef, err := s.vlog.Store(val); err == nil {
				out.Ref = newRef
				s.metrics.RefRewritesTotal.Inc()
			}
		}
	}
	for i, d := range out.Deltas {
		if d.Kind != entry.DeltaReference || d.Ref.FileID == active {
			continue
		}
		val, ok := s.vlog.Load(d.Ref)
		if !ok {
			continue
		}
		if newRef, err := s.vlog.Store(val); err == nil {
			out.Deltas[i].Ref = newRef
			s.metrics.RefRewritesTotal.Inc()
		}
	}
	return out
}

// rewriteLoop is the background reference-rewrite scanner: it moves
// memory-resident references out of sealed value-log files into the
// active one, publishes the per-file drained mark once a full sweep finds
// no reference left, and unlinks the file. Reference-rewrite failures only
// defer unlink; they never affect read or write correctness.
func (c *Coordinator) rewriteLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.maybeRewrite()
		}
	}
}

// maybeRewrite runs one full scanner pass over every sealed value-log
// file.
func (c *Coordinator) maybeRewrite() {
	for _, fileID := range c.vlog.StaleFiles() {
		c.rewriteFile(fileID)
	}
}

// rewriteFile sweeps the memory tier rewriting every reference into
// fileID, then - if neither the memory tier, the current root, nor a
// still-pinned retired root can reach the file - publishes its drained
// mark and unlinks it.
func (c *Coordinator) rewriteFile(fileID uint64) {
	active := c.mem.Active()
	clean := true

	var cursor []byte
	for {
		batch, next, err := active.PWScan(cursor, evictWalkBatch)
		if err != nil {
			return
		}
		for _, rec := range batch {
			if !recordReferencesFile(rec, fileID) {
				continue
			}
			key := append([]byte(nil), rec.Key...)
			if !c.rewriteRecord(active, key, fileID) {
				clean = false
			}
		}
		if next == nil {
			break
		}
		cursor = next
	}
	if !clean {
		return // a rewrite failed: retry the sweep next tick, unlink deferred
	}

	// The memory tier is clean. The current root must be too (backup-cycle
	// outputs rewrite their references before publication), but verify
	// rather than assume; every retired root must have been released, or a
	// pinned reader could still resolve into this file; and no backup
	// merge may be in flight, since its unpublished output may still be
	// reading old references out of this file.
	if c.backupMergeActive.Load() || c.rootReferencesFile(fileID) || len(c.reg.ScanRefs()) > 0 {
		return
	}

	c.refs.DrainRemaining(fileID)
	if c.vlog.Unlink(fileID) {
		c.metrics.RefFilesUnlinkedTotal.Inc()
		c.log.Info("reference scanner: value-log file drained and unlinked", "file", fileID)
	}
}

// rewriteRecord re-stores every reference rec holds into fileID under the
// active value-log file, swapping the record in place. Reports whether the
// record no longer references the file afterwards.
func (c *Coordinator) rewriteRecord(active *memindex.Table, key []byte, fileID uint64) bool {
	ok := true
	active.MutateHead(key, func(cur *entry.Record) *entry.Record {
		out := cur.Clone()
		if out.Kind == entry.ValueReference && out.Ref.FileID == fileID {
			val, found := c.vlog.Load(out.Ref)
			if !found {
				ok = false
				return cur
			}
			newRef, err := c.vlog.Store(val)
			if err != nil {
				ok = false
				return cur
			}
			old := out.Ref
			out.Ref = newRef
			c.refs.Rewritten(old)
			c.metrics.RefRewritesTotal.Inc()
		}
		for i, d := range out.Deltas {
			if d.Kind != entry.DeltaReference || d.Ref.FileID != fileID {
				continue
			}
			val, found := c.vlog.Load(d.Ref)
			if !found {
				ok = false
				continue
			}
			newRef, err := c.vlog.Store(val)
			if err != nil {
				ok = false
				continue
			}
			old := d.Ref
			out.Deltas[i].Ref = newRef
			c.refs.Rewritten(old)
			c.metrics.RefRewritesTotal.Inc()
		}
		return out
	})
	return ok
}

// rootReferencesFile scans the pinned current root for any record still
// referencing fileID.
func (c *Coordinator) rootReferencesFile(fileID uint64) bool {
	h := c.reg.PinRead()
	defer h.Release()
	root := h.Root()
	for level := 0; level < snapreg.MaxNumLevels; level++ {
		for _, idx := range root.Levels(level) {
			for it := idx.Iter(); it.Valid(); it.Next() {
				if recordReferencesFile(it.Record(), fileID) {
					return true
				}
			}
		}
	}
	return false
}

func recordReferencesFile(rec *entry.Record, fileID uint64) bool {
	if rec.Kind == entry.ValueReference && rec.Ref.FileID == fileID {
		return true
	}
	for _, d := range rec.Deltas {
		if d.Kind == entry.DeltaReference && d.Ref.FileID == fileID {
			return true
		}
	}
	return false
}
