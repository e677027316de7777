package snapreg

import (
	"sync"

	"github.com/aalhour/tierkv/entry"
)

// RefSet is the registry's file-retention bookkeeping: an append-only map
// from (file_id, fpos) to the file that owns the referenced bytes. Every
// value or delta evicted out of the memory tier registers its reference
// here as a file pin; the reference-rewrite scanner clears pins as it
// rewrites references to a newer file, and publishes a per-file "drained"
// mark once a full sweep finds no reference into that file left anywhere.
//
// A file may be unlinked only when its pin count is zero AND its drained
// mark is set - pins alone are not enough, since a scanner sweep may still
// be in flight when the last pin happens to clear.
type RefSet struct {
	mu      sync.Mutex
	owners  map[entry.Ref]uint64 // ref -> owning file id
	perFile map[uint64]int
	drained map[uint64]bool
}

// NewRefSet creates an empty retention set.
func NewRefSet() *RefSet {
	return &RefSet{
		owners:  make(map[entry.Ref]uint64),
		perFile: make(map[uint64]int),
		drained: make(map[uint64]bool),
	}
}

// Register records ref as a live back-link into its owning file, pinning
// that file against unlink.
func (s *RefSet) Register(ref entry.Ref) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.owners[ref]; ok {
		return
	}
	s.owners[ref] = ref.FileID
	s.perFile[ref.FileID]++
	delete(s.drained, ref.FileID) // a new pin reopens a previously drained file
}

// Rewritten clears old's pin after the scanner (or a merge output) has
// replaced it with a reference into a newer file.
func (s *RefSet) Rewritten(old entry.Ref) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.owners[old]; !ok {
		return
	}
	delete(s.owners, old)
	if s.perFile[old.FileID]--; s.perFile[old.FileID] <= 0 {
		delete(s.perFile, old.FileID)
	}
}

// FilePins returns the number of live references into fileID.
func (s *RefSet) FilePins(fileID uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perFile[fileID]
}

// MarkDrained publishes the per-file drained mark: the scanner's full
// sweep found no remaining reference into fileID.
func (s *RefSet) MarkDrained(fileID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.perFile[fileID] > 0 {
		return // a pin raced in: the file is not actually drained
	}
	s.drained[fileID] = true
}

// Drained reports whether fileID's drained mark has been published.
func (s *RefSet) Drained(fileID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drained[fileID]
}

// Unlinkable reports whether fileID may be deleted: no live pin and the
// drained mark published.
func (s *RefSet) Unlinkable(fileID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perFile[fileID] == 0 && s.drained[fileID]
}

// DrainRemaining clears every reference still registered against fileID
// and publishes its drained mark in one step. The scanner calls this once
// a full sweep of the live tiers found no remaining reference into the
// file: whatever is still registered at that point belongs to snapshots
// that have since been retired and fully released.
func (s *RefSet) DrainRemaining(fileID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ref, owner := range s.owners {
		if owner == fileID {
			delete(s.owners, ref)
		}
	}
	delete(s.perFile, fileID)
	s.drained[fileID] = true
}
