// Package disktier implements the disk tier manager: the bounded ≤16-level
// on-disk structure and the named-cycle scheduler that decides what to
// merge next.
//
// Grounded on a leveled-compaction-picker idiom (per-level amplification
// scoring, L0-file-count trigger, best-level selection), but replaces a
// generic leveled/universal/FIFO style choice with six named cycles, each
// a fixed merge shape the coordinator drives directly rather than a
// single generic "pick a compaction" entry point.
package disktier

import (
	"github.com/aalhour/tierkv/diskindex"
	"github.com/aalhour/tierkv/snapreg"
)

// MaxNumLevels bounds the disk tier.
const MaxNumLevels = snapreg.MaxNumLevels

// Cycle names the kind of merge work a Plan describes.
type Cycle string

const (
	// BackupCycle periodically folds every level down to the floor in one
	// pass, used by the backup configuration where read amplification
	// matters less than a minimal, fully-merged on-disk copy.
	BackupCycle Cycle = "backup-cycle"

	// FlushCycle admits a flushed memory table as a brand-new level-0
	// disk index, without touching any existing level.
	FlushCycle Cycle = "flush-cycle"

	// IncrementalFlush merges a just-sealed Mf straight into the existing
	// top disk level in place ("Mf [+ Mc] + Da -> Da'"), used once Da
	// already holds data so flush-cycle would otherwise let level 0 grow
	// unbounded.
	IncrementalFlush Cycle = "incremental-flush"

	// IncrementalCompact merges a just-sealed Mf with the existing top
	// disk level straight down into level 1 ("Mf [+ Mc] + Da -> Dm"),
	// used once Da is already crowded enough to need relief rather than
	// another in-place merge.
	IncrementalCompact Cycle = "incremental-compact"

	// CompactFileCycle merges level 0 into level 1. Level 0 is the
	// exception to "non-overlapping ranges per level", so this is
	// scheduled separately from CompactCycle.
	CompactFileCycle Cycle = "compact-file-cycle"

	// CompactCycle merges one level fully into the next, chosen by
	// amplification score.
	CompactCycle Cycle = "compact-cycle"
)

// Config tunes the amplification scorer, mirroring a leveled-compaction
// picker's own tunables. Cycle selection itself no longer branches on the
// engine's operating configuration: compact-file-cycle/compact-cycle are
// the same D1+D2 disk-to-disk merge in every configuration that uses a
// disk tier at all, and flush-cycle/incremental-flush/incremental-compact
// are chosen by how crowded the top disk level already is, not by mode.
type Config struct {
	L0CompactionTrigger int
	BaseLevelBytes      int64
	LevelSizeMultiplier float64
	IncrementalStep     int // max Da input files folded into one incremental-* cycle
}

func (c Config) withDefaults() Config {
	if c.L0CompactionTrigger <= 0 {
		c.L0CompactionTrigger = 4
	}
	if c.BaseLevelBytes <= 0 {
		c.BaseLevelBytes = 64 << 20
	}
	if c.LevelSizeMultiplier <= 0 {
		c.LevelSizeMultiplier = 10.0
	}
	if c.IncrementalStep <= 0 {
		c.IncrementalStep = 4
	}
	return c
}

// Plan describes one unit of merge work for the coordinator to execute via
// ymerge and then publish via snapreg.
type Plan struct {
	Kind      Cycle
	FromLevel int
	ToLevel   int
	Inputs    []diskindex.Index

	// IncludeMemory signals that the caller must fuse the memory-side
	// source(s) into the ymerge alongside Inputs: Mf (plus Mc under
	// working-set-dgm) for flush-cycle/incremental-flush/
	// incremental-compact, or M itself for backup-cycle. disktier has no
	// visibility into memtier/memindex/wscache, so it only raises this
	// flag; the coordinator supplies the actual iterator(s).
	IncludeMemory bool

	AtFloor bool // ToLevel is the last level with any data: ymerge may purge tombstones
}

// Manager picks the next merge cycle given the registry's current root.
type Manager struct {
	cfg Config
}

// New creates a disk tier manager.
func New(cfg Config) *Manager { return &Manager{cfg: cfg.withDefaults()} }

func levelSizeBytes(files []diskindex.Index) int64 {
	var total int64
	for _, f := range files {
		total += f.SizeBytes()
	}
	return total
}

func (m *Manager) targetBytes(level int) int64 {
	target := float64(m.cfg.BaseLevelBytes)
	for i := 1; i < level; i++ {
		target *= m.cfg.LevelSizeMultiplier
	}
	return int64(target)
}

func (m *Manager) score(level int, files []diskindex.Index) float64 {
	target := m.targetBytes(level)
	if target <= 0 {
		return 0
	}
	return float64(levelSizeBytes(files)) / float64(target)
}

// pickAmplificationPair chooses, among files at a level, the one whose
// overlap with the next level is most worth compacting. Tie-break: when
// two candidate inputs have equal amplification score, prefer the older,
// higher-seqno pair - i.e. prefer the file whose LargestSeqno is higher
// (more recently superseded data waiting behind it) when sizes/scores tie.
func pickAmplificationPair(files []diskindex.Index) diskindex.Index {
	best := files[0]
	for _, f := range files[1:] {
		if f.SizeBytes() > best.SizeBytes() {
			best = f
			continue
		}
		if f.SizeBytes() == best.SizeBytes() && f.LargestSeqno() > best.LargestSeqno() {
			best = f
		}
	}
	return best
}

// Plan inspects root and returns the next merge cycle to run, or ok=false
// if nothing needs merging right now.
func (m *Manager) Plan(root *snapreg.Root) (Plan, bool) {
	l0 := root.Levels(0)
	if len(l0) >= m.cfg.L0CompactionTrigger {
		return m.planCompactFile(root, l0)
	}

	bestLevel, bestScore := -1, 1.0
	for level := 1; level < MaxNumLevels-1; level++ {
		files := root.Levels(level)
		if len(files) == 0 {
			continue
		}
		if s := m.score(level, files); s > bestScore {
			bestScore, bestLevel = s, level
		}
	}
	if bestLevel < 0 {
		return Plan{}, false
	}
	return m.planCompact(root, bestLevel)
}

// planCompactFile merges level 0 into level 1: compact-file-cycle, the
// same D1+D2 disk-to-disk merge under both random-dgm and working-set-dgm
// (memory/backup never grow past level 0, so it never fires there).
func (m *Manager) planCompactFile(root *snapreg.Root, l0 []diskindex.Index) (Plan, bool) {
	inputs := append([]diskindex.Index(nil), l0...)
	inputs = append(inputs, root.Levels(1)...)
	return Plan{
		Kind:      CompactFileCycle,
		FromLevel: 0,
		ToLevel:   1,
		Inputs:    inputs,
		AtFloor:   onlyLevelWithData(root, 1),
	}, true
}

// planCompact merges level into level+1: compact-cycle.
func (m *Manager) planCompact(root *snapreg.Root, level int) (Plan, bool) {
	files := root.Levels(level)
	_ = pickAmplificationPair(files) // result unused: every file of the level is merged
	inputs := append([]diskindex.Index(nil), files...)
	inputs = append(inputs, root.Levels(level+1)...)
	return Plan{
		Kind:      CompactCycle,
		FromLevel: level,
		ToLevel:   level + 1,
		Inputs:    inputs,
		AtFloor:   onlyLevelWithData(root, level+1),
	}, true
}

// PlanFlush decides how to admit a just-sealed Mf (plus Mc under
// working-set-dgm - the coordinator fuses those iterators in when
// IncludeMemory is set) into the disk tier, given the current root.
//
// When level 0 (Da) is empty, flush-cycle lands the merged memory tier as
// a brand-new Da: "Mf [+ Mc] -> Da". Once Da already holds data,
// admitting another unrelated file there would let level 0 grow without
// bound, so the cycle switches to merging directly with the existing Da:
// "Mf [+ Mc] + Da -> Da'" (incremental-flush) while Da is still small,
// or "Mf [+ Mc] + Da -> Dm" (incremental-compact, landing one level
// down) once Da has reached the same L0CompactionTrigger count that
// would otherwise force a compact-file-cycle - this keeps a crowded Da
// from accumulating further instead of being relieved.
func (m *Manager) PlanFlush(root *snapreg.Root) Plan {
	da := root.Levels(0)
	if len(da) == 0 {
		return Plan{
			Kind:          FlushCycle,
			FromLevel:     0,
			ToLevel:       0,
			IncludeMemory: true,
			AtFloor:       onlyLevelWithData(root, 0),
		}
	}

	inputs := boundInputs(append([]diskindex.Index(nil), da...), m.cfg.IncrementalStep)
	if len(da) < m.cfg.L0CompactionTrigger {
		return Plan{
			Kind:          IncrementalFlush,
			FromLevel:     0,
			ToLevel:       0,
			Inputs:        inputs,
			IncludeMemory: true,
			AtFloor:       onlyLevelWithData(root, 0),
		}
	}
	return Plan{
		Kind:          IncrementalCompact,
		FromLevel:     0,
		ToLevel:       1,
		Inputs:        inputs,
		IncludeMemory: true,
		AtFloor:       onlyLevelWithData(root, 1),
	}
}

// PlanBackup merges every populated level together with the live memory
// tier M down to the floor in one pass: backup-cycle, "M + D -> D". The
// memory side is never empty for long (M is never rotated in backup
// mode), so memHasData - whether the caller's M currently holds any
// data - decides whether a cycle runs when no D exists yet either.
func (m *Manager) PlanBackup(root *snapreg.Root, memHasData bool) (Plan, bool) {
	var inputs []diskindex.Index
	floor := 0
	for level := 0; level < MaxNumLevels; level++ {
		files := root.Levels(level)
		if len(files) == 0 {
			continue
		}
		inputs = append(inputs, files...)
		floor = level
	}
	if len(inputs) == 0 && !memHasData {
		return Plan{}, false
	}
	return Plan{
		Kind:          BackupCycle,
		FromLevel:     0,
		ToLevel:       floor,
		Inputs:        inputs,
		IncludeMemory: true,
		AtFloor:       true,
	}, true
}

func onlyLevelWithData(root *snapreg.Root, level int) bool {
	for l := level + 1; l < MaxNumLevels; l++ {
		if len(root.Levels(l)) > 0 {
			return false
		}
	}
	return true
}

func boundInputs(inputs []diskindex.Index, step int) []diskindex.Index {
	if step <= 0 || len(inputs) <= step {
		return inputs
	}
	return inputs[:step]
}
