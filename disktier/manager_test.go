package disktier

import (
	"testing"

	"github.com/aalhour/tierkv/diskindex"
	"github.com/aalhour/tierkv/entry"
	"github.com/aalhour/tierkv/snapreg"
)

type fakeIndex struct {
	size   int64
	smallS entry.SequenceNumber
	largeS entry.SequenceNumber
}

func (f *fakeIndex) Get(key []byte) (*entry.Record, bool)     { return nil, false }
func (f *fakeIndex) MayContain(key []byte) bool                { return true }
func (f *fakeIndex) Iter() diskindex.Iterator                  { return nil }
func (f *fakeIndex) Range(s, e []byte) diskindex.Iterator      { return nil }
func (f *fakeIndex) Reverse() diskindex.Iterator               { return nil }
func (f *fakeIndex) SmallestKey() []byte                       { return nil }
func (f *fakeIndex) LargestKey() []byte                        { return nil }
func (f *fakeIndex) SmallestSeqno() entry.SequenceNumber       { return f.smallS }
func (f *fakeIndex) LargestSeqno() entry.SequenceNumber        { return f.largeS }
func (f *fakeIndex) NumEntries() int64                         { return 1 }
func (f *fakeIndex) SizeBytes() int64                          { return f.size }
func (f *fakeIndex) Validate() error                           { return nil }

var _ diskindex.Index = (*fakeIndex)(nil)

func TestPlanCompactFileWhenL0Overflows(t *testing.T) {
	reg := snapreg.New()
	var levels [snapreg.MaxNumLevels][]diskindex.Index
	levels[0] = []diskindex.Index{&fakeIndex{size: 10}, &fakeIndex{size: 10}, &fakeIndex{size: 10}, &fakeIndex{size: 10}}
	root := reg.PublishDisk(levels, 0)

	m := New(Config{L0CompactionTrigger: 4})
	plan, ok := m.Plan(root)
	if !ok || plan.Kind != CompactFileCycle {
		t.Fatalf("expected compact-file-cycle, got %+v ok=%v", plan, ok)
	}
}

func TestPlanNoneWhenEmpty(t *testing.T) {
	reg := snapreg.New()
	root := reg.Current()
	m := New(Config{})
	if _, ok := m.Plan(root); ok {
		t.Fatal("expected no plan for an empty disk tier")
	}
}

func TestPlanCompactOnHighAmplification(t *testing.T) {
	reg := snapreg.New()
	var levels [snapreg.MaxNumLevels][]diskindex.Index
	levels[1] = []diskindex.Index{&fakeIndex{size: 1 << 30}}
	root := reg.PublishDisk(levels, 0)

	m := New(Config{BaseLevelBytes: 1 << 10})
	plan, ok := m.Plan(root)
	if !ok || plan.Kind != CompactCycle || plan.FromLevel != 1 {
		t.Fatalf("expected compact-cycle from level 1, got %+v ok=%v", plan, ok)
	}
}

func TestPlanFlushUsesFlushCycleWhenDaEmpty(t *testing.T) {
	reg := snapreg.New()
	root := reg.Current()

	m := New(Config{L0CompactionTrigger: 4})
	plan := m.PlanFlush(root)
	if plan.Kind != FlushCycle || !plan.IncludeMemory || len(plan.Inputs) != 0 {
		t.Fatalf("expected flush-cycle with no Da input, got %+v", plan)
	}
}

func TestPlanFlushUsesIncrementalFlushAndIncludesDa(t *testing.T) {
	reg := snapreg.New()
	var levels [snapreg.MaxNumLevels][]diskindex.Index
	da := &fakeIndex{size: 5}
	levels[0] = []diskindex.Index{da}
	root := reg.PublishDisk(levels, 0)

	m := New(Config{L0CompactionTrigger: 4})
	plan := m.PlanFlush(root)
	if plan.Kind != IncrementalFlush || plan.ToLevel != 0 {
		t.Fatalf("expected incremental-flush targeting level 0, got %+v", plan)
	}
	if !plan.IncludeMemory || len(plan.Inputs) != 1 || plan.Inputs[0] != diskindex.Index(da) {
		t.Fatalf("expected incremental-flush to merge the existing Da, got %+v", plan)
	}
}

func TestPlanFlushUsesIncrementalCompactWhenDaCrowded(t *testing.T) {
	reg := snapreg.New()
	var levels [snapreg.MaxNumLevels][]diskindex.Index
	levels[0] = []diskindex.Index{&fakeIndex{size: 1}, &fakeIndex{size: 1}, &fakeIndex{size: 1}, &fakeIndex{size: 1}}
	root := reg.PublishDisk(levels, 0)

	m := New(Config{L0CompactionTrigger: 4})
	plan := m.PlanFlush(root)
	if plan.Kind != IncrementalCompact || plan.ToLevel != 1 {
		t.Fatalf("expected incremental-compact targeting level 1 once Da is crowded, got %+v", plan)
	}
	if !plan.IncludeMemory || len(plan.Inputs) != 4 {
		t.Fatalf("expected incremental-compact to merge every existing Da file, got %+v", plan)
	}
}

func TestPlanFlushBoundsIncrementalInputs(t *testing.T) {
	reg := snapreg.New()
	var levels [snapreg.MaxNumLevels][]diskindex.Index
	levels[0] = []diskindex.Index{&fakeIndex{size: 1}, &fakeIndex{size: 1}, &fakeIndex{size: 1}}
	root := reg.PublishDisk(levels, 0)

	m := New(Config{L0CompactionTrigger: 4, IncrementalStep: 2})
	plan := m.PlanFlush(root)
	if len(plan.Inputs) != 2 {
		t.Fatalf("expected incremental-flush bounded to IncrementalStep Da files, got %d", len(plan.Inputs))
	}
}

func TestPlanCompactFileNeverRelabelsToIncrementalCompact(t *testing.T) {
	reg := snapreg.New()
	var levels [snapreg.MaxNumLevels][]diskindex.Index
	levels[0] = []diskindex.Index{&fakeIndex{size: 10}, &fakeIndex{size: 10}, &fakeIndex{size: 10}, &fakeIndex{size: 10}}
	root := reg.PublishDisk(levels, 0)

	m := New(Config{L0CompactionTrigger: 4})
	plan, ok := m.Plan(root)
	if !ok || plan.Kind != CompactFileCycle || plan.IncludeMemory {
		t.Fatalf("expected a pure disk-to-disk compact-file-cycle, got %+v ok=%v", plan, ok)
	}
}

func TestPlanBackupMergesAllLevelsAndMemory(t *testing.T) {
	reg := snapreg.New()
	var levels [snapreg.MaxNumLevels][]diskindex.Index
	levels[0] = []diskindex.Index{&fakeIndex{size: 1}}
	levels[3] = []diskindex.Index{&fakeIndex{size: 1}}
	root := reg.PublishDisk(levels, 0)

	m := New(Config{})
	plan, ok := m.PlanBackup(root, true)
	if !ok || plan.Kind != BackupCycle || len(plan.Inputs) != 2 || !plan.AtFloor || !plan.IncludeMemory {
		t.Fatalf("expected backup-cycle over both populated levels plus M, got %+v ok=%v", plan, ok)
	}
}

func TestPlanBackupRunsOnMemoryAloneBeforeAnyD(t *testing.T) {
	reg := snapreg.New()
	root := reg.Current()

	m := New(Config{})
	plan, ok := m.PlanBackup(root, true)
	if !ok || plan.Kind != BackupCycle || len(plan.Inputs) != 0 || !plan.IncludeMemory {
		t.Fatalf("expected an M-only backup-cycle before any D exists, got %+v ok=%v", plan, ok)
	}
}

func TestPlanBackupNoopWhenNothingToMerge(t *testing.T) {
	reg := snapreg.New()
	root := reg.Current()

	m := New(Config{})
	if _, ok := m.PlanBackup(root, false); ok {
		t.Fatal("expected no backup-cycle when M is empty and no D exists")
	}
}
