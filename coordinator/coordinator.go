package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aalhour/tierkv/diskindex"
	"github.com/aalhour/tierkv/disktier"
	"github.com/aalhour/tierkv/entry"
	"github.com/aalhour/tierkv/evict"
	"github.com/aalhour/tierkv/memindex"
	"github.com/aalhour/tierkv/memtier"
	"github.com/aalhour/tierkv/meter"
	"github.com/aalhour/tierkv/snapreg"
	"github.com/aalhour/tierkv/wscache"
	"github.com/aalhour/tierkv/ymerge"
)

// Coordinator is the tier coordinator: a composable key-value storage
// engine wiring the memory tier, disk tier, snapshot registry, Y-merge
// engine, evict engine, and working-set cache into one facade.
//
// Grounded on a DB-implementation-plus-background-worker idiom: the DB
// type owns the memtable/versions/background-work triad behind its public
// Get/Set/Delete surface, and a background-work type runs flush/compaction
// on its own goroutines gated by channels and a shutdown signal - the same
// shape this type follows for flush/compact/evict instead of a single
// compaction style.
type Coordinator struct {
	cfg Configuration

	mem   *memtier.Manager
	reg   *snapreg.Registry
	disk  *disktier.Manager
	evict *evict.Engine
	cache *wscache.Cache
	vlog  *valueLog
	refs  *snapreg.RefSet

	metrics *Metrics
	log     *slog.Logger

	seqno        atomic.Uint64
	writeCounter atomic.Uint64

	metersMu sync.Mutex
	meters   map[string]*meter.Meter

	evictMu     sync.Mutex
	evictCursor []byte

	// backupMergeActive gates the reference scanner's unlink step: a
	// backup-cycle merge in flight may still resolve old value-log
	// references while rewriting its output, so draining is deferred
	// until the cycle publishes.
	backupMergeActive atomic.Bool

	// Backoff state for failed merges; each field pair is owned by the
	// single goroutine that runs that cycle.
	flushFailures   int
	flushRetryAt    time.Time
	compactFailures int
	compactRetryAt  time.Time

	wg     sync.WaitGroup
	stopCh chan struct{}
	closed atomic.Bool
}

// Open constructs a coordinator and starts its background workers.
func Open(cfg Configuration, now time.Time) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:     cfg,
		mem:     memtier.New(memtier.Config{MemHighWater: cfg.MemHighWaterBytes, FlushTime: cfg.FlushTime}, now),
		reg:     snapreg.New(),
		evict:   evict.New(evict.Config{MFUThresholdMillis: cfg.MFUThresholdMillis}),
		cache:   wscache.New(cfg.WorkingSetCacheSize),
		refs:    snapreg.NewRefSet(),
		metrics: NewMetrics(),
		log:     slog.Default().With("component", "coordinator"),
		meters:  make(map[string]*meter.Meter),
		stopCh:  make(chan struct{}),
	}
	c.vlog = newValueLog(c.refs)
	c.disk = disktier.New(disktier.Config{
		L0CompactionTrigger: cfg.L0CompactionTrigger,
		BaseLevelBytes:      cfg.BaseLevelBytes,
		LevelSizeMultiplier: cfg.LevelSizeMultiplier,
		IncrementalStep:     cfg.IncrementalStep,
	})

	c.wg.Add(4)
	go c.flushLoop()
	go c.compactLoop()
	go c.evictLoop()
	go c.rewriteLoop()

	return c, nil
}

// cancelRequested is the cancellation flag background merges observe at
// fused-key boundaries: Close requests cancellation by closing stopCh.
func (c *Coordinator) cancelRequested() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// Close stops the background workers and waits for them to drain.
func (c *Coordinator) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stopCh)
	c.wg.Wait()
	return nil
}

func (c *Coordinator) touchMeter(key []byte, now time.Time) {
	k := string(key)
	c.metersMu.Lock()
	m, ok := c.meters[k]
	if !ok {
		m = meter.New(now)
		c.meters[k] = m
	}
	c.metersMu.Unlock()
	m.Touch(now)
}

// Get implements the point-read operation: Mc, then Mw/Mf, then the disk
// tier, newest level first.
func (c *Coordinator) Get(ctx context.Context, key []byte) (*entry.Record, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	now := time.Now()
	c.touchMeter(key, now)

	if c.cfg.Mode == ModeWorkingSetDGM {
		if rec, ok := c.cache.Get(key); ok {
			return c.resolve(rec)
		}
	}

	if rec, ok := c.mem.Active().Get(key); ok {
		return c.resolve(rec)
	}
	if flushing := c.mem.Flushing(); flushing != nil {
		if rec, ok := flushing.Get(key); ok {
			return c.resolve(rec)
		}
	}

	h := c.reg.PinRead()
	defer h.Release()
	root := h.Root()
	for level := 0; level < disktier.MaxNumLevels; level++ {
		for _, idx := range root.Levels(level) {
			if !idx.MayContain(key) {
				continue
			}
			if rec, ok := idx.Get(key); ok {
				if c.cfg.Mode == ModeWorkingSetDGM {
					c.cache.PopulateOnMiss(key, rec, func() bool {
						_, found := c.mem.Active().Get(key)
						return found
					})
				}
				return c.resolve(rec)
			}
		}
	}
	return nil, ErrKeyNotFound
}

// Iter returns an ascending full-table scan over every live key, fusing
// Mw, Mf, and every disk level through the same Y-merge engine the
// flush/compact cycles use internally: all merge paths and full-table
// scans must de-duplicate by (key, seqno) with preference for the memory
// copy. The returned release func must be called once the caller is done
// iterating, to unpin the disk snapshots the scan was taken against.
func (c *Coordinator) Iter() (it *ymerge.Merger, release func()) {
	inputs := make([]ymerge.Input, 0, 5)
	inputs = append(inputs, ymerge.Input{Src: c.mem.Active().Iter(), Memory: true})
	if f := c.mem.Flushing(); f != nil {
		inputs = append(inputs, ymerge.Input{Src: f.Iter(), Memory: true})
	}
	if c.cfg.Mode == ModeWorkingSetDGM {
		inputs = append(inputs, ymerge.Input{Src: c.cache.Iter(), Memory: true})
	}

	h := c.reg.PinRead()
	root := h.Root()
	for level := 0; level < disktier.MaxNumLevels; level++ {
		for _, idx := range root.Levels(level) {
			inputs = append(inputs, ymerge.Input{Src: idx.Iter()})
		}
	}
	return ymerge.New(inputs, ymerge.Options{Delta: c.cfg.Delta}), h.Release
}

// Range is Iter bounded to [start, end).
func (c *Coordinator) Range(start, end []byte) (it *ymerge.Merger, release func()) {
	inputs := make([]ymerge.Input, 0, 5)
	inputs = append(inputs, ymerge.Input{Src: c.mem.Active().Range(start, end), Memory: true})
	if f := c.mem.Flushing(); f != nil {
		inputs = append(inputs, ymerge.Input{Src: f.Range(start, end), Memory: true})
	}
	if c.cfg.Mode == ModeWorkingSetDGM {
		inputs = append(inputs, ymerge.Input{Src: c.cache.Range(start, end), Memory: true})
	}

	h := c.reg.PinRead()
	root := h.Root()
	for level := 0; level < disktier.MaxNumLevels; level++ {
		for _, idx := range root.Levels(level) {
			inputs = append(inputs, ymerge.Input{Src: idx.Range(start, end)})
		}
	}
	return ymerge.New(inputs, ymerge.Options{Delta: c.cfg.Delta}), h.Release
}

// Reverse is Iter in descending key order.
func (c *Coordinator) Reverse() (it *ymerge.Merger, release func()) {
	inputs := make([]ymerge.Input, 0, 5)
	inputs = append(inputs, ymerge.Input{Src: c.mem.Active().Reverse(), Memory: true})
	if f := c.mem.Flushing(); f != nil {
		inputs = append(inputs, ymerge.Input{Src: f.Reverse(), Memory: true})
	}
	if c.cfg.Mode == ModeWorkingSetDGM {
		inputs = append(inputs, ymerge.Input{Src: c.cache.Reverse(), Memory: true})
	}

	h := c.reg.PinRead()
	root := h.Root()
	for level := 0; level < disktier.MaxNumLevels; level++ {
		for _, idx := range root.Levels(level) {
			inputs = append(inputs, ymerge.Input{Src: idx.Reverse()})
		}
	}
	return ymerge.New(inputs, ymerge.Options{Delta: c.cfg.Delta, Reverse: true}), h.Release
}

// GetVersions returns every retained version of key across the whole
// stack, newest first: the memory tier's per-key version chain followed by
// the head record each disk level still holds (deltas intact), deduplicated
// by seqno with the memory copy winning.
func (c *Coordinator) GetVersions(key []byte) ([]*entry.Record, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	var out []*entry.Record
	seen := make(map[entry.SequenceNumber]bool)
	add := func(rec *entry.Record) {
		if seen[rec.Seqno] {
			return
		}
		seen[rec.Seqno] = true
		out = append(out, rec)
	}

	if versions, ok := c.mem.GetVersions(key); ok {
		for _, rec := range versions {
			add(rec)
		}
	}

	h := c.reg.PinRead()
	defer h.Release()
	root := h.Root()
	for level := 0; level < disktier.MaxNumLevels; level++ {
		for _, idx := range root.Levels(level) {
			if !idx.MayContain(key) {
				continue
			}
			if rec, ok := idx.Get(key); ok {
				add(rec)
			}
		}
	}
	if len(out) == 0 {
		return nil, ErrKeyNotFound
	}
	sortRecordsBySeqnoDesc(out)
	return out, nil
}

func sortRecordsBySeqnoDesc(recs []*entry.Record) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j].Seqno > recs[j-1].Seqno; j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}

func (c *Coordinator) resolve(rec *entry.Record) (*entry.Record, error) {
	if rec.IsTombstone() {
		return nil, ErrKeyNotFound
	}
	if rec.Kind == entry.ValueReference {
		val, ok := c.vlog.Load(rec.Ref)
		if !ok {
			return nil, fmt.Errorf("%w: dangling value reference %+v", ErrIOFailed, rec.Ref)
		}
		out := rec.Clone()
		out.Value = val
		return out, nil
	}
	return rec, nil
}

func (c *Coordinator) nextSeqno() entry.SequenceNumber {
	return entry.SequenceNumber(c.seqno.Add(1))
}

// admitWrite gates every write operation: rejects writes after Close, and
// surfaces backpressure once a needed rotation has been blocked past the
// configured deadline by a flush that will not drain.
func (c *Coordinator) admitWrite(now time.Time) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.mem.BackpressuredBeyond(now, c.cfg.BackpressureDeadline) {
		return ErrBackpressure
	}
	return nil
}

// Set implements the write operation.
func (c *Coordinator) Set(key, value []byte) error {
	now := time.Now()
	if err := c.admitWrite(now); err != nil {
		return err
	}
	seqno := c.nextSeqno()
	if _, err := c.mem.Set(key, value, seqno); err != nil {
		return err
	}
	// Write-through ordering: Mc is invalidated only after the write is
	// visible in Mw's snapshot, so a stale cached value can never outlive
	// the write that shadows it.
	if c.cfg.Mode == ModeWorkingSetDGM {
		c.cache.Invalidate(key)
	}
	c.touchMeter(key, now)
	c.admitEvictWalks()
	return nil
}

// stackHeadSeqno resolves the key's head seqno in the tiers below the
// mutable table - the sealed Mf and the pinned disk levels, newest first -
// at call time. A tombstone head means the key is absent: 0. Mc is never
// consulted: it only ever caches a version some disk level also holds.
func (c *Coordinator) stackHeadSeqno(key []byte) entry.SequenceNumber {
	headOf := func(rec *entry.Record) entry.SequenceNumber {
		if rec.IsTombstone() {
			return 0
		}
		return rec.Seqno
	}
	if flushing := c.mem.Flushing(); flushing != nil {
		if rec, ok := flushing.Get(key); ok {
			return headOf(rec)
		}
	}
	h := c.reg.PinRead()
	defer h.Release()
	root := h.Root()
	for level := 0; level < disktier.MaxNumLevels; level++ {
		for _, idx := range root.Levels(level) {
			if !idx.MayContain(key) {
				continue
			}
			if rec, ok := idx.Get(key); ok {
				return headOf(rec)
			}
		}
	}
	return 0
}

// SetCAS implements the compare-and-swap write operation. The expected
// seqno is resolved against the full stack: cas == 0 demands the key be
// absent everywhere, otherwise cas must equal the current head seqno
// whichever tier holds it. The mutable table re-verifies under its own
// write lock before commit.
func (c *Coordinator) SetCAS(key, value []byte, cas entry.SequenceNumber) error {
	now := time.Now()
	if err := c.admitWrite(now); err != nil {
		return err
	}
	seqno := c.nextSeqno()
	_, err := c.mem.SetCAS(key, value, cas, c.stackHeadSeqno(key), seqno)
	if err != nil {
		var casErr *memindex.CasFailedError
		if ok := asCasFailed(err, &casErr); ok {
			return fmt.Errorf("%w: expected %d, actual %d", ErrCasFailed, casErr.Expected, casErr.Actual)
		}
		return err
	}
	if c.cfg.Mode == ModeWorkingSetDGM {
		c.cache.Invalidate(key)
	}
	c.touchMeter(key, now)
	c.admitEvictWalks()
	return nil
}

// Delete implements the tombstone write operation.
func (c *Coordinator) Delete(key []byte) error {
	now := time.Now()
	if err := c.admitWrite(now); err != nil {
		return err
	}
	seqno := c.nextSeqno()
	if _, err := c.mem.Delete(key, seqno); err != nil {
		return err
	}
	if c.cfg.Mode == ModeWorkingSetDGM {
		c.cache.Invalidate(key)
	}
	c.admitEvictWalks()
	return nil
}

// DeleteCAS implements the compare-and-swap tombstone write operation.
func (c *Coordinator) DeleteCAS(key []byte, cas entry.SequenceNumber) error {
	now := time.Now()
	if err := c.admitWrite(now); err != nil {
		return err
	}
	seqno := c.nextSeqno()
	_, err := c.mem.DeleteCAS(key, cas, c.stackHeadSeqno(key), seqno)
	if err != nil {
		var casErr *memindex.CasFailedError
		if ok := asCasFailed(err, &casErr); ok {
			return fmt.Errorf("%w: expected %d, actual %d", ErrCasFailed, casErr.Expected, casErr.Actual)
		}
		return err
	}
	if c.cfg.Mode == ModeWorkingSetDGM {
		c.cache.Invalidate(key)
	}
	c.admitEvictWalks()
	return nil
}

// Remove physically drops every version of key held in the active memory
// table; versions in a sealed Mf or on disk are left in place.
func (c *Coordinator) Remove(key []byte) (bool, error) {
	if c.closed.Load() {
		return false, ErrClosed
	}
	_, ok := c.mem.Remove(key)
	if c.cfg.Mode == ModeWorkingSetDGM {
		c.cache.Invalidate(key)
	}
	return ok, nil
}

func asCasFailed(err error, target **memindex.CasFailedError) bool {
	ce, ok := err.(*memindex.CasFailedError)
	if !ok {
		return false
	}
	*target = ce
	return true
}

// flushLoop rotates Mf out and admits it into the disk tier whenever the memory
// tier's rotation policy triggers, matching db/background.go's flush
// goroutine driven off a ticker instead of RocksDB's write-stall signal.
func (c *Coordinator) flushLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case now := <-ticker.C:
			c.maybeFlush(now)
		}
	}
}

// maybeFlush rotates Mf out and admits it into the disk tier. M is only
// ever rotated in random-dgm and working-set-dgm: memory and backup keep
// every write in M forever (backup instead folds M into D via
// maybeCompact's backup-cycle).
func (c *Coordinator) maybeFlush(now time.Time) {
	if c.cfg.Mode != ModeRandomDGM && c.cfg.Mode != ModeWorkingSetDGM {
		return
	}
	if now.Before(c.flushRetryAt) {
		return
	}

	// A previously rotated Mf that failed to flush is retried before any
	// new rotation is considered: the sealed source stays live until a
	// merge succeeds.
	mf := c.mem.Flushing()
	if mf == nil {
		if !c.mem.ShouldRotate(now) {
			return
		}
		var err error
		if mf, err = c.mem.Rotate(now); err != nil {
			return
		}
	}
	if mf.Len() == 0 {
		c.mem.FlushDone(mf)
		return
	}

	h := c.reg.PinRead()
	root := h.Root()
	plan := c.disk.PlanFlush(root)

	inputs := make([]ymerge.Input, 0, len(plan.Inputs)+2)
	inputs = append(inputs, ymerge.Input{Src: mf.Iter(), Memory: true})
	if c.cfg.Mode == ModeWorkingSetDGM {
		inputs = append(inputs, ymerge.Input{Src: c.cache.Iter(), Memory: true})
	}
	for _, idx := range plan.Inputs {
		inputs = append(inputs, ymerge.Input{Src: idx.Iter()})
	}
	merger := ymerge.New(inputs, ymerge.Options{Delta: c.cfg.Delta, AtFloor: plan.AtFloor, Cancelled: c.cancelRequested})
	out, err := diskindex.Build(merger, diskindex.BuildOptions{Compression: c.cfg.Compression})

	var levels [snapreg.MaxNumLevels][]diskindex.Index
	for l := 0; l < snapreg.MaxNumLevels; l++ {
		levels[l] = append([]diskindex.Index(nil), root.Levels(l)...)
	}
	h.Release()
	if merger.Cancelled() {
		c.log.Debug("flush: merge aborted", "kind", plan.Kind, "error", ErrCancelled)
		return // partial output discarded; Mf stays pending for the next open
	}
	if err == nil {
		if verr := out.Validate(); verr != nil {
			err = fmt.Errorf("%w: %v", ErrSnapshotCorrupt, verr)
		}
	}
	if err != nil {
		c.flushFailures++
		c.flushRetryAt = now.Add(backoffDelay(c.flushFailures))
		c.log.Error("flush: build merged snapshot failed, backing off",
			"kind", plan.Kind, "failures", c.flushFailures, "error", err)
		return // Mf stays pending: the sources stay live, the merge retries
	}
	c.flushFailures = 0
	c.flushRetryAt = time.Time{}

	for l := plan.FromLevel; l <= plan.ToLevel; l++ {
		levels[l] = removeIndices(levels[l], plan.Inputs)
	}
	if out.NumEntries() > 0 {
		levels[plan.ToLevel] = append(levels[plan.ToLevel], out)
	}
	c.reg.PublishDisk(levels, c.mem.ToSeqno())

	c.mem.FlushDone(mf)
	c.metrics.FlushTotal.Inc()
}

// backoffDelay doubles per consecutive failure, capped at five seconds.
func backoffDelay(failures int) time.Duration {
	if failures > 7 {
		return 5 * time.Second
	}
	d := 50 * time.Millisecond << uint(failures-1)
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

// compactLoop runs disktier's named-cycle scheduler against the current
// root and publishes the merged result, matching BackgroundWork's
// compaction goroutine.
func (c *Coordinator) compactLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(75 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.maybeCompact()
		}
	}
}

// maybeCompact runs disktier's named-cycle scheduler. Backup is the only
// configuration whose cycle folds the live memory tier in (backup-cycle,
// "M + D -> D"); random-dgm and working-set-dgm compact disk levels among
// themselves, and memory never runs a disk cycle at all.
func (c *Coordinator) maybeCompact() {
	if c.cfg.Mode == ModeMemory {
		return
	}
	now := time.Now()
	if now.Before(c.compactRetryAt) {
		return
	}

	h := c.reg.PinRead()
	root := h.Root()

	var (
		plan disktier.Plan
		ok   bool
	)
	if c.cfg.Mode == ModeBackup {
		plan, ok = c.disk.PlanBackup(root, c.mem.Active().Len() > 0)
	} else {
		plan, ok = c.disk.Plan(root)
	}
	if !ok {
		h.Release()
		return
	}

	inputs := make([]ymerge.Input, 0, len(plan.Inputs)+1)
	if plan.IncludeMemory {
		inputs = append(inputs, ymerge.Input{Src: c.mem.Active().Iter(), Memory: true})
	}
	for _, idx := range plan.Inputs {
		inputs = append(inputs, ymerge.Input{Src: idx.Iter()})
	}
	merger := ymerge.New(inputs, ymerge.Options{Delta: c.cfg.Delta, AtFloor: plan.AtFloor, Cancelled: c.cancelRequested})

	// Backup-cycle reference handling: the cycle output must carry its
	// references in the newest value-log file, never in one about to be
	// superseded. Rotate the log first, then rewrite every reference the
	// merge passes through into the fresh active file; the memory-side
	// copies of those references are drained by the background scanner.
	var src diskindex.BuildSource = merger
	if c.cfg.Mode == ModeBackup {
		c.backupMergeActive.Store(true)
		defer c.backupMergeActive.Store(false)
		if !c.vlog.ActiveEmpty() {
			c.vlog.Rotate()
		}
		src = &refRewriteSource{src: merger, vlog: c.vlog, metrics: c.metrics}
	}
	out, err := diskindex.Build(src, diskindex.BuildOptions{Compression: c.cfg.Compression})

	var levels [snapreg.MaxNumLevels][]diskindex.Index
	for l := 0; l < snapreg.MaxNumLevels; l++ {
		levels[l] = append([]diskindex.Index(nil), root.Levels(l)...)
	}
	seqno := root.Seqno()
	if plan.IncludeMemory {
		if memSeqno := c.mem.ToSeqno(); memSeqno > seqno {
			seqno = memSeqno
		}
	}
	h.Release()
	if merger.Cancelled() {
		c.log.Debug("compact: merge aborted", "kind", plan.Kind, "error", ErrCancelled)
		return // partial output discarded, source levels stay live
	}
	if err == nil {
		if verr := out.Validate(); verr != nil {
			err = fmt.Errorf("%w: %v", ErrSnapshotCorrupt, verr)
		}
	}
	if err != nil {
		c.compactFailures++
		c.compactRetryAt = now.Add(backoffDelay(c.compactFailures))
		c.log.Error("compact: build merged snapshot failed, backing off",
			"kind", plan.Kind, "failures", c.compactFailures, "error", err)
		return
	}
	c.compactFailures = 0
	c.compactRetryAt = time.Time{}

	for l := plan.FromLevel; l <= plan.ToLevel; l++ {
		levels[l] = removeIndices(levels[l], plan.Inputs)
	}
	if out.NumEntries() > 0 {
		levels[plan.ToLevel] = append(levels[plan.ToLevel], out)
	}

	c.reg.PublishDisk(levels, seqno)
	c.metrics.CompactTotal.WithLabelValues(string(plan.Kind)).Inc()
}

// removeIndices drops every element of from that also appears in drop,
// compared by identity (two diskindex.Index values built from the same
// merge are never the same concrete pointer, so this never removes a
// freshly built output by mistake).
func removeIndices(from []diskindex.Index, drop []diskindex.Index) []diskindex.Index {
	if len(drop) == 0 {
		return from
	}
	dropSet := make(map[diskindex.Index]bool, len(drop))
	for _, d := range drop {
		dropSet[d] = true
	}
	out := from[:0:0]
	for _, idx := range from {
		if !dropSet[idx] {
			out = append(out, idx)
		}
	}
	return out
}

// evictLoop keeps the pressure gauge current even during idle periods;
// the actual eviction walks are admitted inline from the write path in
// admitEvictWalks, since the pressure schedule is defined in terms of
// writes (two evict walks injected per write), not wall clock ticks.
func (c *Coordinator) evictLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			// wscache.Cache self-bounds to its capacity on every write (a
			// pure evict removes Mc entries only, and the LRU already does
			// that inline); this loop only refreshes the pressure and
			// live-snapshot gauges for idle-period observability.
			c.metrics.Pressure.Set(c.memoryPressure())
			c.metrics.LiveSnapshots.Set(float64(len(c.reg.ScanRefs()) + 1))
		}
	}
}

// memoryPressure approximates system memory usage as a fraction: the
// active+flushing memory tier's footprint against the configured
// high-water mark - the same signal memtier.Manager.ShouldRotate uses to
// decide when the mutable tier itself is full.
func (c *Coordinator) memoryPressure() float64 {
	if c.cfg.MemHighWaterBytes <= 0 {
		return 0
	}
	return float64(c.mem.Footprint()) / float64(c.cfg.MemHighWaterBytes)
}

// evictWalkBatch bounds each PWScan call admitEvictWalks makes - a walk
// only ever holds the memory index's write lock long enough to copy this
// many records out, matching the non-blocking piecewise-scan contract
// PWScan itself is built around.
const evictWalkBatch = 8

// admitEvictWalks implements the pressure-driven eviction-walk admission
// table. The evict engine is scoped to the backup configuration; other
// configurations rely on disk-tier compaction alone for space reclaim.
func (c *Coordinator) admitEvictWalks() {
	if c.cfg.Mode != ModeBackup {
		return
	}

	if !c.cfg.Delta {
		// Non-delta mode's below-floor purge is unconditional, independent
		// of the pressure bands below.
		c.runEvictWalk(evict.BandNormal)
	}

	pressure := c.memoryPressure()
	c.metrics.Pressure.Set(pressure)
	band := evict.ClassifyPressure(pressure)
	if band == evict.BandNormal {
		return
	}

	switch band {
	case evict.BandCritical:
		c.runEvictWalk(band)
		c.runEvictWalk(band)
	case evict.BandHigh:
		c.runEvictWalk(band)
	case evict.BandElevated:
		if c.writeCounter.Add(1)%2 == 0 {
			c.runEvictWalk(band)
		}
	}
}

// runEvictWalk performs one bounded step of the eviction walk - a descent
// from root to a leaf of the memory index: it resumes from the cursor left
// by the previous walk (so successive walks sweep the whole table rather
// than hammering its first few keys), evaluates the first eligible record
// it finds against the access meter, and applies the resulting decision in
// place.
func (c *Coordinator) runEvictWalk(band evict.Band) {
	active := c.mem.Active()

	c.evictMu.Lock()
	cursor := c.evictCursor
	c.evictMu.Unlock()

	batch, next, err := active.PWScan(cursor, evictWalkBatch)
	if err != nil {
		return
	}
	c.evictMu.Lock()
	c.evictCursor = next // nil once the walk reaches the tail: next call restarts at the head
	c.evictMu.Unlock()

	now := time.Now()
	floorSeqno := c.reg.Current().Seqno()
	for _, rec := range batch {
		c.metersMu.Lock()
		m := c.meters[string(rec.Key)]
		c.metersMu.Unlock()
		if m == nil {
			continue // never touched by a read/write: no recency signal to evaluate
		}

		belowFloor := rec.Seqno <= floorSeqno
		decision := c.evict.Evaluate(m, now, band, !c.cfg.Delta, belowFloor)
		if !decision.EvictDeltas && !decision.EvictValue && !decision.Remove {
			continue
		}

		// The counters report what Apply actually converted, not what the
		// decision asked for: a record may hold no native deltas, or the
		// value may already be a reference.
		var valueEvicted bool
		var deltasEvicted int
		key := append([]byte(nil), rec.Key...)
		active.MutateHead(key, func(cur *entry.Record) *entry.Record {
			out, aerr := evict.Apply(cur, decision, c.vlog)
			if aerr != nil {
				c.log.Warn("evict: apply failed, leaving record untouched", "key", string(cur.Key), "error", aerr)
				return cur // evict failures never abort writes: leave it untouched
			}
			if out != nil && out != cur {
				valueEvicted = cur.Kind == entry.ValueLive && out.Kind == entry.ValueReference
				for i := range out.Deltas {
					if cur.Deltas[i].Kind == entry.DeltaNative && out.Deltas[i].Kind == entry.DeltaReference {
						deltasEvicted++
					}
				}
			}
			return out
		})
		if valueEvicted {
			c.metrics.EvictedValues.Inc()
		}
		if deltasEvicted > 0 {
			c.metrics.EvictedDeltas.Add(float64(deltasEvicted))
		}
		c.metrics.EvictWalkTotal.Inc()
		return
	}
}
