// Package wscache implements the working-set cache Mc and its write-through
// coherence rules: a latest-value-only cache kept consistent with the
// mutable memory tier Mw without ever letting a stale read race ahead of a
// concurrent write.
//
// Grounded on an LRU block-cache idiom, adapted from a generic block cache
// keyed by (file, offset) into a single-version, key-addressed record cache
// with write-ordering rules a plain LRU has no notion of.
package wscache

import (
	"bytes"
	"container/list"
	"sort"
	"sync"

	"github.com/aalhour/tierkv/entry"
	"github.com/aalhour/tierkv/ymerge"
)

type entryHolder struct {
	key *list.Element
	rec *entry.Record
}

// Cache is the working-set cache Mc: an LRU of the most recently read or
// written values, holding at most one version per key.
type Cache struct {
	mu       sync.Mutex
	capacity int
	lru      *list.List
	table    map[string]*entryHolder
}

// New creates an empty cache bounded to capacity entries.
func New(capacity int) *Cache {
	return &Cache{
		capacity: capacity,
		lru:      list.New(),
		table:    make(map[string]*entryHolder),
	}
}

func (c *Cache) touchLocked(h *entryHolder) {
	c.lru.MoveToFront(h.key)
}

func (c *Cache) evictOldestLocked() {
	for len(c.table) > c.capacity {
		oldest := c.lru.Back()
		if oldest == nil {
			return
		}
		key := oldest.Value.(string)
		delete(c.table, key)
		c.lru.Remove(oldest)
	}
}

// Get returns the cached record for key, if present.
func (c *Cache) Get(key []byte) (*entry.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.table[string(key)]
	if !ok {
		return nil, false
	}
	c.touchLocked(h)
	return h.rec, true
}

// PopulateOnMiss inserts rec after a read-miss that went to disk. A
// read-miss population must never shadow a write that landed in Mw while
// the disk read was in flight - the caller passes
// lookupMw, a zero-cost re-check of the mutable tier taken under its own
// lock, and PopulateOnMiss only installs rec if lookupMw still reports a
// miss at the moment this cache's lock is held.
func (c *Cache) PopulateOnMiss(key []byte, rec *entry.Record, lookupMw func() (found bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lookupMw() {
		return // shadowed: a write landed in Mw after the disk read started
	}
	c.setLocked(key, rec)
}

// WriteThrough installs rec after a write has already been made visible in
// Mw: write-then-invalidate must be ordered after Mw visibility, so the
// caller is responsible for calling this only after the Mw write has
// committed.
func (c *Cache) WriteThrough(key []byte, rec *entry.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, rec)
}

// Invalidate removes key from the cache, used by every write path (set,
// delete, their CAS forms, and remove) - invalidate, ordered after Mw.
func (c *Cache) Invalidate(key []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.table[string(key)]
	if !ok {
		return
	}
	c.lru.Remove(h.key)
	delete(c.table, string(key))
}

func (c *Cache) setLocked(key []byte, rec *entry.Record) {
	k := string(key)
	if h, ok := c.table[k]; ok {
		h.rec = rec
		c.touchLocked(h)
		return
	}
	elem := c.lru.PushFront(k)
	c.table[k] = &entryHolder{key: elem, rec: rec}
	c.evictOldestLocked()
}

// EvictOldest removes the single least-recently-used entry. It never
// disturbs Mw - this method only ever touches this cache's own bookkeeping.
func (c *Cache) EvictOldest() (key string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	oldest := c.lru.Back()
	if oldest == nil {
		return "", false
	}
	k := oldest.Value.(string)
	delete(c.table, k)
	c.lru.Remove(oldest)
	return k, true
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.table)
}

// sliceSource adapts a key-ordered, point-in-time slice of records into a
// ymerge.Source, the same cursor shape memindex.Iterator and
// diskindex.Iterator already satisfy.
type sliceSource struct {
	recs []*entry.Record
	pos  int
}

func (s *sliceSource) Valid() bool           { return s.pos < len(s.recs) }
func (s *sliceSource) Next()                 { s.pos++ }
func (s *sliceSource) Record() *entry.Record { return s.recs[s.pos] }

// Iter returns a key-ordered, point-in-time snapshot of every cached
// record as a ymerge.Source, so Mc can be fused into a flush/compact
// merge alongside Mf and the disk levels: merge paths and full-table
// scans de-duplicate by (key, seqno), which requires the cache to be an
// enumerable merge input, not just a point-lookup layer. Later mutations
// to the cache do not affect the returned snapshot.
func (c *Cache) Iter() ymerge.Source {
	return &sliceSource{recs: c.sortedSnapshot()}
}

// Range returns an ascending point-in-time snapshot bounded to [start, end).
func (c *Cache) Range(start, end []byte) ymerge.Source {
	all := c.sortedSnapshot()
	lo, hi := 0, len(all)
	if start != nil {
		for lo < len(all) && bytes.Compare(all[lo].Key, start) < 0 {
			lo++
		}
	}
	if end != nil {
		hi = lo
		for hi < len(all) && bytes.Compare(all[hi].Key, end) < 0 {
			hi++
		}
	}
	return &sliceSource{recs: all[lo:hi]}
}

// Reverse returns a descending point-in-time snapshot of every cached
// record, for fusing into a reverse full-table scan.
func (c *Cache) Reverse() ymerge.Source {
	all := c.sortedSnapshot()
	rev := make([]*entry.Record, len(all))
	for i, r := range all {
		rev[len(all)-1-i] = r
	}
	return &sliceSource{recs: rev}
}

func (c *Cache) sortedSnapshot() []*entry.Record {
	c.mu.Lock()
	recs := make([]*entry.Record, 0, len(c.table))
	for _, h := range c.table {
		recs = append(recs, h.rec)
	}
	c.mu.Unlock()

	sort.Slice(recs, func(i, j int) bool { return bytes.Compare(recs[i].Key, recs[j].Key) < 0 })
	return recs
}
