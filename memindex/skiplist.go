// skiplist.go implements a lock-free-for-reads skip list, the backing
// structure for the memory index: a balanced ordered map supporting MVCC
// snapshot reads and ordered range scans.
//
// Adapted from a memtable skip-list idiom: same probabilistic-height,
// atomic-forward-pointer design, generalized to store an arbitrary
// comparable item instead of a raw encoded byte blob.
package memindex

import (
	"math/rand"
	"sync/atomic"
)

const (
	maxHeight      = 12
	branchingFactor = 4
)

// Item is anything the skip list can store: it must be comparable via the
// list's Comparator. We store *entry.Record values in practice.
type Item = any

// Comparator orders two items. Negative if a < b, positive if a > b.
type Comparator func(a, b Item) int

type skipNode struct {
	item Item
	next []*atomic.Pointer[skipNode]
}

func newSkipNode(item Item, height int) *skipNode {
	n := &skipNode{item: item, next: make([]*atomic.Pointer[skipNode], height)}
	for i := range n.next {
		n.next[i] = &atomic.Pointer[skipNode]{}
	}
	return n
}

func (n *skipNode) getNext(level int) *skipNode { return n.next[level].Load() }
func (n *skipNode) setNext(level int, v *skipNode) { n.next[level].Store(v) }

// SkipList is safe for concurrent reads without locking; writes must be
// externally synchronized (memindex.Table does this with a mutex).
type SkipList struct {
	head      *skipNode
	maxHeight int32
	compare   Comparator
	rng       *rand.Rand
	count     int64
}

// NewSkipList creates an empty skip list ordered by cmp.
func NewSkipList(cmp Comparator) *SkipList {
	return &SkipList{
		head:      newSkipNode(nil, maxHeight),
		maxHeight: 1,
		compare:   cmp,
		rng:       rand.New(rand.NewSource(0xC0FFEE)),
	}
}

func (s *SkipList) randomHeight() int {
	h := 1
	for h < maxHeight && s.rng.Intn(branchingFactor) == 0 {
		h++
	}
	return h
}

// findGreaterOrEqual walks the list recording the last node at each level
// that is strictly less than item, used both for lookups and inserts.
func (s *SkipList) findGreaterOrEqual(item Item, prev *[maxHeight]*skipNode) *skipNode {
	x := s.head
	level := int(atomic.LoadInt32(&s.maxHeight)) - 1
	for {
		next := x.getNext(level)
		if next != nil && s.compare(next.item, item) < 0 {
			x = next
			continue
		}
		if prev != nil {
			prev[level] = x
		}
		if level == 0 {
			return next
		}
		level--
	}
}

// Insert adds item to the list. Duplicate keys (per Comparator) are both
// kept; memindex relies on the comparator including the sequence number so
// distinct versions of the same user key never collide.
func (s *SkipList) Insert(item Item) {
	var prev [maxHeight]*skipNode
	s.findGreaterOrEqual(item, &prev)

	height := s.randomHeight()
	if height > int(atomic.LoadInt32(&s.maxHeight)) {
		for i := int(atomic.LoadInt32(&s.maxHeight)); i < height; i++ {
			prev[i] = s.head
		}
		atomic.StoreInt32(&s.maxHeight, int32(height))
	}

	node := newSkipNode(item, height)
	for i := range height {
		node.setNext(i, prev[i].getNext(i))
		prev[i].setNext(i, node)
	}
	atomic.AddInt64(&s.count, 1)
}

// Count returns the number of items in the list.
func (s *SkipList) Count() int64 { return atomic.LoadInt64(&s.count) }

// skipIterator walks the skip list in ascending comparator order. Named to
// avoid colliding with the memindex.Iterator interface in interface.go,
// which this package's sliceIterator (not this type) implements.
type skipIterator struct {
	list *SkipList
	node *skipNode
}

// NewIterator returns an iterator positioned before the first element.
func (s *SkipList) NewIterator() *skipIterator { return &skipIterator{list: s} }

func (it *skipIterator) Valid() bool { return it.node != nil }

func (it *skipIterator) SeekToFirst() { it.node = it.list.head.getNext(0) }

func (it *skipIterator) Seek(target Item) {
	it.node = it.list.findGreaterOrEqual(target, nil)
}

func (it *skipIterator) Next() {
	if it.node != nil {
		it.node = it.node.getNext(0)
	}
}

func (it *skipIterator) Item() Item { return it.node.item }
