package archiver

import (
	"container/heap"
	"sort"

	"github.com/lslersch/zero/pkg/logrec"
	"github.com/lslersch/zero/pkg/lsn"
)

// freeRange is one free byte range in the sorter's workspace arena.
type freeRange struct {
	off, length int
}

// arena is the fixed-size, free-list-managed byte workspace the sorter
// packs log records into. Allocation is first-fit; release coalesces
// with neighboring free ranges so repeated alloc/free cycles of
// similarly-sized records don't fragment the arena into uselessly
// small holes.
type arena struct {
	buf      []byte
	freeList []freeRange
}

func newArena(size int) *arena {
	return &arena{buf: make([]byte, size), freeList: []freeRange{{0, size}}}
}

func (a *arena) alloc(n int) (int, bool) {
	for i, r := range a.freeList {
		if r.length < n {
			continue
		}
		off := r.off
		if r.length == n {
			a.freeList = append(a.freeList[:i], a.freeList[i+1:]...)
		} else {
			a.freeList[i] = freeRange{off: r.off + n, length: r.length - n}
		}
		return off, true
	}
	return 0, false
}

func (a *arena) bytes(off, n int) []byte { return a.buf[off : off+n] }

func (a *arena) release(off, n int) {
	i := sort.Search(len(a.freeList), func(i int) bool { return a.freeList[i].off >= off })
	a.freeList = append(a.freeList, freeRange{})
	copy(a.freeList[i+1:], a.freeList[i:])
	a.freeList[i] = freeRange{off, n}

	if i+1 < len(a.freeList) && a.freeList[i].off+a.freeList[i].length == a.freeList[i+1].off {
		a.freeList[i].length += a.freeList[i+1].length
		a.freeList = append(a.freeList[:i+1], a.freeList[i+2:]...)
	}
	if i > 0 && a.freeList[i-1].off+a.freeList[i-1].length == a.freeList[i].off {
		a.freeList[i-1].length += a.freeList[i].length
		a.freeList = append(a.freeList[:i], a.freeList[i+1:]...)
	}
}

// heapEntry is one record resident in the sorter's arena, ordered by
// (run, page_id, lsn) per the comparator the spec fixes for pop().
type heapEntry struct {
	off, length int
	run         uint32
	pageID      uint64
	lsn         lsn.LSN
}

type entryHeap []*heapEntry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.run != b.run {
		return a.run < b.run
	}
	if a.pageID != b.pageID {
		return a.pageID < b.pageID
	}
	return a.lsn.Less(b.lsn)
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)   { *h = append(*h, x.(*heapEntry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Sorter implements the archiver's modified replacement-selection
// heap: a fixed arena of records tagged with a monotonically
// increasing run number, drained in (run, page_id, lsn) order.
//
// Run-number assignment departs from textbook replacement selection:
// every record pushed before the arena fills for the first time shares
// run 0. After that first fill, the run number advances whenever the
// heap has been fully drained (Empty) or whenever the entry now at the
// top belongs to a run later than the one most recently popped — the
// signal that the run which was at the top when the caller started
// draining has been entirely consumed.
type Sorter struct {
	mem           *arena
	heap          entryHeap
	currentRun    uint32
	filledOnce    bool
	lastPoppedRun uint32
	hasPopped     bool
}

// NewSorter allocates a sorter with a workspace of workspaceBytes.
func NewSorter(workspaceBytes int) *Sorter {
	return &Sorter{mem: newArena(workspaceBytes)}
}

// Push inserts rec into the heap, and — if rec.IsMultiPage — a second
// copy keyed by PageID2, so a per-page restore scan of either page
// finds it. Returns false if the arena has no room; the caller must
// drain the heap (selection) and retry the same record.
func (s *Sorter) Push(rec *logrec.Record) bool {
	s.maybeAdvanceRun()
	if !s.pushOne(rec.PageID, rec) {
		s.filledOnce = true
		return false
	}
	if rec.IsMultiPage {
		if !s.pushOne(rec.PageID2, rec) {
			s.filledOnce = true
			return false
		}
	}
	return true
}

func (s *Sorter) maybeAdvanceRun() {
	if !s.filledOnce {
		return
	}
	if s.heap.Len() == 0 {
		s.currentRun++
		return
	}
	if s.hasPopped && s.heap[0].run > s.lastPoppedRun {
		s.currentRun++
	}
}

func (s *Sorter) pushOne(pid uint64, rec *logrec.Record) bool {
	off, ok := s.mem.alloc(int(rec.Length))
	if !ok {
		return false
	}
	logrec.Encode(s.mem.bytes(off, int(rec.Length)), rec)
	heap.Push(&s.heap, &heapEntry{off: off, length: int(rec.Length), run: s.currentRun, pageID: pid, lsn: rec.LSN})
	return true
}

// Pop removes and returns the globally minimum entry, freeing its
// arena slot. ok is false if the heap is empty.
func (s *Sorter) Pop() (*logrec.Record, bool) {
	if s.heap.Len() == 0 {
		return nil, false
	}
	e := heap.Pop(&s.heap).(*heapEntry)
	buf := s.mem.bytes(e.off, e.length)
	rec, err := logrec.Decode(buf)
	var out *logrec.Record
	if err == nil {
		out = &logrec.Record{
			Length:       rec.Length,
			TypeTag:      rec.TypeTag,
			IsRedo:       rec.IsRedo,
			IsMultiPage:  rec.IsMultiPage,
			LSN:          rec.LSN,
			PageID:       e.pageID,
			PageID2:      rec.PageID2,
			PagePrevLSN:  rec.PagePrevLSN,
			Page2PrevLSN: rec.Page2PrevLSN,
			Payload:      append([]byte(nil), rec.Payload...),
		}
	}
	s.mem.release(e.off, e.length)
	s.lastPoppedRun = e.run
	s.hasPopped = true
	if err != nil {
		return nil, false
	}
	return out, true
}

// LastPoppedRun reports the run number of the record most recently
// returned by Pop, the signal the writer-feeding loop uses to know when
// to close the current write block's run and start the next one.
func (s *Sorter) LastPoppedRun() (uint32, bool) { return s.lastPoppedRun, s.hasPopped }

// TopRun reports the run number of the heap's current minimum entry.
func (s *Sorter) TopRun() (uint32, bool) {
	if s.heap.Len() == 0 {
		return 0, false
	}
	return s.heap[0].run, true
}

// Empty reports whether the heap currently holds no entries.
func (s *Sorter) Empty() bool { return s.heap.Len() == 0 }
