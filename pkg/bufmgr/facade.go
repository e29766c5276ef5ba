package bufmgr

import (
	"os"
	"strings"
	"sync"

	"github.com/lslersch/zero/pkg/config"
	"github.com/lslersch/zero/pkg/list"
	"github.com/lslersch/zero/pkg/lsn"
	"github.com/lslersch/zero/pkg/page"
	"github.com/lslersch/zero/pkg/rc"

	"github.com/ncw/directio"
)

// Facade is the B-link core's only view of the page cache: fix, unfix,
// conditional upgrade, write-order dependency registration, and
// set-dirty. Structurally this adapts pkg/pager (free/unpinned/pinned
// lists keyed through a page table) to page-ID keys and SH/EX latch
// modes instead of a single RWMutex per page.
type Facade struct {
	file     *os.File
	volume   lsn.VolumeID
	numPages uint64

	freeList     *list.List
	unpinnedList *list.List
	pinnedList   *list.List
	table        map[lsn.PageID]*list.Link
	mu           sync.Mutex

	deps      *depGraph
	freePages []lsn.PageID
}

// Open backs a Facade with a database file at filePath, creating it if
// absent, and pre-allocates config.MaxPagesInBuffer aligned frames the
// way pager.New does.
func Open(filePath string, volume lsn.VolumeID) (*Facade, error) {
	f := &Facade{
		volume:       volume,
		freeList:     list.NewList(),
		unpinnedList: list.NewList(),
		pinnedList:   list.NewList(),
		table:        make(map[lsn.PageID]*list.Link),
		deps:         newDepGraph(),
	}

	arena := directio.AlignedBlock(page.Size * config.MaxPagesInBuffer)
	for i := 0; i < config.MaxPagesInBuffer; i++ {
		buf := arena[i*page.Size : (i+1)*page.Size]
		f.freeList.PushTail(newFrame(buf))
	}

	if idx := strings.LastIndex(filePath, "/"); idx != -1 {
		if err := os.MkdirAll(filePath[:idx], 0775); err != nil {
			return nil, rc.Wrap(rc.Fatal, "mkdir backing dir", err)
		}
	}
	file, err := directio.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, rc.Wrap(rc.Fatal, "open backing file", err)
	}
	f.file = file

	info, err := file.Stat()
	if err != nil {
		return nil, rc.Wrap(rc.Fatal, "stat backing file", err)
	}
	if info.Size()%int64(page.Size) != 0 {
		return nil, rc.New(rc.Fatal, "backing file size is not page-aligned")
	}
	f.numPages = uint64(info.Size()) / uint64(page.Size)
	return f, nil
}

// Close flushes every dirty frame and closes the backing file. Fails if
// any frame is still pinned.
func (f *Facade) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pinnedList.PeekHead() != nil {
		return rc.New(rc.Fatal, "frames still pinned on close")
	}
	f.flushAllLocked()
	return f.file.Close()
}

func (f *Facade) offset(pid lsn.PageID) int64 {
	return int64(pid.Page) * int64(page.Size)
}

// AllocPage reserves a fresh page number for store, consumed as an
// external collaborator but given a concrete, file-growing
// implementation here since nothing else in this repository can back
// it.
func (f *Facade) AllocPage(store lsn.StoreID) (lsn.PageID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := len(f.freePages); n > 0 {
		pid := f.freePages[n-1]
		f.freePages = f.freePages[:n-1]
		return pid, nil
	}
	pid := lsn.PageID{Volume: store.Volume, Store: store.Store, Page: f.numPages}
	f.numPages++
	return pid, nil
}

// FreePage returns pid to the free list for reuse by a later AllocPage,
// e.g. merge-foster deallocating a sibling folded back into its left
// neighbor. The frame itself (if still resident) is reclaimed normally
// through the existing clock-style eviction once unpinned; FreePage only
// makes the page number available again.
func (f *Facade) FreePage(pid lsn.PageID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freePages = append(f.freePages, pid)
}

// HasWriteOrderDependency reports whether dst already depends on src
// flushing first.
func (f *Facade) HasWriteOrderDependency(src, dst *Frame) bool {
	return f.deps.hasDependency(src, dst)
}

// Fix pins pid into memory and returns its frame latched in mode,
// reading it from disk on first access. Interior/leaf pages are
// initialized by the caller (btree.Create); Fix never formats a page.
func (f *Facade) Fix(pid lsn.PageID, mode Mode) (*Frame, error) {
	f.mu.Lock()
	link, ok := f.table[pid]
	var fr *Frame
	if ok {
		fr = link.GetValue().(*Frame)
		if link.GetList() == f.unpinnedList {
			link.PopSelf()
			f.table[pid] = f.pinnedList.PushTail(fr)
		}
		fr.pinCount.Add(1)
		f.mu.Unlock()
	} else {
		var err error
		fr, err = f.claimFrameLocked(pid)
		if err != nil {
			f.mu.Unlock()
			return nil, err
		}
		if err := f.readFromDisk(fr); err != nil {
			f.freeList.PushTail(fr)
			f.mu.Unlock()
			return nil, err
		}
		newLink := f.pinnedList.PushTail(fr)
		f.table[pid] = newLink
		f.mu.Unlock()
	}
	fr.latch.acquire(mode)
	fr.heldMode = mode
	return fr, nil
}

// FixNew pins a freshly allocated page, skipping the disk read (the
// page has no prior contents), and marks it dirty.
func (f *Facade) FixNew(pid lsn.PageID) (*Frame, error) {
	f.mu.Lock()
	fr, err := f.claimFrameLocked(pid)
	if err != nil {
		f.mu.Unlock()
		return nil, err
	}
	for i := range fr.data {
		fr.data[i] = 0
	}
	newLink := f.pinnedList.PushTail(fr)
	f.table[pid] = newLink
	f.mu.Unlock()
	fr.latch.acquire(EX)
	fr.heldMode = EX
	fr.dirty.Store(true)
	return fr, nil
}

// claimFrameLocked returns an available frame for pid from the free
// list, or evicts the unpinned frame at the head of the clock-style
// queue. f.mu must be held.
func (f *Facade) claimFrameLocked(pid lsn.PageID) (*Frame, error) {
	if link := f.freeList.PeekHead(); link != nil {
		link.PopSelf()
		fr := link.GetValue().(*Frame)
		fr.pid = pid
		fr.pinCount.Store(1)
		return fr, nil
	}
	if link := f.unpinnedList.PeekHead(); link != nil {
		link.PopSelf()
		fr := link.GetValue().(*Frame)
		f.flushLocked(fr)
		delete(f.table, fr.pid)
		fr.pid = pid
		fr.pinCount.Store(1)
		fr.groupID = 0
		return fr, nil
	}
	return nil, rc.New(rc.Fatal, "no available frames")
}

func (f *Facade) readFromDisk(fr *Frame) error {
	if _, err := f.file.ReadAt(fr.data, f.offset(fr.pid)); err != nil {
		return rc.Wrap(rc.ShortIO, "read page", err)
	}
	return nil
}

// Unfix releases the latch held on fr, in whatever mode fr currently
// holds it, and unpins it.
func (f *Facade) Unfix(fr *Frame) {
	fr.latch.release(fr.heldMode)
	f.mu.Lock()
	defer f.mu.Unlock()
	if fr.pinCount.Add(-1) == 0 {
		link := f.table[fr.pid]
		link.PopSelf()
		f.table[fr.pid] = f.unpinnedList.PushTail(fr)
	}
}

// UpgradeLatchConditional attempts a non-blocking SH->EX upgrade on an
// already-fixed frame.
func (f *Facade) UpgradeLatchConditional(fr *Frame) bool {
	if fr.heldMode == EX {
		return true
	}
	if fr.latch.upgradeConditional() {
		fr.heldMode = EX
		return true
	}
	return false
}

// Downgrade turns an EX hold back into SH, used once a structure
// modification no longer needs exclusivity.
func (f *Facade) Downgrade(fr *Frame) {
	fr.latch.downgrade()
	fr.heldMode = SH
}

// SetDirty marks fr as holding unflushed writes.
func (f *Facade) SetDirty(fr *Frame) {
	fr.dirty.Store(true)
}

// RegisterWriteOrderDependency records that src must reach disk before
// dst, e.g. a split's source page before its freshly allocated foster
// sibling. See depgraph.go for cycle handling.
func (f *Facade) RegisterWriteOrderDependency(src, dst *Frame) {
	f.deps.register(src, dst)
}

func (f *Facade) flushLocked(fr *Frame) {
	if !fr.dirty.Load() {
		return
	}
	f.file.WriteAt(fr.data, f.offset(fr.pid))
	fr.dirty.Store(false)
	f.deps.clear(fr)
}

func (f *Facade) flushAllLocked() {
	walk := func(link *list.Link) { f.flushLocked(link.GetValue().(*Frame)) }
	f.pinnedList.Map(walk)
	f.unpinnedList.Map(walk)
}

// FlushAll flushes every dirty frame to disk, used by checkpoints and
// graceful shutdown.
func (f *Facade) FlushAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushAllLocked()
}

// NumPages reports the number of pages the backing file currently
// spans.
func (f *Facade) NumPages() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.numPages
}
