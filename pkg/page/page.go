// Package page implements the on-disk representation of a B-link node:
// headers, the item vector, ghost marks, and prefix compression. It does
// no locking of its own — the caller is expected to hold the page's
// exclusive latch (see pkg/bufmgr) before mutating, the same contract
// pkg/btree leaf/internal nodes have with pkg/pager's page-level
// RWMutex.
package page

import (
	"bytes"
	"encoding/binary"
)

// Size is the fixed, 8-byte-aligned size of every B-link page.
const Size = 8192

// headerSize is the fixed region at the start of the page holding the
// header fields. We don't model a separate generic page header here
// (that belongs to the storage layer outside this package's scope) so
// this header starts at offset 0.
const headerSize = 48

// Field offsets within the header. Everything is little-endian and
// fixed-width, unlike varint-encoded node headers — varints make sense
// for a handful of int64 fields but this header packs nine distinct
// fields plus the item-vector bookkeeping, so fixed widths keep the
// arithmetic (and the alignment invariants) simple.
const (
	offRootPage = 0  // uint64
	offPID0     = 8  // uint64
	offFoster   = 16 // uint64
	offLevel    = 24 // int16
	offFenceLow = 26 // int16: fence_low_len
	offFenceHigh = 28 // int16: fence_high_len
	offChainHigh = 30 // int16: chain_fence_high_len
	offPrefix   = 32 // int16: prefix_len
	offSkew     = 34 // int16: consecutive_skewed_insertions
	offNItems   = 36 // int16
	offNGhosts  = 38 // int16
	offBodyFree = 40 // int16: byte offset (from page start) of the lowest allocated body
	offFlags    = 42 // byte: FlagLeftmost | FlagRightmost
	// 43-47 reserved/padding to keep headerSize 8-aligned.
)

// Flags stored at offFlags. No finite byte string can compare greater
// than every possible key, so the tree's true -inf/+inf fences are
// represented by these sentinel bits rather than by stored bytes; a
// page with FlagRightmost set ignores its stored fence_high entirely.
const (
	FlagLeftmost  byte = 1 << 0
	FlagRightmost byte = 1 << 1
)

const slotHeadSize = 4 // {offset int16, poorKey uint16}

// Page is an in-memory handle onto one 8 KiB B-link node buffer. The
// backing array is owned by the buffer facade (pkg/bufmgr); Page only
// interprets it.
type Page struct {
	data []byte
}

// Wrap returns a Page view over an existing 8 KiB buffer (as served by
// pkg/bufmgr.Frame.Bytes).
func Wrap(data []byte) *Page {
	if len(data) != Size {
		panic("page: buffer is not exactly Size bytes")
	}
	return &Page{data: data}
}

// Bytes exposes the raw backing array, e.g. so the buffer facade can
// flush it to disk.
func (p *Page) Bytes() []byte { return p.data }

// InitLeaf formats the page as an empty leaf (level 1) with the given
// fences. Slot 0 is reserved for the fence triple, as in
// btree_page_data's slot_body.fence layout (original_source/btree_page.h).
func (p *Page) InitLeaf(root uint64, fenceLow, fenceHigh, chainFenceHigh []byte) {
	p.initCommon(root, 1)
	p.SetFences(fenceLow, fenceHigh, chainFenceHigh)
}

// InitInterior formats the page as an empty interior node at the given
// level (> 1), with leftmost child pointer pid0.
func (p *Page) InitInterior(root uint64, level int16, pid0 uint64, fenceLow, fenceHigh, chainFenceHigh []byte) {
	p.initCommon(root, level)
	p.SetPID0(pid0)
	p.SetFences(fenceLow, fenceHigh, chainFenceHigh)
}

func (p *Page) initCommon(root uint64, level int16) {
	for i := range p.data {
		p.data[i] = 0
	}
	p.setU64(offRootPage, root)
	p.setI16(offLevel, level)
	p.setI16(offBodyFree, int16(Size))
}

// --- header accessors ---

func (p *Page) u64(off int) uint64          { return binary.LittleEndian.Uint64(p.data[off:]) }
func (p *Page) setU64(off int, v uint64)    { binary.LittleEndian.PutUint64(p.data[off:], v) }
func (p *Page) i16(off int) int16           { return int16(binary.LittleEndian.Uint16(p.data[off:])) }
func (p *Page) setI16(off int, v int16) {
	binary.LittleEndian.PutUint16(p.data[off:], uint16(v))
}

func (p *Page) RootPage() uint64   { return p.u64(offRootPage) }
func (p *Page) PID0() uint64       { return p.u64(offPID0) }
func (p *Page) SetPID0(v uint64)   { p.setU64(offPID0, v) }
func (p *Page) Foster() uint64     { return p.u64(offFoster) }
func (p *Page) SetFoster(v uint64) { p.setU64(offFoster, v) }
func (p *Page) SetLevel(v int16)   { p.setI16(offLevel, v) }
func (p *Page) Level() int16       { return p.i16(offLevel) }
func (p *Page) IsLeaf() bool       { return p.Level() == 1 }

func (p *Page) PrefixLen() int16 { return p.i16(offPrefix) }
func (p *Page) NItems() int      { return int(p.i16(offNItems)) }
func (p *Page) NGhosts() int     { return int(p.i16(offNGhosts)) }

func (p *Page) ConsecutiveSkewedInsertions() int16 { return p.i16(offSkew) }

// NoteInsertPosition updates the skewed-insertion counter the way
// original_source/btree_page.h describes: positive skews right, negative
// skews left, reset to zero by any middle insertion. Not logged.
func (p *Page) NoteInsertPosition(slot int) {
	n := p.NItems()
	cur := p.ConsecutiveSkewedInsertions()
	switch {
	case n <= 1:
		p.setI16(offSkew, 0)
	case slot >= n-1: // insertion at/after the end
		if cur >= 0 {
			p.setI16(offSkew, cur+1)
		} else {
			p.setI16(offSkew, 1)
		}
	case slot <= 1: // insertion at the very start (slot 0 is the fence)
		if cur <= 0 {
			p.setI16(offSkew, cur-1)
		} else {
			p.setI16(offSkew, -1)
		}
	default:
		p.setI16(offSkew, 0)
	}
}

// IsLeftmost reports whether this page's fence_low is the tree's -inf
// sentinel rather than a real key.
func (p *Page) IsLeftmost() bool { return p.data[offFlags]&FlagLeftmost != 0 }

// IsRightmost reports whether this page's fence_high (and any foster
// chain's chain_fence_high) is the tree's +inf sentinel.
func (p *Page) IsRightmost() bool { return p.data[offFlags]&FlagRightmost != 0 }

// SetLeftmost sets or clears the -inf sentinel flag.
func (p *Page) SetLeftmost(v bool) { p.setFlag(FlagLeftmost, v) }

// SetRightmost sets or clears the +inf sentinel flag.
func (p *Page) SetRightmost(v bool) { p.setFlag(FlagRightmost, v) }

func (p *Page) setFlag(bit byte, v bool) {
	if v {
		p.data[offFlags] |= bit
	} else {
		p.data[offFlags] &^= bit
	}
}

// KeyAboveLow reports whether key >= fence_low.
func (p *Page) KeyAboveLow(key []byte) bool {
	if p.IsLeftmost() {
		return true
	}
	return bytes.Compare(key, p.FenceLow()) >= 0
}

// KeyBelowHigh reports whether key < fence_high.
func (p *Page) KeyBelowHigh(key []byte) bool {
	if p.IsRightmost() {
		return true
	}
	return bytes.Compare(key, p.FenceHigh()) < 0
}

// ContainsKey reports whether key falls within [fence_low, fence_high).
func (p *Page) ContainsKey(key []byte) bool {
	return p.KeyAboveLow(key) && p.KeyBelowHigh(key)
}

func (p *Page) bodyFree() int         { return int(p.i16(offBodyFree)) }
func (p *Page) setBodyFree(v int)     { p.setI16(offBodyFree, int16(v)) }
func (p *Page) setNItems(v int)       { p.setI16(offNItems, int16(v)) }
func (p *Page) setNGhosts(v int)      { p.setI16(offNGhosts, int16(v)) }

// UsableSpace returns the number of free bytes available for new items,
// the same quantity as btree_page_data::usable_space in
// original_source/btree_page.h.
func (p *Page) UsableSpace() int {
	slotsEnd := headerSize + p.NItems()*slotHeadSize
	return p.bodyFree() - slotsEnd
}

// PredictItemSpace returns the number of bytes a new item of the given
// body length would consume, including its slot head and 8-byte body
// alignment.
func PredictItemSpace(dataLen int) int {
	return slotHeadSize + align8(dataLen)
}

func align8(n int) int {
	return (n + 7) &^ 7
}
