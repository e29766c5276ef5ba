package bufmgr

import (
	"sync/atomic"

	"github.com/lslersch/zero/pkg/lsn"
)

// Frame is one resident buffer slot, the unit fix/unfix operate on. It
// plays the role pager.Page plays, generalized with a
// latch (instead of a bare RWMutex) and a write-order group.
type Frame struct {
	pid      lsn.PageID
	data     []byte
	latch    *latch
	pinCount atomic.Int64
	dirty    atomic.Bool
	groupID  int // write-order "super-dirty" group, 0 means none
	heldMode Mode
}

// PageID returns the identifier of the page resident in this frame.
func (f *Frame) PageID() lsn.PageID { return f.pid }

// Bytes exposes the frame's backing buffer for pkg/page to interpret.
func (f *Frame) Bytes() []byte { return f.data }

// IsDirty reports whether the frame has unflushed writes.
func (f *Frame) IsDirty() bool { return f.dirty.Load() }

func newFrame(data []byte) *Frame {
	return &Frame{data: data, latch: newLatch()}
}
