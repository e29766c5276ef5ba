package btree

import (
	"github.com/lslersch/zero/pkg/bufmgr"
	"github.com/lslersch/zero/pkg/logrec"
	"github.com/lslersch/zero/pkg/lsn"
	"github.com/lslersch/zero/pkg/page"
	"github.com/lslersch/zero/pkg/rc"
	"github.com/lslersch/zero/pkg/xct"
)

func isSparse(pg *page.Page) bool {
	occupied := page.Size - pg.UsableSpace()
	return float64(occupied) < sparseThreshold*float64(page.Size)
}

// mergeFoster folds a sibling back into its left neighbor: if
// leftFrame's foster child has become sparse and the combined content
// fits back into left, it copies the sibling's items into left, clears
// the foster pointer, and deallocates the sibling's page. leftFrame
// must already be EX-latched by the caller; mergeFoster EX-latches the
// foster child itself.
func (t *Tree) mergeFoster(leftFrame *bufmgr.Frame) (merged bool, err error) {
	leftPg := page.Wrap(leftFrame.Bytes())
	if leftPg.Foster() == 0 {
		return false, nil
	}
	rpid := t.pid(leftPg.Foster())
	rightFrame, err := t.buf.Fix(rpid, bufmgr.EX)
	if err != nil {
		return false, err
	}
	defer t.buf.Unfix(rightFrame)

	if t.buf.HasWriteOrderDependency(leftFrame, rightFrame) {
		return false, nil
	}
	rightPg := page.Wrap(rightFrame.Bytes())
	if !isSparse(rightPg) {
		return false, nil
	}
	if leftPg.UsableSpace() < page.Size-rightPg.UsableSpace() {
		return false, nil
	}

	err = withSysXct(t.logger, func(h *xct.Handle) error {
		n := rightPg.NItems()
		if leftPg.IsLeaf() {
			for i := 1; i < n; i++ {
				k, v, ghost := rightPg.KeyAt(i), rightPg.ValueAt(i), rightPg.IsGhost(i)
				if !leftPg.InsertLeafItem(leftPg.NItems(), k, v, ghost) {
					return rc.New(rc.Fatal, "merge_foster: sibling's items don't fit after all")
				}
			}
		} else {
			if !leftPg.InsertInteriorItem(leftPg.NItems(), rightPg.PID0(), rightPg.FenceLow()) {
				return rc.New(rc.Fatal, "merge_foster: sibling's pid0 separator doesn't fit")
			}
			for i := 1; i < n; i++ {
				k, child := rightPg.KeyAt(i), rightPg.PIDAt(i)
				if !leftPg.InsertInteriorItem(leftPg.NItems(), child, k) {
					return rc.New(rc.Fatal, "merge_foster: sibling's items don't fit after all")
				}
			}
		}
		leftPg.SetFences(leftPg.FenceLow(), rightPg.FenceHigh(), rightPg.ChainFenceHigh())
		leftPg.SetFoster(rightPg.Foster())
		leftPg.SetRightmost(rightPg.IsRightmost())
		t.buf.SetDirty(leftFrame)
		t.buf.FreePage(rpid)
		h.Log(logrec.FosterMerge, leftFrame.PageID().Page, rpid.Page, lsn.Null, lsn.Null, nil)
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// rebalanceFoster evens out a lopsided split: when a leaf is overly
// full relative to its foster child, move trailing items across to
// even out the split, sliding the implicit separator
// (left.fence_high == right.fence_low) left as items move. Interior
// pages are left alone — shuffling a pid0 across the boundary would
// need its own separator bookkeeping, and splits/adopts already keep
// interior pages from growing as lopsided as leaves do under a skewed
// insert pattern.
func (t *Tree) rebalanceFoster(leftFrame *bufmgr.Frame) error {
	leftPg := page.Wrap(leftFrame.Bytes())
	if leftPg.Foster() == 0 || !leftPg.IsLeaf() {
		return nil
	}
	rpid := t.pid(leftPg.Foster())
	rightFrame, err := t.buf.Fix(rpid, bufmgr.EX)
	if err != nil {
		return err
	}
	defer t.buf.Unfix(rightFrame)
	rightPg := page.Wrap(rightFrame.Bytes())

	leftUsed := page.Size - leftPg.UsableSpace()
	rightUsed := page.Size - rightPg.UsableSpace()
	if leftUsed <= rightUsed {
		return nil
	}

	return withSysXct(t.logger, func(h *xct.Handle) error {
		newFenceHigh := append([]byte(nil), leftPg.FenceHigh()...)
		moved := false
		for leftUsed > rightUsed && leftPg.NItems() > 2 {
			last := leftPg.NItems() - 1
			k, v, ghost := leftPg.KeyAt(last), leftPg.ValueAt(last), leftPg.IsGhost(last)
			if !rightPg.InsertLeafItem(1, k, v, ghost) {
				break
			}
			newFenceHigh = append([]byte(nil), k...)
			leftPg.DeleteItem(last)
			moved = true
			leftUsed = page.Size - leftPg.UsableSpace()
			rightUsed = page.Size - rightPg.UsableSpace()
		}
		if !moved {
			return nil
		}
		oldLeftChainHigh := leftPg.ChainFenceHigh()
		leftPg.SetFences(leftPg.FenceLow(), newFenceHigh, oldLeftChainHigh)
		rightPg.SetFences(newFenceHigh, rightPg.FenceHigh(), rightPg.ChainFenceHigh())
		t.buf.SetDirty(leftFrame)
		t.buf.SetDirty(rightFrame)
		h.Log(logrec.FosterRebalance, leftFrame.PageID().Page, rpid.Page, lsn.Null, lsn.Null, newFenceHigh)
		return nil
	})
}

// deAdoptChild reverses adoptFoster: it pushes the separator+child
// pointer at slot (a regular child of parentFrame, immediately after
// left's own entry) down into left's foster pointer instead, so left
// becomes mid-chain again. Used when a parent would rather shed a
// child than carry it as a direct separator, e.g. to make room for a
// higher-priority insert without a full split. parentFrame and left
// must already be EX-latched by the caller.
func (t *Tree) deAdoptChild(parentFrame, left *bufmgr.Frame, slot int) error {
	parentPg := page.Wrap(parentFrame.Bytes())
	leftPg := page.Wrap(left.Bytes())
	if leftPg.Foster() != 0 {
		return rc.New(rc.Fatal, "de_adopt: left already has a foster child")
	}
	if slot < 1 || slot >= parentPg.NItems() {
		return rc.New(rc.Fatal, "de_adopt: slot out of range")
	}

	childPID := parentPg.PIDAt(slot)
	childFrame, err := t.buf.Fix(t.pid(childPID), bufmgr.SH)
	if err != nil {
		return err
	}
	childChainHigh := append([]byte(nil), page.Wrap(childFrame.Bytes()).FenceHigh()...)
	t.buf.Unfix(childFrame)

	return withSysXct(t.logger, func(h *xct.Handle) error {
		sep := append([]byte(nil), parentPg.KeyAt(slot)...)
		leftPg.SetFences(leftPg.FenceLow(), sep, childChainHigh)
		leftPg.SetFoster(childPID)
		parentPg.DeleteItem(slot)

		t.buf.SetDirty(left)
		t.buf.SetDirty(parentFrame)
		h.Log(logrec.FosterDeadopt, parentFrame.PageID().Page, childPID, lsn.Null, lsn.Null, sep)
		return nil
	})
}
