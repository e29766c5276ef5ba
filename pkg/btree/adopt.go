package btree

import (
	"github.com/lslersch/zero/pkg/bufmgr"
	"github.com/lslersch/zero/pkg/logrec"
	"github.com/lslersch/zero/pkg/lsn"
	"github.com/lslersch/zero/pkg/page"
	"github.com/lslersch/zero/pkg/rc"
	"github.com/lslersch/zero/pkg/xct"
)

// adoptFoster is the single-link foster adopt: parentFrame must
// already be EX-latched by the caller. It EX-latches child itself,
// inserts a new separator covering the foster sibling's range
// (splitting the parent first, combining the split with the adopt, if
// there's no room), and clears child's foster pointer so the chain
// shortens by one link.
func (t *Tree) adoptFoster(root lsn.PageID, parentFrame *bufmgr.Frame, childPID lsn.PageID) error {
	return withSysXct(t.logger, func(h *xct.Handle) error {
		childFrame, err := t.buf.Fix(childPID, bufmgr.EX)
		if err != nil {
			return err
		}
		defer t.buf.Unfix(childFrame)
		childPg := page.Wrap(childFrame.Bytes())
		if childPg.Foster() == 0 {
			return nil
		}
		newSep := append([]byte(nil), childPg.FenceHigh()...)
		newChildPN := childPg.Foster()

		parentPg := page.Wrap(parentFrame.Bytes())
		slot := parentPg.SearchNode(newSep) + 1
		if parentPg.InsertInteriorItem(slot, newChildPN, newSep) {
			t.buf.SetDirty(parentFrame)
		} else {
			sib, err := t.splitInterior(root, parentFrame, newSep)
			if err != nil {
				return err
			}
			defer t.buf.Unfix(sib)
			dest, destFrame := parentPg, parentFrame
			if !parentPg.ContainsKey(newSep) {
				dest, destFrame = page.Wrap(sib.Bytes()), sib
			}
			slot = dest.SearchNode(newSep) + 1
			if !dest.InsertInteriorItem(slot, newChildPN, newSep) {
				return rc.New(rc.Fatal, "adopt_foster: no room even after split")
			}
			t.buf.SetDirty(destFrame)
		}
		h.Log(logrec.FosterAdoptParent, parentFrame.PageID().Page, newChildPN, lsn.Null, lsn.Null, newSep)

		childPg.SetFoster(0)
		childPg.SetFences(childPg.FenceLow(), childPg.FenceHigh(), nil)
		t.buf.SetDirty(childFrame)
		h.Log(logrec.FosterAdoptChild, childFrame.PageID().Page, 0, lsn.Null, lsn.Null, nil)
		return nil
	})
}

// opportunisticAdoptOne narrows the foster adopt to a single known
// child: parentFrame is already EX-latched by the caller, typically via
// a non-blocking upgrade taken because the foster-children hint
// suggested it was worthwhile. Failure is never reported upward — an
// opportunistic adopt that can't proceed just leaves the chain for the
// next pass.
func (t *Tree) opportunisticAdoptOne(root lsn.PageID, parentFrame *bufmgr.Frame, childPID lsn.PageID) {
	if err := t.adoptFoster(root, parentFrame, childPID); err == nil {
		t.fosterHints.Clear(childPID)
	}
}

// AdoptFosterAll is a depth-first sweep that opportunistically collapses
// every foster chain under pid. Meant for bulk reorganization, not the
// hot insert/lookup path.
func (t *Tree) AdoptFosterAll(root lsn.PageID, pid lsn.PageID, recursive bool) error {
	fr, err := t.buf.Fix(pid, bufmgr.SH)
	if err != nil {
		return err
	}
	pg := page.Wrap(fr.Bytes())
	if pg.IsLeaf() {
		t.buf.Unfix(fr)
		return nil
	}
	children := t.interiorChildren(pg)
	if t.buf.UpgradeLatchConditional(fr) {
		for _, c := range children {
			cpid := t.pid(c)
			if t.childHasFoster(cpid) {
				t.opportunisticAdoptOne(root, fr, cpid)
			}
		}
	}
	t.buf.Unfix(fr)

	if !recursive {
		return nil
	}
	for _, c := range children {
		if err := t.AdoptFosterAll(root, t.pid(c), true); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) interiorChildren(pg *page.Page) []uint64 {
	n := pg.NItems()
	out := make([]uint64, 0, n)
	out = append(out, pg.PID0())
	for i := 1; i < n; i++ {
		out = append(out, pg.ChildAt(i))
	}
	return out
}

func (t *Tree) childHasFoster(pid lsn.PageID) bool {
	fr, err := t.buf.Fix(pid, bufmgr.SH)
	if err != nil {
		return false
	}
	has := page.Wrap(fr.Bytes()).Foster() != 0
	t.buf.Unfix(fr)
	return has
}

// maybeOpportunisticAdopt is the hook a just-split leaf's caller takes
// right after unfixing it: if the leaf still carries a live foster
// pointer (the split hint table says so), find its parent and try a
// non-blocking adopt. Called from the hot insert path, so a failed
// conditional upgrade is not retried here — the child's foster-children
// hint stays set, the parent's exclusive-latch-need hint is bumped, and
// the next traversal through the child tries again.
func (t *Tree) maybeOpportunisticAdopt(root, childPID lsn.PageID) {
	if t.fosterHints.Get(childPID) == 0 {
		return
	}
	parentFrame, ok := t.findParent(root, childPID)
	if !ok {
		return
	}
	if t.buf.UpgradeLatchConditional(parentFrame) {
		t.opportunisticAdoptOne(root, parentFrame, childPID)
	} else {
		t.latchNeed.Incr(parentFrame.PageID())
	}
	t.buf.Unfix(parentFrame)
}

// DeAdoptSparseChildren is AdoptFosterAll's mirror image: a depth-first
// sweep that opportunistically pushes sparse direct children back into
// a left sibling's foster chain, the reverse of collapsing a chain by
// adoption. Meant for bulk reorganization, not the hot insert/lookup
// path.
func (t *Tree) DeAdoptSparseChildren(pid lsn.PageID, recursive bool) error {
	fr, err := t.buf.Fix(pid, bufmgr.SH)
	if err != nil {
		return err
	}
	pg := page.Wrap(fr.Bytes())
	if pg.IsLeaf() {
		t.buf.Unfix(fr)
		return nil
	}
	children := t.interiorChildren(pg)
	if t.buf.UpgradeLatchConditional(fr) {
		for slot := pg.NItems() - 1; slot >= 1; slot-- {
			if t.sparseAndAdoptable(fr, slot) {
				t.opportunisticDeAdoptOne(fr, slot)
			}
		}
	}
	t.buf.Unfix(fr)

	if !recursive {
		return nil
	}
	for _, c := range children {
		if err := t.DeAdoptSparseChildren(t.pid(c), true); err != nil {
			return err
		}
	}
	return nil
}

// sparseAndAdoptable reports whether parentFrame's child at slot is
// sparse and its left neighbor (slot-1's child) has no foster child of
// its own yet, the two preconditions deAdoptChild requires.
func (t *Tree) sparseAndAdoptable(parentFrame *bufmgr.Frame, slot int) bool {
	parentPg := page.Wrap(parentFrame.Bytes())
	childPID := t.pid(parentPg.PIDAt(slot))
	childFrame, err := t.buf.Fix(childPID, bufmgr.SH)
	if err != nil {
		return false
	}
	sparse := isSparse(page.Wrap(childFrame.Bytes()))
	t.buf.Unfix(childFrame)
	if !sparse {
		return false
	}

	leftPID := t.pid(leftSiblingPID(parentPg, slot))
	leftFrame, err := t.buf.Fix(leftPID, bufmgr.SH)
	if err != nil {
		return false
	}
	noExistingFoster := page.Wrap(leftFrame.Bytes()).Foster() == 0
	t.buf.Unfix(leftFrame)
	return noExistingFoster
}

// opportunisticDeAdoptOne narrows the de-adopt to a single known slot:
// parentFrame is already EX-latched by the caller. Failure is never
// reported upward — an opportunistic de-adopt that can't proceed just
// leaves the child where it is for the next pass.
func (t *Tree) opportunisticDeAdoptOne(parentFrame *bufmgr.Frame, slot int) {
	parentPg := page.Wrap(parentFrame.Bytes())
	leftPID := t.pid(leftSiblingPID(parentPg, slot))
	leftFrame, err := t.buf.Fix(leftPID, bufmgr.EX)
	if err != nil {
		return
	}
	defer t.buf.Unfix(leftFrame)
	t.deAdoptChild(parentFrame, leftFrame, slot)
}

// leftSiblingPID returns the child pointer immediately before slot:
// pid0 if slot is 1, otherwise the preceding item's child.
func leftSiblingPID(pg *page.Page, slot int) uint64 {
	if slot == 1 {
		return pg.PID0()
	}
	return pg.PIDAt(slot - 1)
}

// findParent returns the interior page whose child pointer is childPID,
// SH-latched, by descending from root using childPID's own fence_low as
// the search key. Returns ok=false if childPID is the root itself or
// the tree shape changed out from under the search.
func (t *Tree) findParent(root, childPID lsn.PageID) (parent *bufmgr.Frame, ok bool) {
	cfr, err := t.buf.Fix(childPID, bufmgr.SH)
	if err != nil {
		return nil, false
	}
	key := append([]byte(nil), page.Wrap(cfr.Bytes()).FenceLow()...)
	t.buf.Unfix(cfr)

	cur, err := t.buf.Fix(root, bufmgr.SH)
	if err != nil {
		return nil, false
	}
	for {
		pg := page.Wrap(cur.Bytes())
		if pg.IsLeaf() {
			t.buf.Unfix(cur)
			return nil, false
		}
		idx := pg.SearchNode(key)
		child := t.pid(pg.ChildAt(idx))
		if child == childPID {
			return cur, true
		}
		nfr, err := t.buf.Fix(child, bufmgr.SH)
		t.buf.Unfix(cur)
		if err != nil {
			return nil, false
		}
		cur = nfr
	}
}
