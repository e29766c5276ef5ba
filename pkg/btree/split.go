package btree

import (
	"github.com/lslersch/zero/pkg/bufmgr"
	"github.com/lslersch/zero/pkg/logrec"
	"github.com/lslersch/zero/pkg/lsn"
	"github.com/lslersch/zero/pkg/page"
	"github.com/lslersch/zero/pkg/rc"
	"github.com/lslersch/zero/pkg/xct"
)

// splitLeaf performs a foster split of a full leaf: allocate a sibling
// R, steal the trailing slots into it (or leave it empty for a
// no-record split), reformat the source page's fence_high and foster
// pointer in place, and register the write-order dependency the
// buffer facade needs to keep R's contents durable no earlier than the
// source page. Returns R still EX-latched; the caller unfixes it. If
// the split page is the tree's root, the tree is grown immediately
// afterward so the root never carries a foster.
func (t *Tree) splitLeaf(root lsn.PageID, leaf *bufmgr.Frame, triggerKey []byte) (*bufmgr.Frame, error) {
	var sib *bufmgr.Frame
	err := withSysXct(t.logger, func(h *xct.Handle) error {
		pg := page.Wrap(leaf.Bytes())
		midKey, splitSlot := pg.SuggestFenceForSplit(triggerKey)

		rpid, err := t.buf.AllocPage(t.store)
		if err != nil {
			return err
		}
		rframe, err := t.buf.FixNew(rpid)
		if err != nil {
			return err
		}

		oldHigh := append([]byte(nil), pg.FenceHigh()...)
		oldChainHigh := append([]byte(nil), pg.ChainFenceHigh()...)
		oldFoster := pg.Foster()
		wasRightmost := pg.IsRightmost()

		rpg := page.Wrap(rframe.Bytes())
		rpg.InitLeaf(pg.RootPage(), midKey, oldHigh, oldChainHigh)
		rpg.SetFoster(oldFoster)
		rpg.SetRightmost(wasRightmost)

		noRecord := splitSlot >= pg.NItems()
		if !noRecord {
			for i := splitSlot; i < pg.NItems(); i++ {
				k, v, ghost := pg.KeyAt(i), pg.ValueAt(i), pg.IsGhost(i)
				if !rpg.InsertLeafItem(rpg.NItems(), k, v, ghost) {
					return rc.New(rc.Fatal, "foster split: sibling has no room for stolen slots")
				}
			}
			pg.TruncateFrom(splitSlot)
		}

		pg.SetFences(pg.FenceLow(), midKey, nil)
		pg.SetFoster(rpid.Page)
		pg.SetRightmost(false)

		t.buf.SetDirty(rframe)
		t.buf.SetDirty(leaf)
		if !noRecord {
			t.buf.RegisterWriteOrderDependency(leaf, rframe)
		}
		t.fosterHints.Incr(leaf.PageID())
		sib = rframe
		if noRecord {
			h.Log(logrec.NorecordSplit, leaf.PageID().Page, rpid.Page, lsn.Null, lsn.Null, midKey)
		} else {
			h.Log(logrec.FosterSplit, leaf.PageID().Page, rpid.Page, lsn.Null, lsn.Null, midKey)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if leaf.PageID() == root {
		if err := t.growTree(leaf); err != nil {
			return sib, err
		}
	}
	return sib, nil
}

// splitInterior is splitLeaf's counterpart for an interior page full of
// (child, separator) pairs. The item at splitSlot is not copied: its
// child pointer becomes R's pid0 (the classic B+tree "drop the middle
// key, promote it" rule), and only the items after it move to R.
func (t *Tree) splitInterior(root lsn.PageID, node *bufmgr.Frame, triggerKey []byte) (*bufmgr.Frame, error) {
	var sib *bufmgr.Frame
	err := withSysXct(t.logger, func(h *xct.Handle) error {
		pg := page.Wrap(node.Bytes())
		midKey, splitSlot := pg.SuggestFenceForSplit(triggerKey)

		rpid, err := t.buf.AllocPage(t.store)
		if err != nil {
			return err
		}
		rframe, err := t.buf.FixNew(rpid)
		if err != nil {
			return err
		}

		oldHigh := append([]byte(nil), pg.FenceHigh()...)
		oldChainHigh := append([]byte(nil), pg.ChainFenceHigh()...)
		oldFoster := pg.Foster()
		wasRightmost := pg.IsRightmost()
		noRecord := splitSlot >= pg.NItems()

		var rpid0 uint64
		if !noRecord {
			rpid0 = pg.ChildAt(splitSlot)
		}
		rpg := page.Wrap(rframe.Bytes())
		rpg.InitInterior(pg.RootPage(), pg.Level(), rpid0, midKey, oldHigh, oldChainHigh)
		rpg.SetFoster(oldFoster)
		rpg.SetRightmost(wasRightmost)

		if !noRecord {
			for i := splitSlot + 1; i < pg.NItems(); i++ {
				k, child := pg.KeyAt(i), pg.PIDAt(i)
				if !rpg.InsertInteriorItem(rpg.NItems(), child, k) {
					return rc.New(rc.Fatal, "foster split: interior sibling has no room")
				}
			}
			pg.TruncateFrom(splitSlot)
		}

		pg.SetFences(pg.FenceLow(), midKey, nil)
		pg.SetFoster(rpid.Page)
		pg.SetRightmost(false)

		t.buf.SetDirty(rframe)
		t.buf.SetDirty(node)
		if !noRecord {
			t.buf.RegisterWriteOrderDependency(node, rframe)
		}
		t.fosterHints.Incr(node.PageID())
		sib = rframe
		if noRecord {
			h.Log(logrec.NorecordSplit, node.PageID().Page, rpid.Page, lsn.Null, lsn.Null, midKey)
		} else {
			h.Log(logrec.FosterSplit, node.PageID().Page, rpid.Page, lsn.Null, lsn.Null, midKey)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if node.PageID() == root {
		if err := t.growTree(node); err != nil {
			return sib, err
		}
	}
	return sib, nil
}
