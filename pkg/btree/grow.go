package btree

import (
	"github.com/lslersch/zero/pkg/bufmgr"
	"github.com/lslersch/zero/pkg/logrec"
	"github.com/lslersch/zero/pkg/lsn"
	"github.com/lslersch/zero/pkg/page"
	"github.com/lslersch/zero/pkg/rc"
	"github.com/lslersch/zero/pkg/xct"
)

// growTree grows the tree by one level: the root's page id never
// changes, so growing the tree means copying the root's current
// contents into a brand new page C, then reformatting the root's own
// bytes as a fresh interior page one level taller whose pid0 is C and
// whose first (and only) separator is the root's old fence_high paired
// with the old foster pointer. rootFrame must already be EX-latched
// by the caller (typically mid-split, immediately after splitting the
// root itself), never re-fixed here.
func (t *Tree) growTree(rootFrame *bufmgr.Frame) error {
	return withSysXct(t.logger, func(h *xct.Handle) error {
		pg := page.Wrap(rootFrame.Bytes())
		if pg.Foster() == 0 {
			return nil
		}

		cpid, err := t.buf.AllocPage(t.store)
		if err != nil {
			return err
		}
		cframe, err := t.buf.FixNew(cpid)
		if err != nil {
			return err
		}
		copy(cframe.Bytes(), rootFrame.Bytes())
		t.buf.SetDirty(cframe)

		fosterPID := pg.Foster()
		midKey := append([]byte(nil), pg.FenceHigh()...)
		oldLevel := pg.Level()

		pg.InitInterior(pg.RootPage(), oldLevel+1, cpid.Page, nil, nil, nil)
		pg.SetLeftmost(true)
		pg.SetRightmost(true)
		if !pg.InsertInteriorItem(pg.NItems(), fosterPID, midKey) {
			t.buf.Unfix(cframe)
			return rc.New(rc.Fatal, "grow_tree: new root has no room for its first separator")
		}
		t.buf.SetDirty(rootFrame)
		t.buf.Unfix(cframe)
		h.Log(logrec.GrowTree, rootFrame.PageID().Page, cpid.Page, lsn.Null, lsn.Null, midKey)
		return nil
	})
}
