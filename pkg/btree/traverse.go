package btree

import (
	"github.com/lslersch/zero/pkg/bufmgr"
	"github.com/lslersch/zero/pkg/lsn"
	"github.com/lslersch/zero/pkg/page"
)

// descend implements the latch-coupled traversal protocol: start at
// root with a shared latch; at each level search for the child, latch
// it, then release the parent; on a foster pointer whose fence range
// covers key, follow it the same way. At the leaf, if wantExclusive,
// attempt a conditional upgrade; on failure, drop everything and retry
// the whole descent latching straight to EX so no writer ever blocks
// holding an ancestor's latch.
func (t *Tree) descend(root lsn.PageID, key []byte, wantExclusive bool) (*bufmgr.Frame, error) {
	for {
		leaf, gaveUp, err := t.descendOnce(root, key, wantExclusive)
		if err != nil {
			return nil, err
		}
		if !gaveUp {
			return leaf, nil
		}
	}
}

// descendOnce runs one attempt. gaveUp is true only when wantExclusive
// and the conditional upgrade at the leaf failed, meaning the caller
// should retry from the root.
func (t *Tree) descendOnce(root lsn.PageID, key []byte, wantExclusive bool) (leaf *bufmgr.Frame, gaveUp bool, err error) {
	cur, err := t.buf.Fix(root, bufmgr.SH)
	if err != nil {
		return nil, false, err
	}
	for {
		pg := page.Wrap(cur.Bytes())

		if next, ok := t.followFoster(pg, key); ok {
			nfr, err := t.buf.Fix(t.pid(next), bufmgr.SH)
			if err != nil {
				t.buf.Unfix(cur)
				return nil, false, err
			}
			t.buf.Unfix(cur)
			cur = nfr
			continue
		}

		if pg.IsLeaf() {
			if !wantExclusive {
				return cur, false, nil
			}
			if t.buf.UpgradeLatchConditional(cur) {
				return cur, false, nil
			}
			t.latchNeed.Incr(cur.PageID())
			t.buf.Unfix(cur)
			return nil, true, nil
		}

		idx := pg.SearchNode(key)
		child := pg.ChildAt(idx)
		cfr, err := t.buf.Fix(t.pid(child), bufmgr.SH)
		if err != nil {
			t.buf.Unfix(cur)
			return nil, false, err
		}
		t.buf.Unfix(cur)
		cur = cfr
	}
}

// followFoster reports the foster child's page number when key has
// fallen out of pg's own range but into its foster sibling's, the
// b-link "move right" step taken at every level during a concurrent
// split.
func (t *Tree) followFoster(pg *page.Page, key []byte) (uint64, bool) {
	if pg.Foster() == 0 {
		return 0, false
	}
	if pg.KeyBelowHigh(key) {
		return 0, false
	}
	return pg.Foster(), true
}
