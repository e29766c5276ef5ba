// Package btree implements the B-link tree index core: latch-coupled
// traversal over foster/b-link pages, structure modifications (split,
// adopt, grow, merge, rebalance, de-adopt) run inside system
// sub-transactions, and ghost-record deletes.
//
// Every exported operation is atomic with respect to concurrent
// readers and writers: pages are never held by Go pointer across a
// yield point without a latch, and every multi-page mutation opens a
// system sub-transaction via pkg/xct so redo can replay it as a unit
// independent of any enclosing user transaction.
package btree

import (
	"github.com/lslersch/zero/pkg/bufmgr"
	"github.com/lslersch/zero/pkg/logrec"
	"github.com/lslersch/zero/pkg/lsn"
	"github.com/lslersch/zero/pkg/page"
	"github.com/lslersch/zero/pkg/rc"
	"github.com/lslersch/zero/pkg/xct"
)

// MaxEntrySize bounds a single key+value pair so that at least a
// handful of entries fit in one page after the fixed header and slot
// heads.
const MaxEntrySize = page.Size / 4

// Tree is one B-link index: a store of pages reached only through the
// buffer facade, never held by reference across a yield point. A Tree
// value is safe for concurrent use by many goroutines.
type Tree struct {
	buf    *bufmgr.Facade
	store  lsn.StoreID
	logger xct.Logger

	latchNeed   *hintTable
	fosterHints *hintTable
}

// Open wraps an existing buffer facade and store with the B-link
// operations. It allocates nothing and does not assume store already
// holds a tree; call Create for that. logger receives every
// physiological log record a structure modification produces; pass
// xct.Discard{} for a tree whose mutations never need replaying.
func Open(buf *bufmgr.Facade, store lsn.StoreID, logger xct.Logger) *Tree {
	return &Tree{
		buf:         buf,
		store:       store,
		logger:      logger,
		latchNeed:   newExclusiveLatchNeedHints(),
		fosterHints: newFosterChildrenHints(),
	}
}

func (t *Tree) pid(pageNum uint64) lsn.PageID {
	return lsn.PageID{Volume: t.store.Volume, Store: t.store.Store, Page: pageNum}
}

// Create allocates a fresh page, formats it as an empty leaf spanning
// the whole key space (fence_low = -inf, fence_high = +inf), and
// returns its page id as the tree's root.
func (t *Tree) Create() (lsn.PageID, error) {
	root, err := t.buf.AllocPage(t.store)
	if err != nil {
		return lsn.Nil, err
	}
	fr, err := t.buf.FixNew(root)
	if err != nil {
		return lsn.Nil, err
	}
	pg := page.Wrap(fr.Bytes())
	pg.InitLeaf(root.Page, nil, nil, nil)
	pg.SetLeftmost(true)
	pg.SetRightmost(true)
	t.buf.SetDirty(fr)
	t.buf.Unfix(fr)
	return root, nil
}

// Lookup reads the value stored for key.
func (t *Tree) Lookup(root lsn.PageID, key []byte) (value []byte, found bool, err error) {
	leaf, err := t.descend(root, key, false)
	if err != nil {
		return nil, false, err
	}
	defer t.buf.Unfix(leaf)
	pg := page.Wrap(leaf.Bytes())
	slot, ok := pg.SearchLeaf(key)
	if !ok || pg.IsGhost(slot) {
		return nil, false, nil
	}
	v := pg.ValueAt(slot)
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Insert adds a new (key, value) pair, splitting and adopting as
// needed. Fails with rc.Duplicate if key is already present and not a
// ghost; reclaims a matching ghost slot instead of allocating a new
// one.
func (t *Tree) Insert(root lsn.PageID, key, value []byte) error {
	if len(key)+len(value) > MaxEntrySize {
		return rc.New(rc.RecordTooLarge, "insert")
	}
	for {
		leaf, err := t.descend(root, key, true)
		if err != nil {
			return err
		}
		pg := page.Wrap(leaf.Bytes())
		slot, found := pg.SearchLeaf(key)
		if found {
			if !pg.IsGhost(slot) {
				t.buf.Unfix(leaf)
				return rc.New(rc.Duplicate, "insert")
			}
			if t.reclaimGhost(leaf, pg, slot, value) {
				t.buf.Unfix(leaf)
				return nil
			}
		} else if t.reserveAndFill(leaf, pg, slot, key, value) {
			pg.NoteInsertPosition(slot)
			t.buf.Unfix(leaf)
			t.maybeOpportunisticAdopt(root, leaf.PageID())
			return nil
		}
		// No room: split and retry the whole descent, since the key's
		// target half may now be the original page or its new sibling.
		sib, err := t.splitLeaf(root, leaf, key)
		t.buf.Unfix(leaf)
		if err != nil {
			return err
		}
		t.buf.Unfix(sib)
	}
}

// reclaimGhost reinstates a ghosted slot with a new value inside a
// system sub-transaction, logging ghost_reclaim: unmarking a ghost and
// resizing its stored value both touch the page's physical layout, so
// the pair is one structure modification rather than a plain update.
func (t *Tree) reclaimGhost(leaf *bufmgr.Frame, pg *page.Page, slot int, value []byte) bool {
	ok := false
	withSysXct(t.logger, func(h *xct.Handle) error {
		if !pg.ReplaceItemData(slot, value) {
			return nil
		}
		pg.UnmarkGhost(slot)
		t.buf.SetDirty(leaf)
		ok = true
		h.Log(logrec.GhostReclaim, leaf.PageID().Page, 0, lsn.Null, lsn.Null, nil)
		return nil
	})
	return ok
}

// reserveAndFill performs a new key's physical insertion the way the
// ghost protocol models every fresh record: reserve a ghost slot at the
// key's final position, then fill in its value and clear the ghost
// mark, all as one system sub-transaction logged once as ghost_reserve
// — nothing is logged if the value never ends up fitting, since the
// reservation is rolled back in the same SSX before it returns.
func (t *Tree) reserveAndFill(leaf *bufmgr.Frame, pg *page.Page, slot int, key, value []byte) bool {
	ok := false
	withSysXct(t.logger, func(h *xct.Handle) error {
		if !pg.InsertLeafItem(slot, key, nil, true) {
			return nil
		}
		if !pg.ReplaceItemData(slot, value) {
			pg.DeleteItem(slot)
			return nil
		}
		pg.UnmarkGhost(slot)
		t.buf.SetDirty(leaf)
		ok = true
		h.Log(logrec.GhostReserve, leaf.PageID().Page, 0, lsn.Null, lsn.Null, key)
		return nil
	})
	return ok
}

// Update replaces the value stored for an existing key. Fails with
// rc.NotFound if the key is absent or ghosted.
func (t *Tree) Update(root lsn.PageID, key, value []byte) error {
	if len(key)+len(value) > MaxEntrySize {
		return rc.New(rc.RecordTooLarge, "update")
	}
	leaf, err := t.descend(root, key, true)
	if err != nil {
		return err
	}
	defer t.buf.Unfix(leaf)
	pg := page.Wrap(leaf.Bytes())
	slot, found := pg.SearchLeaf(key)
	if !found || pg.IsGhost(slot) {
		return rc.New(rc.NotFound, "update")
	}
	if !pg.ReplaceItemData(slot, value) {
		return rc.New(rc.RecordTooLarge, "update: no room for the new value")
	}
	t.buf.SetDirty(leaf)
	return nil
}

// Overwrite replaces len(buf) bytes of an existing value starting at
// offset, leaving the rest of the value untouched.
func (t *Tree) Overwrite(root lsn.PageID, key []byte, buf []byte, offset int) error {
	leaf, err := t.descend(root, key, true)
	if err != nil {
		return err
	}
	defer t.buf.Unfix(leaf)
	pg := page.Wrap(leaf.Bytes())
	slot, found := pg.SearchLeaf(key)
	if !found || pg.IsGhost(slot) {
		return rc.New(rc.NotFound, "overwrite")
	}
	value := pg.ValueAt(slot)
	if offset < 0 || offset+len(buf) > len(value) {
		return rc.New(rc.KeyOutOfRange, "overwrite: past end of value")
	}
	newValue := append([]byte(nil), value...)
	copy(newValue[offset:], buf)
	if !pg.ReplaceItemData(slot, newValue) {
		return rc.New(rc.Fatal, "overwrite: no room to rewrite the value")
	}
	t.buf.SetDirty(leaf)
	return nil
}

// Remove logically deletes key by marking its slot a ghost; the bytes
// stay physically present, and DefragPage keeps ghost items as well.
func (t *Tree) Remove(root lsn.PageID, key []byte) error {
	leaf, err := t.descend(root, key, true)
	if err != nil {
		return err
	}
	defer t.buf.Unfix(leaf)
	pg := page.Wrap(leaf.Bytes())
	slot, found := pg.SearchLeaf(key)
	if !found || pg.IsGhost(slot) {
		return rc.New(rc.NotFound, "remove")
	}
	return withSysXct(t.logger, func(h *xct.Handle) error {
		pg.MarkGhost(slot)
		t.buf.SetDirty(leaf)
		h.Log(logrec.GhostMark, leaf.PageID().Page, 0, lsn.Null, lsn.Null, key)
		return nil
	})
}

// DefragPage compacts a single page, reclaiming fragmented space; ghost
// items stay on the page.
func (t *Tree) DefragPage(pid lsn.PageID) error {
	fr, err := t.buf.Fix(pid, bufmgr.SH)
	if err != nil {
		return err
	}
	if !t.buf.UpgradeLatchConditional(fr) {
		t.buf.Unfix(fr)
		fr, err = t.buf.Fix(pid, bufmgr.EX)
		if err != nil {
			return err
		}
	}
	defer t.buf.Unfix(fr)
	page.Wrap(fr.Bytes()).Compact()
	t.buf.SetDirty(fr)

	// Compacting can reveal that pid's foster child is now sparse enough
	// to fold back in, or that the split between them has become
	// lopsided; both are maintenance moves the same background pass that
	// drives defrag is the natural place to also drive.
	merged, err := t.mergeFoster(fr)
	if err != nil {
		return err
	}
	if !merged {
		if err := t.rebalanceFoster(fr); err != nil {
			return err
		}
	}
	return nil
}

// UndoRemove reverses a Remove by clearing its ghost mark; remove never
// erases bytes, so no value needs to be supplied.
func (t *Tree) UndoRemove(root lsn.PageID, key []byte) error {
	return t.undoUnghost(root, key)
}

// UndoGhostMark reverses a physiological ghost-mark log record
// directly; identical in effect to UndoRemove, kept as a separate entry
// point because the two are logged distinctly.
func (t *Tree) UndoGhostMark(root lsn.PageID, key []byte) error {
	return t.undoUnghost(root, key)
}

func (t *Tree) undoUnghost(root lsn.PageID, key []byte) error {
	leaf, err := t.descend(root, key, true)
	if err != nil {
		return err
	}
	defer t.buf.Unfix(leaf)
	pg := page.Wrap(leaf.Bytes())
	slot, found := pg.SearchLeaf(key)
	if !found {
		return rc.New(rc.Fatal, "undo remove: item not found")
	}
	pg.UnmarkGhost(slot)
	t.buf.SetDirty(leaf)
	return nil
}

// UndoUpdate restores the value a committed Update replaced.
func (t *Tree) UndoUpdate(root lsn.PageID, key, oldValue []byte) error {
	return t.Update(root, key, oldValue)
}

// UndoOverwrite restores the bytes a committed Overwrite replaced.
func (t *Tree) UndoOverwrite(root lsn.PageID, key []byte, oldBytes []byte, offset int) error {
	return t.Overwrite(root, key, oldBytes, offset)
}
