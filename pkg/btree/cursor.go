package btree

import (
	"github.com/lslersch/zero/pkg/bufmgr"
	"github.com/lslersch/zero/pkg/lsn"
	"github.com/lslersch/zero/pkg/page"
)

// Cursor iterates a tree's leaves in key order, crossing foster
// boundaries transparently, re-descending through the b-link structure
// on each leaf-to-leaf step instead of following a stored
// right-sibling page number, since a leaf's true successor may briefly
// be reached only through a foster pointer the owning parent hasn't
// adopted yet.
type Cursor struct {
	t     *Tree
	root  lsn.PageID
	frame *bufmgr.Frame
	pg    *page.Page
	slot  int
	done  bool
}

// CursorAtStart returns a cursor positioned at the tree's first live
// (non-ghost) entry.
func (t *Tree) CursorAtStart(root lsn.PageID) (*Cursor, error) {
	fr, err := t.buf.Fix(root, bufmgr.SH)
	if err != nil {
		return nil, err
	}
	for {
		pg := page.Wrap(fr.Bytes())
		if pg.IsLeaf() {
			break
		}
		child := t.pid(pg.PID0())
		nfr, err := t.buf.Fix(child, bufmgr.SH)
		t.buf.Unfix(fr)
		if err != nil {
			return nil, err
		}
		fr = nfr
	}
	c := &Cursor{t: t, root: root, frame: fr, pg: page.Wrap(fr.Bytes()), slot: 1}
	if err := c.skipGhostsForward(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// CursorAt returns a cursor positioned at key, or at the first entry
// after where key would be if it is absent.
func (t *Tree) CursorAt(root lsn.PageID, key []byte) (*Cursor, error) {
	leaf, err := t.descend(root, key, false)
	if err != nil {
		return nil, err
	}
	pg := page.Wrap(leaf.Bytes())
	slot, _ := pg.SearchLeaf(key)
	c := &Cursor{t: t, root: root, frame: leaf, pg: pg, slot: slot}
	if err := c.skipGhostsForward(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Valid reports whether the cursor is positioned at a live entry.
func (c *Cursor) Valid() bool { return !c.done }

// Key returns the entry's key. Valid must be true.
func (c *Cursor) Key() []byte {
	k := c.pg.KeyAt(c.slot)
	out := make([]byte, len(k))
	copy(out, k)
	return out
}

// Value returns the entry's value. Valid must be true.
func (c *Cursor) Value() []byte {
	v := c.pg.ValueAt(c.slot)
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

// Next advances the cursor to the next live entry, crossing leaf
// boundaries (and, transparently, any live foster chain) as needed.
func (c *Cursor) Next() error {
	if c.done {
		return nil
	}
	c.slot++
	return c.skipGhostsForward()
}

// Close releases the cursor's latch. Safe to call once, required
// before the cursor is discarded.
func (c *Cursor) Close() {
	if c.frame != nil {
		c.t.buf.Unfix(c.frame)
		c.frame = nil
	}
}

func (c *Cursor) skipGhostsForward() error {
	for {
		for c.slot < c.pg.NItems() && c.pg.IsGhost(c.slot) {
			c.slot++
		}
		if c.slot < c.pg.NItems() {
			return nil
		}
		ok, err := c.advanceLeaf()
		if err != nil {
			return err
		}
		if !ok {
			c.done = true
			return nil
		}
	}
}

// advanceLeaf moves the cursor to the leaf immediately to the right of
// the current one, found by re-descending from root keyed on this
// leaf's own fence_high — the same "move right" step traversal uses to
// follow a foster pointer, so it works whether or not an opportunistic
// adopt has collapsed the chain yet.
func (c *Cursor) advanceLeaf() (bool, error) {
	if c.pg.IsRightmost() {
		return false, nil
	}
	highKey := append([]byte(nil), c.pg.FenceHigh()...)
	next, err := c.t.descend(c.root, highKey, false)
	if err != nil {
		return false, err
	}
	c.t.buf.Unfix(c.frame)
	c.frame = next
	c.pg = page.Wrap(next.Bytes())
	c.slot = 1
	return true, nil
}
