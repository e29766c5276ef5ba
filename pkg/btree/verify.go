package btree

import (
	"bytes"

	"github.com/bits-and-blooms/bitset"

	"github.com/lslersch/zero/pkg/bufmgr"
	"github.com/lslersch/zero/pkg/lsn"
	"github.com/lslersch/zero/pkg/page"
	"github.com/lslersch/zero/pkg/rc"
)

// verifier tracks pages already visited during one VerifyTree walk, so
// a cyclic page graph is caught as a failure instead of an infinite
// descent. Page numbers are allocated sequentially within a store and
// a single VerifyTree call only ever walks pages belonging to the
// store its root lives in, so a bitset keyed by page number is a cheap
// dense visited-set; Set grows the underlying bitset as needed.
type verifier struct {
	seen *bitset.BitSet
}

func newVerifier() *verifier {
	return &verifier{seen: bitset.New(1024)}
}

// visit marks pid seen, returning false if it was already visited.
func (v *verifier) visit(pid lsn.PageID) bool {
	i := uint(pid.Page)
	if v.seen.Test(i) {
		return false
	}
	v.seen.Set(i)
	return true
}

// VerifyTree walks every page reachable from root and checks fence
// containment, key order, and foster fence/level continuity. A
// bit-filter audit of visited page numbers catches a cyclic page graph
// before it causes an infinite descent.
func (t *Tree) VerifyTree(root lsn.PageID) error {
	v := newVerifier()
	return t.verifyPage(root, v)
}

func (t *Tree) verifyPage(pid lsn.PageID, v *verifier) error {
	if !v.visit(pid) {
		return rc.New(rc.Fatal, "verify_tree: page visited twice, cycle in page graph")
	}
	fr, err := t.buf.Fix(pid, bufmgr.SH)
	if err != nil {
		return err
	}
	defer t.buf.Unfix(fr)
	pg := page.Wrap(fr.Bytes())

	n := pg.NItems()
	for i := 1; i < n; i++ {
		k := pg.KeyAt(i)
		if !pg.ContainsKey(k) {
			return rc.New(rc.Fatal, "verify_tree: key outside page fences")
		}
		if i > 1 && bytes.Compare(pg.KeyAt(i-1), k) >= 0 {
			return rc.New(rc.Fatal, "verify_tree: keys out of order")
		}
	}

	if pg.Foster() != 0 {
		fpid := t.pid(pg.Foster())
		ffr, err := t.buf.Fix(fpid, bufmgr.SH)
		if err != nil {
			return err
		}
		fpg := page.Wrap(ffr.Bytes())
		ok := bytes.Equal(pg.FenceHigh(), fpg.FenceLow()) && fpg.Level() == pg.Level()
		t.buf.Unfix(ffr)
		if !ok {
			return rc.New(rc.Fatal, "verify_tree: foster fence/level mismatch")
		}
		if err := t.verifyPage(fpid, v); err != nil {
			return err
		}
	}

	if pg.IsLeaf() {
		return nil
	}
	if err := t.verifyPage(t.pid(pg.PID0()), v); err != nil {
		return err
	}
	for i := 1; i < n; i++ {
		if err := t.verifyPage(t.pid(pg.ChildAt(i)), v); err != nil {
			return err
		}
	}
	return nil
}
