package btree

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/lslersch/zero/pkg/bufmgr"
	"github.com/lslersch/zero/pkg/logrec"
	"github.com/lslersch/zero/pkg/lsn"
	"github.com/lslersch/zero/pkg/xct"
)

func openTestTree(t *testing.T) (*Tree, lsn.PageID) {
	t.Helper()
	tr, root, _ := openTestTreeWithLogger(t)
	return tr, root
}

func openTestTreeWithLogger(t *testing.T) (*Tree, lsn.PageID, *xct.MemLogger) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	buf, err := bufmgr.Open(path, lsn.VolumeID(1))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { buf.Close() })
	store := lsn.StoreID{Volume: 1, Store: 1}
	ml := xct.NewMemLogger()
	tr := Open(buf, store, ml)
	root, err := tr.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return tr, root, ml
}

func TestInsertLookup(t *testing.T) {
	tr, root := openTestTree(t)
	want := map[string]string{
		"apple":  "red",
		"banana": "yellow",
		"cherry": "dark red",
	}
	for k, v := range want {
		if err := tr.Insert(root, []byte(k), []byte(v)); err != nil {
			t.Fatalf("Insert(%q): %v", k, err)
		}
	}
	for k, v := range want {
		got, found, err := tr.Lookup(root, []byte(k))
		if err != nil {
			t.Fatalf("Lookup(%q): %v", k, err)
		}
		if !found || string(got) != v {
			t.Fatalf("Lookup(%q) = %q, %v; want %q, true", k, got, found, v)
		}
	}
	if _, found, err := tr.Lookup(root, []byte("durian")); err != nil || found {
		t.Fatalf("Lookup(missing) = found=%v, err=%v", found, err)
	}
}

func TestInsertDuplicateFails(t *testing.T) {
	tr, root := openTestTree(t)
	if err := tr.Insert(root, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.Insert(root, []byte("k"), []byte("v2")); err == nil {
		t.Fatalf("expected duplicate insert to fail")
	}
}

func TestRemoveThenReinsertReclaimsGhost(t *testing.T) {
	tr, root := openTestTree(t)
	key := []byte("k")
	if err := tr.Insert(root, key, []byte("v1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.Remove(root, key); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, found, err := tr.Lookup(root, key); err != nil || found {
		t.Fatalf("ghosted key should not be found, found=%v err=%v", found, err)
	}
	if err := tr.Insert(root, key, []byte("v2")); err != nil {
		t.Fatalf("reinsert after remove: %v", err)
	}
	got, found, err := tr.Lookup(root, key)
	if err != nil || !found || string(got) != "v2" {
		t.Fatalf("Lookup after reclaim = %q, %v, %v; want v2, true, nil", got, found, err)
	}
}

func TestUpdateAndOverwrite(t *testing.T) {
	tr, root := openTestTree(t)
	key := []byte("k")
	if err := tr.Insert(root, key, []byte("0123456789")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.Update(root, key, []byte("abcdefghij")); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := tr.Overwrite(root, key, []byte("XYZ"), 3); err != nil {
		t.Fatalf("Overwrite: %v", err)
	}
	got, found, err := tr.Lookup(root, key)
	if err != nil || !found || string(got) != "abcXYZghij" {
		t.Fatalf("Lookup = %q, %v, %v; want abcXYZghij, true, nil", got, found, err)
	}
	if err := tr.Update(root, []byte("missing"), []byte("x")); err == nil {
		t.Fatalf("expected update of missing key to fail")
	}
}

func TestManyInsertsSplitAndVerify(t *testing.T) {
	tr, root := openTestTree(t)
	const n = 3000
	value := bytes.Repeat([]byte("v"), 64)
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key-%06d", i))
		if err := tr.Insert(root, k, value); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	if err := tr.VerifyTree(root); err != nil {
		t.Fatalf("VerifyTree: %v", err)
	}
	for i := 0; i < n; i += 97 {
		k := []byte(fmt.Sprintf("key-%06d", i))
		got, found, err := tr.Lookup(root, k)
		if err != nil || !found || !bytes.Equal(got, value) {
			t.Fatalf("Lookup(%d) = %v, %v, %v", i, got, found, err)
		}
	}
}

func TestCursorScansInOrder(t *testing.T) {
	tr, root := openTestTree(t)
	const n = 500
	value := bytes.Repeat([]byte("v"), 32)
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key-%06d", i))
		if err := tr.Insert(root, k, value); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	c, err := tr.CursorAtStart(root)
	if err != nil {
		t.Fatalf("CursorAtStart: %v", err)
	}
	defer c.Close()

	var got []string
	for c.Valid() {
		got = append(got, string(c.Key()))
		if err := c.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	if len(got) != n {
		t.Fatalf("scanned %d entries, want %d", len(got), n)
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] >= got[i] {
			t.Fatalf("scan out of order at %d: %q >= %q", i, got[i-1], got[i])
		}
	}
}

func TestCursorAtSeeksMidway(t *testing.T) {
	tr, root := openTestTree(t)
	const n = 300
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key-%06d", i))
		if err := tr.Insert(root, k, []byte("v")); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	seekKey := []byte(fmt.Sprintf("key-%06d", 150))
	c, err := tr.CursorAt(root, seekKey)
	if err != nil {
		t.Fatalf("CursorAt: %v", err)
	}
	defer c.Close()
	if !c.Valid() || string(c.Key()) != string(seekKey) {
		t.Fatalf("CursorAt landed on %q, want %q", c.Key(), seekKey)
	}
}

func TestRemoveIsInvisibleToCursor(t *testing.T) {
	tr, root := openTestTree(t)
	keys := []string{"a", "b", "c", "d"}
	for _, k := range keys {
		if err := tr.Insert(root, []byte(k), []byte("v")); err != nil {
			t.Fatalf("Insert(%q): %v", k, err)
		}
	}
	if err := tr.Remove(root, []byte("b")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	c, err := tr.CursorAtStart(root)
	if err != nil {
		t.Fatalf("CursorAtStart: %v", err)
	}
	defer c.Close()
	var got []string
	for c.Valid() {
		got = append(got, string(c.Key()))
		if err := c.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	want := []string{"a", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestUndoRemoveAndUndoGhostMark(t *testing.T) {
	tr, root := openTestTree(t)
	key := []byte("k")
	if err := tr.Insert(root, key, []byte("v")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.Remove(root, key); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := tr.UndoRemove(root, key); err != nil {
		t.Fatalf("UndoRemove: %v", err)
	}
	if _, found, err := tr.Lookup(root, key); err != nil || !found {
		t.Fatalf("UndoRemove should revive key, found=%v err=%v", found, err)
	}
	if err := tr.Remove(root, key); err != nil {
		t.Fatalf("Remove again: %v", err)
	}
	if err := tr.UndoGhostMark(root, key); err != nil {
		t.Fatalf("UndoGhostMark: %v", err)
	}
	if _, found, err := tr.Lookup(root, key); err != nil || !found {
		t.Fatalf("UndoGhostMark should revive key, found=%v err=%v", found, err)
	}
}

func TestUndoUpdateAndOverwrite(t *testing.T) {
	tr, root := openTestTree(t)
	key := []byte("k")
	if err := tr.Insert(root, key, []byte("0123456789")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.Update(root, key, []byte("abcdefghij")); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := tr.UndoUpdate(root, key, []byte("0123456789")); err != nil {
		t.Fatalf("UndoUpdate: %v", err)
	}
	got, _, _ := tr.Lookup(root, key)
	if string(got) != "0123456789" {
		t.Fatalf("UndoUpdate left %q, want 0123456789", got)
	}
	if err := tr.Overwrite(root, key, []byte("XYZ"), 3); err != nil {
		t.Fatalf("Overwrite: %v", err)
	}
	if err := tr.UndoOverwrite(root, key, []byte("345"), 3); err != nil {
		t.Fatalf("UndoOverwrite: %v", err)
	}
	got, _, _ = tr.Lookup(root, key)
	if string(got) != "0123456789" {
		t.Fatalf("UndoOverwrite left %q, want 0123456789", got)
	}
}

func TestRecordTooLargeRejected(t *testing.T) {
	tr, root := openTestTree(t)
	big := bytes.Repeat([]byte("x"), MaxEntrySize+1)
	if err := tr.Insert(root, []byte("k"), big); err == nil {
		t.Fatalf("expected oversized insert to fail")
	}
}

func TestDefragPagePreservesEntries(t *testing.T) {
	tr, root := openTestTree(t)
	keys := []string{"a", "b", "c", "d", "e"}
	for _, k := range keys {
		if err := tr.Insert(root, []byte(k), []byte("v")); err != nil {
			t.Fatalf("Insert(%q): %v", k, err)
		}
	}
	if err := tr.Remove(root, []byte("b")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := tr.DefragPage(root); err != nil {
		t.Fatalf("DefragPage: %v", err)
	}
	for _, k := range []string{"a", "c", "d", "e"} {
		if _, found, err := tr.Lookup(root, []byte(k)); err != nil || !found {
			t.Fatalf("Lookup(%q) after defrag: found=%v err=%v", k, found, err)
		}
	}
	if _, found, _ := tr.Lookup(root, []byte("b")); found {
		t.Fatalf("defrag should not resurrect a removed key")
	}
}

func TestHintTableIncrGetClear(t *testing.T) {
	h := newFosterChildrenHints()
	pid := lsn.PageID{Volume: 1, Store: 1, Page: 42}
	if got := h.Get(pid); got != 0 {
		t.Fatalf("fresh counter = %d, want 0", got)
	}
	h.Incr(pid)
	h.Incr(pid)
	if got := h.Get(pid); got != 2 {
		t.Fatalf("counter after two Incr = %d, want 2", got)
	}
	h.Clear(pid)
	if got := h.Get(pid); got != 0 {
		t.Fatalf("counter after Clear = %d, want 0", got)
	}
}

func hasLogType(ml *xct.MemLogger, want logrec.Type) bool {
	for _, r := range ml.Records {
		if r.TypeTag == want {
			return true
		}
	}
	return false
}

func TestInsertLogsGhostReserve(t *testing.T) {
	tr, root, ml := openTestTreeWithLogger(t)
	if err := tr.Insert(root, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if !hasLogType(ml, logrec.GhostReserve) {
		t.Fatalf("expected a ghost_reserve record, got %+v", ml.Records)
	}
}

func TestReinsertAfterRemoveLogsGhostReclaim(t *testing.T) {
	tr, root, ml := openTestTreeWithLogger(t)
	key := []byte("k")
	if err := tr.Insert(root, key, []byte("v1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.Remove(root, key); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := tr.Insert(root, key, []byte("v2")); err != nil {
		t.Fatalf("reinsert: %v", err)
	}
	if !hasLogType(ml, logrec.GhostReclaim) {
		t.Fatalf("expected a ghost_reclaim record, got %+v", ml.Records)
	}
}

func TestRemoveLogsGhostMark(t *testing.T) {
	tr, root, ml := openTestTreeWithLogger(t)
	key := []byte("k")
	if err := tr.Insert(root, key, []byte("v")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.Remove(root, key); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !hasLogType(ml, logrec.GhostMark) {
		t.Fatalf("expected a ghost_mark record, got %+v", ml.Records)
	}
}

func TestManyInsertsLogSplitsAndGrow(t *testing.T) {
	tr, root, ml := openTestTreeWithLogger(t)
	const n = 3000
	value := bytes.Repeat([]byte("v"), 64)
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key-%06d", i))
		if err := tr.Insert(root, k, value); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	if !hasLogType(ml, logrec.FosterSplit) && !hasLogType(ml, logrec.NorecordSplit) {
		t.Fatalf("expected at least one split record after %d inserts", n)
	}
	if !hasLogType(ml, logrec.GrowTree) {
		t.Fatalf("expected at least one grow_tree record after %d inserts", n)
	}
}

func TestDefragPageAfterRemovesKeepsTreeValid(t *testing.T) {
	tr, root, _ := openTestTreeWithLogger(t)
	const n = 200
	value := bytes.Repeat([]byte("v"), 64)
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key-%06d", i))
		if err := tr.Insert(root, k, value); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	// Remove every other key, then defrag the root and check the tree
	// still verifies. The root is grown rather than split, so it carries
	// no foster child and DefragPage's merge/rebalance step finds
	// nothing to do here.
	for i := 0; i < n; i += 2 {
		k := []byte(fmt.Sprintf("key-%06d", i))
		if err := tr.Remove(root, k); err != nil {
			t.Fatalf("Remove(%d): %v", i, err)
		}
	}
	if err := tr.DefragPage(root); err != nil {
		t.Fatalf("DefragPage: %v", err)
	}
	if err := tr.VerifyTree(root); err != nil {
		t.Fatalf("VerifyTree: %v", err)
	}
}

func TestAdoptFosterAllLogsAdoptRecords(t *testing.T) {
	tr, root, ml := openTestTreeWithLogger(t)
	const n = 3000
	value := bytes.Repeat([]byte("v"), 64)
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key-%06d", i))
		if err := tr.Insert(root, k, value); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	if err := tr.AdoptFosterAll(root, root, true); err != nil {
		t.Fatalf("AdoptFosterAll: %v", err)
	}
	if !hasLogType(ml, logrec.FosterAdoptParent) || !hasLogType(ml, logrec.FosterAdoptChild) {
		t.Fatalf("expected foster_adopt_parent and foster_adopt_child records, got %+v", ml.Records)
	}
}

func TestDeAdoptSparseChildrenLogsDeadopt(t *testing.T) {
	tr, root, _ := openTestTreeWithLogger(t)
	const n = 3000
	value := bytes.Repeat([]byte("v"), 64)
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key-%06d", i))
		if err := tr.Insert(root, k, value); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	if err := tr.AdoptFosterAll(root, root, true); err != nil {
		t.Fatalf("AdoptFosterAll: %v", err)
	}
	for i := 0; i < n; i += 2 {
		k := []byte(fmt.Sprintf("key-%06d", i))
		if err := tr.Remove(root, k); err != nil {
			t.Fatalf("Remove(%d): %v", i, err)
		}
	}
	if err := tr.DeAdoptSparseChildren(root, true); err != nil {
		t.Fatalf("DeAdoptSparseChildren: %v", err)
	}
	if err := tr.VerifyTree(root); err != nil {
		t.Fatalf("VerifyTree: %v", err)
	}
	// A de-adopt only fires when a sparse child's left sibling has no
	// foster of its own yet, which depends on page packing; not asserted
	// directly here, only that the sweep leaves the tree consistent.
}

func TestVerifyTreeDetectsCycle(t *testing.T) {
	v := newVerifier()
	pid := lsn.PageID{Volume: 1, Store: 1, Page: 7}
	if !v.visit(pid) {
		t.Fatalf("first visit should succeed")
	}
	if v.visit(pid) {
		t.Fatalf("second visit of the same page should be rejected as a cycle")
	}
}
