package page

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// slot head: {offset int16, poorKey uint16}. A negative offset marks a
// ghost record.
func (p *Page) slotHeadOffset(slot int) int { return headerSize + slot*slotHeadSize }

func (p *Page) rawOffset(slot int) int16 {
	o := p.slotHeadOffset(slot)
	return int16(binary.LittleEndian.Uint16(p.data[o:]))
}

func (p *Page) setRawOffset(slot int, v int16) {
	o := p.slotHeadOffset(slot)
	binary.LittleEndian.PutUint16(p.data[o:], uint16(v))
}

func (p *Page) poorKey(slot int) uint16 {
	o := p.slotHeadOffset(slot) + 2
	return binary.LittleEndian.Uint16(p.data[o:])
}

func (p *Page) setPoorKey(slot int, v uint16) {
	o := p.slotHeadOffset(slot) + 2
	binary.LittleEndian.PutUint16(p.data[o:], v)
}

// IsGhost reports whether the item at slot is logically deleted but
// still physically present.
func (p *Page) IsGhost(slot int) bool { return p.rawOffset(slot) < 0 }

func (p *Page) bodyOffset(slot int) int {
	o := p.rawOffset(slot)
	if o < 0 {
		o = -o
	}
	return int(o)
}

// poorManKey computes the "poor man's normalized key" stored in a slot
// head: the first two bytes of the (prefix-stripped) key, zero-padded
// and read big-endian so that ordering by poorKey agrees with ordering
// by the full key. Used to skip full key comparisons during search;
// ties (equal poor keys) always fall back to a full byte comparison.
func poorManKey(strippedKey []byte) uint16 {
	var b [2]byte
	copy(b[:], strippedKey)
	return binary.BigEndian.Uint16(b[:])
}

// --- fences (slot 0) ---

// SetFences reformats slot 0 with a new fence triple and recomputes
// prefix_len. Used directly by InitLeaf/InitInterior and again whenever
// a split or adopt changes a page's boundary keys.
func (p *Page) SetFences(low, high, chainHigh []byte) {
	prefixLen := commonPrefixLen(low, high)
	p.setI16(offFenceLow, int16(len(low)))
	p.setI16(offFenceHigh, int16(len(high)))
	p.setI16(offChainHigh, int16(len(chainHigh)))
	p.setI16(offPrefix, int16(prefixLen))

	highNoPrefix := high[prefixLen:]
	body := make([]byte, 0, 2+2+2+len(low)+len(highNoPrefix)+len(chainHigh))
	body = appendU16(body, uint16(len(low)))
	body = appendU16(body, uint16(len(highNoPrefix)))
	body = appendU16(body, uint16(len(chainHigh)))
	body = append(body, low...)
	body = append(body, highNoPrefix...)
	body = append(body, chainHigh...)

	if p.NItems() == 0 {
		p.setNItems(1)
	}
	off := p.allocItem(len(body))
	copy(p.data[off:], body)
	p.setRawOffset(0, int16(off))
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func (p *Page) fenceBody() (low, highNoPrefix, chainHigh []byte) {
	off := p.bodyOffset(0)
	lowLen := binary.LittleEndian.Uint16(p.data[off:])
	highLen := binary.LittleEndian.Uint16(p.data[off+2:])
	chainLen := binary.LittleEndian.Uint16(p.data[off+4:])
	pos := off + 6
	low = p.data[pos : pos+int(lowLen)]
	pos += int(lowLen)
	highNoPrefix = p.data[pos : pos+int(highLen)]
	pos += int(highLen)
	chainHigh = p.data[pos : pos+int(chainLen)]
	return
}

// FenceLow returns the page's low fence key (inclusive lower bound).
func (p *Page) FenceLow() []byte {
	low, _, _ := p.fenceBody()
	return low
}

// FenceHigh returns the page's high fence key (exclusive upper bound),
// reconstructed from the stored prefix and the prefix-stripped high
// fence.
func (p *Page) FenceHigh() []byte {
	low, highNoPrefix, _ := p.fenceBody()
	prefix := low[:p.PrefixLen()]
	out := make([]byte, 0, len(prefix)+len(highNoPrefix))
	out = append(out, prefix...)
	out = append(out, highNoPrefix...)
	return out
}

// ChainFenceHigh returns the high fence of the rightmost page in this
// page's foster chain, or nil if this page is not mid-chain.
func (p *Page) ChainFenceHigh() []byte {
	_, _, chainHigh := p.fenceBody()
	if len(chainHigh) == 0 {
		return nil
	}
	return chainHigh
}

func (p *Page) prefix() []byte {
	return p.FenceLow()[:p.PrefixLen()]
}

func (p *Page) stripPrefix(key []byte) []byte {
	pl := int(p.PrefixLen())
	if pl == 0 {
		return key
	}
	return key[pl:]
}

func (p *Page) expandKey(stripped []byte) []byte {
	pl := int(p.PrefixLen())
	if pl == 0 {
		return stripped
	}
	out := make([]byte, 0, pl+len(stripped))
	out = append(out, p.prefix()...)
	out = append(out, stripped...)
	return out
}

// --- allocation ---

func appendU16(b []byte, v uint16) []byte {
	return append(b, byte(v), byte(v>>8))
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func readU16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func readU64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }

// --- leaf items: [keyLen u16][key][value], body length tracked by allocItem ---

func leafBody(strippedKey, value []byte) []byte {
	body := make([]byte, 0, 4+len(strippedKey)+len(value))
	body = appendU16(body, uint16(len(strippedKey)))
	body = append(body, strippedKey...)
	body = append(body, value...)
	return body
}

func (p *Page) leafKeyValue(slot int) (key, value []byte) {
	off := p.bodyOffset(slot)
	klen := readU16(p.data[off:])
	pos := off + 2
	stripped := p.data[pos : pos+int(klen)]
	pos += int(klen)
	vlen := p.storedBodyLen(slot) - 2 - int(klen)
	val := p.data[pos : pos+vlen]
	return p.expandKey(stripped), val
}

// storedBodyLen returns the exact, unaligned body length tag written by
// allocItem just before the body.
func (p *Page) storedBodyLen(slot int) int {
	off := p.bodyOffset(slot)
	return int(readU16(p.data[off-2:]))
}

// --- interior items: [childPID u64][keyLen u16][key] ---

func interiorBody(childPID uint64, strippedKey []byte) []byte {
	body := make([]byte, 0, 10+len(strippedKey))
	body = appendU64(body, childPID)
	body = appendU16(body, uint16(len(strippedKey)))
	body = append(body, strippedKey...)
	return body
}

func (p *Page) interiorChildKey(slot int) (childPID uint64, key []byte) {
	off := p.bodyOffset(slot)
	childPID = readU64(p.data[off:])
	klen := readU16(p.data[off+8:])
	stripped := p.data[off+10 : off+10+int(klen)]
	return childPID, p.expandKey(stripped)
}

// --- insert/delete/replace ---

// allocItem reserves space for an item body, writing a 2-byte "body
// length" tag immediately before the body (so later reads can recover
// the exact, unaligned body length without mistaking alignment padding
// for trailing value bytes — this sidesteps needing an explicit free
// list during compact).
func (p *Page) allocItem(bodyLen int) int {
	total := 2 + bodyLen
	n := align8(total)
	newFree := p.bodyFree() - n
	p.setBodyFree(newFree)
	binary.LittleEndian.PutUint16(p.data[newFree:], uint16(bodyLen))
	return newFree + 2
}

func (p *Page) shiftSlotsRight(from int) {
	n := p.NItems()
	for i := n; i > from; i-- {
		src := p.slotHeadOffset(i - 1)
		dst := p.slotHeadOffset(i)
		copy(p.data[dst:dst+slotHeadSize], p.data[src:src+slotHeadSize])
	}
}

func (p *Page) shiftSlotsLeft(from int) {
	n := p.NItems()
	for i := from; i < n-1; i++ {
		src := p.slotHeadOffset(i + 1)
		dst := p.slotHeadOffset(i)
		copy(p.data[dst:dst+slotHeadSize], p.data[src:src+slotHeadSize])
	}
}

// InsertLeafItem inserts a (key, value) pair at the given slot index
// (1 <= slot <= NItems, slot 0 is reserved for the fence triple).
// Returns false if there is not enough usable space; the caller should
// trigger a split.
func (p *Page) InsertLeafItem(slot int, key, value []byte, ghost bool) bool {
	stripped := p.stripPrefix(key)
	body := leafBody(stripped, value)
	need := slotHeadSize + align8(2+len(body))
	if p.UsableSpace() < need {
		return false
	}
	off := p.allocItem(len(body))
	copy(p.data[off:], body)
	p.insertSlotAt(slot, off, ghost, poorManKey(stripped))
	return true
}

// InsertInteriorItem inserts a (childPID, separator-key) pair at slot.
func (p *Page) InsertInteriorItem(slot int, childPID uint64, key []byte) bool {
	stripped := p.stripPrefix(key)
	body := interiorBody(childPID, stripped)
	need := slotHeadSize + align8(2+len(body))
	if p.UsableSpace() < need {
		return false
	}
	off := p.allocItem(len(body))
	copy(p.data[off:], body)
	p.insertSlotAt(slot, off, false, poorManKey(stripped))
	return true
}

func (p *Page) insertSlotAt(slot int, bodyOffset int, ghost bool, poor uint16) {
	p.shiftSlotsRight(slot)
	p.setNItems(p.NItems() + 1)
	signed := int16(bodyOffset)
	if ghost {
		signed = -signed
	}
	p.setRawOffset(slot, signed)
	p.setPoorKey(slot, poor)
}

// TruncateFrom removes every item at or after slot, highest index
// first so earlier slot numbers stay valid during the loop. Used when
// a page's tail has just been copied into a new foster sibling.
func (p *Page) TruncateFrom(slot int) {
	for i := p.NItems() - 1; i >= slot; i-- {
		p.DeleteItem(i)
	}
}

// DeleteItem physically removes the item at slot (used by compact, and
// by callers that already know key-range locking is not needed).
func (p *Page) DeleteItem(slot int) {
	if p.IsGhost(slot) {
		p.setNGhosts(p.NGhosts() - 1)
	}
	p.shiftSlotsLeft(slot)
	p.setNItems(p.NItems() - 1)
}

// MarkGhost marks the item at slot as logically deleted without moving
// any bytes.
func (p *Page) MarkGhost(slot int) {
	if p.IsGhost(slot) {
		return
	}
	p.setRawOffset(slot, -p.rawOffset(slot))
	p.setNGhosts(p.NGhosts() + 1)
}

// UnmarkGhost clears the ghost mark, reviving the item in place.
func (p *Page) UnmarkGhost(slot int) {
	if !p.IsGhost(slot) {
		return
	}
	p.setRawOffset(slot, -p.rawOffset(slot))
	p.setNGhosts(p.NGhosts() - 1)
}

// ReplaceItemData overwrites a leaf item's value in place, growing or
// shrinking its allocation as needed by reinserting the item's body.
// Returns false if the page has no free room for a fresh copy of the
// item's body (the old body is not reused), leaving the item untouched.
func (p *Page) ReplaceItemData(slot int, newValue []byte) bool {
	key, _ := p.leafKeyValue(slot)
	wasGhost := p.IsGhost(slot)
	stripped := p.stripPrefix(key)
	newBody := leafBody(stripped, newValue)
	newSize := align8(2 + len(newBody))
	if p.UsableSpace() < newSize {
		return false
	}
	p.DeleteItem(slot)
	return p.InsertLeafItem(slot, key, newValue, wasGhost)
}

// ResizeItem changes a leaf item's stored value length, zero-filling any
// growth, keeping `keepOld` bytes of the previous value.
func (p *Page) ResizeItem(slot int, newLen int, keepOld int) bool {
	_, value := p.leafKeyValue(slot)
	buf := make([]byte, newLen)
	n := keepOld
	if n > len(value) {
		n = len(value)
	}
	if n > newLen {
		n = newLen
	}
	copy(buf, value[:n])
	return p.ReplaceItemData(slot, buf)
}

// --- search ---

// SearchLeaf returns the slot whose key equals the search key, or the
// slot at which it would be inserted (found=false).
func (p *Page) SearchLeaf(key []byte) (slot int, found bool) {
	n := p.NItems()
	stripped := p.stripPrefix(key)
	pk := poorManKey(stripped)
	idx := sort.Search(n-1, func(i int) bool {
		s := i + 1
		if p.poorKey(s) != pk {
			return p.poorKey(s) >= pk
		}
		k, _ := p.leafKeyValue(s)
		return bytes.Compare(k, key) >= 0
	})
	slot = idx + 1
	if slot < n {
		k, _ := p.leafKeyValue(slot)
		if bytes.Equal(k, key) {
			return slot, true
		}
	}
	return slot, false
}

// SearchNode returns the slot whose separator is the greatest <= key,
// i.e. the child pointer to follow for key.
func (p *Page) SearchNode(key []byte) int {
	n := p.NItems()
	idx := sort.Search(n-1, func(i int) bool {
		s := i + 1
		_, k := p.interiorChildKey(s)
		return bytes.Compare(k, key) > 0
	})
	return idx // number of separators <= key; 0 means follow PID0
}

// ChildAt returns the child pointer for a SearchNode result: PID0 when
// idx==0, else the child pointer stored at slot idx.
func (p *Page) ChildAt(idx int) uint64 {
	if idx == 0 {
		return p.PID0()
	}
	child, _ := p.interiorChildKey(idx)
	return child
}

// KeyAt returns the (expanded) separator key stored at slot (interior)
// or the item key (leaf).
func (p *Page) KeyAt(slot int) []byte {
	if p.IsLeaf() {
		k, _ := p.leafKeyValue(slot)
		return k
	}
	_, k := p.interiorChildKey(slot)
	return k
}

// ValueAt returns the value stored at a leaf slot.
func (p *Page) ValueAt(slot int) []byte {
	_, v := p.leafKeyValue(slot)
	return v
}

// PIDAt returns the child pointer stored at an interior slot >= 1.
func (p *Page) PIDAt(slot int) uint64 {
	child, _ := p.interiorChildKey(slot)
	return child
}

// SuggestFenceForSplit implements the split-point policy: when the page
// is heavily right- (or left-) skewed and the trigger key continues
// that skew, suggest a no-record split; otherwise pick a byte-balanced
// midpoint.
func (p *Page) SuggestFenceForSplit(triggerKey []byte) (midKey []byte, splitSlot int) {
	n := p.NItems()
	const skewThreshold = 8
	skew := p.ConsecutiveSkewedInsertions()
	if skew >= skewThreshold {
		last := p.KeyAt(n - 1)
		if bytes.Compare(triggerKey, last) >= 0 {
			return triggerKey, n // no-record split: new sibling starts empty
		}
	}
	if skew <= -skewThreshold {
		first := p.KeyAt(1)
		if bytes.Compare(triggerKey, first) <= 0 {
			return triggerKey, 1
		}
	}
	mid := p.byteBalancedMidpoint()
	return p.KeyAt(mid), mid
}

// byteBalancedMidpoint finds the slot index that most evenly divides
// the page's item bytes, scanning slots 1..n-1 (slot 0 is the fence).
func (p *Page) byteBalancedMidpoint() int {
	n := p.NItems()
	if n <= 2 {
		// a page with 0 or 1 real item can't usefully split; callers
		// guard against calling this on pages that aren't full.
		return n / 2
	}
	total := 0
	sizes := make([]int, n)
	for i := 1; i < n; i++ {
		sizes[i] = p.itemSize(i)
		total += sizes[i]
	}
	half := total / 2
	acc := 0
	for i := 1; i < n; i++ {
		acc += sizes[i]
		if acc >= half {
			if i < 1 {
				return 1
			}
			return i
		}
	}
	return n - 1
}

func (p *Page) itemSize(slot int) int {
	off := p.bodyOffset(slot)
	return align8(2 + int(readU16(p.data[off-2:])))
}

// Compact defragments the page, reclaiming space lost to fragmentation
// from deletes/resizes. Ghost items are copied back with their ghost
// mark, so the space they hold is not reclaimed. Running Compact twice
// in a row must yield identical bytes.
func (p *Page) Compact() {
	n := p.NItems()
	type saved struct {
		body  []byte
		ghost bool
		poor  uint16
	}
	items := make([]saved, n)
	for i := 0; i < n; i++ {
		off := p.bodyOffset(i)
		size := p.storedBodyLen(i)
		body := append([]byte(nil), p.data[off:off+size]...)
		items[i] = saved{body: body, ghost: p.IsGhost(i), poor: p.poorKey(i)}
	}
	p.setBodyFree(Size)
	for i, it := range items {
		off := p.allocItem(len(it.body))
		copy(p.data[off:], it.body)
		signed := int16(off)
		if it.ghost {
			signed = -signed
		}
		p.setRawOffset(i, signed)
		p.setPoorKey(i, it.poor)
	}
}
