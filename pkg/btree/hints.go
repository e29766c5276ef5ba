package btree

import (
	"sync"

	"github.com/cespare/xxhash"
	"github.com/spaolacci/murmur3"

	"github.com/lslersch/zero/pkg/lsn"
)

// hintShards bounds the lock contention on the two latency hint tables:
// exclusive-latch-need and foster-children. Both are process-wide,
// racy, and only ever consulted as a hint to decide whether an
// opportunistic adopt is worth attempting.
const hintShards = 16

// hintTable is a sharded page-id -> counter map. Reads and writes are
// approximate by design; a stale counter only costs a wasted or skipped
// opportunistic adopt, never correctness.
type hintTable struct {
	shards [hintShards]hintShard
	hash   func(lsn.PageID) uint64
}

type hintShard struct {
	mu sync.Mutex
	m  map[lsn.PageID]uint32
}

// newExclusiveLatchNeedHints builds the table incremented on every
// conditional-upgrade failure against a page, hashed with murmur3 to
// pick a shard.
func newExclusiveLatchNeedHints() *hintTable {
	return newHintTable(murmur3PageHash)
}

// newFosterChildrenHints builds the table incremented whenever a split
// leaves a page with a live foster pointer, hashed with xxhash so the
// two tables don't share a hash function's bias.
func newFosterChildrenHints() *hintTable {
	return newHintTable(xxhashPageHash)
}

func newHintTable(hash func(lsn.PageID) uint64) *hintTable {
	h := &hintTable{hash: hash}
	for i := range h.shards {
		h.shards[i].m = make(map[lsn.PageID]uint32)
	}
	return h
}

func murmur3PageHash(pid lsn.PageID) uint64 {
	return murmur3.Sum64([]byte(pid.String()))
}

func xxhashPageHash(pid lsn.PageID) uint64 {
	return xxhash.Sum64String(pid.String())
}

func (h *hintTable) shard(pid lsn.PageID) *hintShard {
	return &h.shards[h.hash(pid)%hintShards]
}

// Incr bumps pid's counter by one.
func (h *hintTable) Incr(pid lsn.PageID) {
	s := h.shard(pid)
	s.mu.Lock()
	s.m[pid]++
	s.mu.Unlock()
}

// Get reads pid's counter, zero if never touched.
func (h *hintTable) Get(pid lsn.PageID) uint32 {
	s := h.shard(pid)
	s.mu.Lock()
	v := s.m[pid]
	s.mu.Unlock()
	return v
}

// Clear resets pid's counter, used once an opportunistic sweep has
// actually adopted everything it found.
func (h *hintTable) Clear(pid lsn.PageID) {
	s := h.shard(pid)
	s.mu.Lock()
	delete(s.m, pid)
	s.mu.Unlock()
}
