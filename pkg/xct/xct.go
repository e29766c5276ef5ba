// Package xct is the thin boundary the B-link core uses to open and
// close system (nested top-action) sub-transactions: current_xct,
// begin_sys_xct, end_sys_xct(rc), and is_sys_xct. Locking and
// commit/abort for ordinary user transactions live outside this
// repository; this package covers only what a structure modification
// itself needs — an SSX identity and a place to emit the
// physiological log record its mutation produces (see Logger).
//
// google/uuid identifies each SSX, the same way an opaque UUID tags a
// full transaction elsewhere in this codebase.
package xct

import (
	"sync"

	"github.com/google/uuid"

	"github.com/lslersch/zero/pkg/logrec"
	"github.com/lslersch/zero/pkg/lsn"
)

// ID identifies one system sub-transaction.
type ID uuid.UUID

func (id ID) String() string { return uuid.UUID(id).String() }

// current records every sub-transaction still open, keyed by its
// *Handle (the value is always true). Ordinary (user) transactions are
// out of scope; only SSXs are tracked here.
var current sync.Map // *Handle -> true

// Handle is returned by BeginSysXct and passed to EndSysXct.
type Handle struct {
	id     ID
	logger Logger
}

// ID returns the handle's sub-transaction identifier.
func (h *Handle) ID() ID { return h.id }

// BeginSysXct opens a new system sub-transaction, the construct
// structure-modification operations (split, adopt, grow, merge,
// rebalance, de-adopt) run inside so that either all of their log
// records apply or none do, independent of any enclosing user
// transaction. logger is where the SSX's own physiological records are
// appended as they're produced.
func BeginSysXct(logger Logger) *Handle {
	h := &Handle{id: ID(uuid.New()), logger: logger}
	current.Store(h, true)
	return h
}

// Log builds and appends one physiological log record on behalf of the
// open sub-transaction h, returning the LSN the logger assigned it.
func (h *Handle) Log(typeTag logrec.Type, pageID, pageID2 uint64, pagePrevLSN, page2PrevLSN lsn.LSN, payload []byte) (lsn.LSN, error) {
	return h.logger.Append(typeTag, pageID, pageID2, pagePrevLSN, page2PrevLSN, payload)
}

// EndSysXct closes the sub-transaction. A non-nil rc means the SSX's
// effects must be undone by its caller before returning; this package
// does not perform the undo itself, it only marks the boundary.
func EndSysXct(h *Handle, failed error) {
	current.Delete(h)
}

// IsSysXct reports whether h denotes a still-open sub-transaction.
func IsSysXct(h *Handle) bool {
	_, ok := current.Load(h)
	return ok
}
