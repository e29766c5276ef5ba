package btree

import "github.com/lslersch/zero/pkg/xct"

// withSysXct runs body inside a system sub-transaction: a short-lived
// nested transaction that either commits all of body's logged
// mutations or none of them, independent of any enclosing user
// transaction. body receives the open handle so it can emit its own
// physiological log records (foster_split, foster_adopt_parent, ...)
// as it mutates pages. body's error, if any, both ends the SSX as
// failed and propagates to withSysXct's caller; there is nothing to
// undo here because every SSX mutation is applied directly to latched
// pages that stay consistent under the EX latch regardless of where
// body stops.
func withSysXct(logger xct.Logger, body func(h *xct.Handle) error) error {
	h := xct.BeginSysXct(logger)
	err := body(h)
	xct.EndSysXct(h, err)
	return err
}
