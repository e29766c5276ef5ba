package archiver

import (
	"sync"
	"time"

	"github.com/lslersch/zero/pkg/lsn"
)

// activationPollInterval is how often WaitForActivation wakes on its
// own to recheck the shutdown flag while nothing has activated it.
const activationPollInterval = 100 * time.Millisecond

// ActivationController is how the rest of the system tells the
// archiver orchestration loop how far it is safe to archive: callers
// bump end_lsn monotonically and signal; the orchestrator blocks in
// WaitForActivation between activation windows, waking early on
// signal or periodically to poll for shutdown.
type ActivationController struct {
	mu        sync.Mutex
	cond      *sync.Cond
	endLSN    lsn.LSN
	activated bool
	listening bool
	shutdown  *bool
}

// NewActivationController builds a controller whose WaitForActivation
// returns false once *shutdown becomes true.
func NewActivationController(shutdown *bool) *ActivationController {
	c := &ActivationController{shutdown: shutdown}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Activate raises end_lsn to lsn if it is greater, and marks the
// controller activated, waking anyone in WaitForActivation. If wait is
// true, Activate blocks for the mutex like any other caller; if false,
// it gives up immediately when the mutex is held elsewhere. end_lsn
// never decreases across activations.
func (c *ActivationController) Activate(wait bool, at lsn.LSN) bool {
	if wait {
		c.mu.Lock()
	} else if !c.mu.TryLock() {
		return false
	}
	defer c.mu.Unlock()
	if c.endLSN.Less(at) {
		c.endLSN = at
	}
	c.activated = true
	c.cond.Broadcast()
	return true
}

// EndLSN returns the controller's current activation boundary.
func (c *ActivationController) EndLSN() lsn.LSN {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endLSN
}

// WaitForActivation blocks until Activate has been called since the
// last activation was consumed, waking every activationPollInterval to
// check the shutdown flag. Returns false once shutdown is observed. On
// a true return, the caller is responsible for clearing `activated`
// (via ClearActivation) once it has consumed end_lsn.
func (c *ActivationController) WaitForActivation() (endLSN lsn.LSN, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listening = true
	for !c.activated {
		if *c.shutdown {
			c.listening = false
			return lsn.Null, false
		}
		c.waitWithTimeout()
	}
	c.listening = false
	return c.endLSN, true
}

// waitWithTimeout releases the mutex for up to activationPollInterval,
// implemented with a time.AfterFunc timer since sync.Cond has no native
// timed wait; the timer's callback broadcasts once under the mutex, and
// the timer is stopped as soon as Wait returns.
func (c *ActivationController) waitWithTimeout() {
	timer := time.AfterFunc(activationPollInterval, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	c.cond.Wait()
	timer.Stop()
}

// ClearActivation resets `activated` after the orchestrator has
// consumed the current end_lsn, so the next WaitForActivation call
// blocks until a fresh Activate.
func (c *ActivationController) ClearActivation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activated = false
}

// Listening reports whether a caller is currently blocked in
// WaitForActivation, a diagnostic hook mirroring the `listening` field.
func (c *ActivationController) Listening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listening
}
