//go:build linux || darwin

package socknotify

import (
	"errors"
)

// ErrAttached is returned by Attach, for a channel that is still owned by
// a thread.
var ErrAttached = errors.New("socknotify: channel attached")

// Detach removes the channel from its owner thread, and stops OS
// notifications for it. The channel cannot be used for I/O until attached
// to a thread, see Attach. The channel must not be in use by its owner
// while Detach is called.
func (c *Channel) Detach() error {
	r := c.rec
	if r == nil {
		return ErrClosed
	}
	t := c.thread
	if t == nil {
		return ErrDetached
	}

	t.reg.mu.Lock()
	// panics if absent
	t.reg.removeLocked(r)
	t.reg.mu.Unlock()

	c.thread = nil
	c.detachedFrom = t

	// outside the lock, the notifier may be waiting for it
	if err := t.notifier.request(opUnsubscribe, r.fd, 0); err != nil && err != ErrUnavailable {
		return err
	}
	t.reg.mu.Lock()
	r.interest = 0
	t.reg.mu.Unlock()

	t.logger.Debug().
		Int("fd", r.fd).
		Uint64("loop", t.loop.ID()).
		Log("socknotify: detached")
	return nil
}

// Attach makes t the owner of a detached channel, subscribing it with t's
// notifier. The caller must ensure the previous owner no longer uses the
// channel. After Attach, the channel must only be used from t's loop
// goroutine.
func (c *Channel) Attach(t *Thread) error {
	r := c.rec
	if r == nil {
		return ErrClosed
	}
	if c.thread != nil {
		return ErrAttached
	}
	if err := t.ensure(); err != nil {
		return err
	}

	if old := c.detachedFrom; old != nil {
		old.reg.mu.Lock()
		old.reg.clearPendingLocked(r)
		// an event still queued on the old loop resolves against the old
		// registry, and is discarded
		r.set(flagEventQueued, false)
		old.reg.mu.Unlock()
	}

	// before the record is visible to t's loop, which may notify at once
	c.thread = t
	c.detachedFrom = nil
	c.api = t.api

	t.reg.mu.Lock()
	t.reg.insertLocked(r)
	t.reg.mu.Unlock()

	if err := t.resume(r); err != nil {
		return err
	}

	t.logger.Debug().
		Int("fd", r.fd).
		Uint64("loop", t.loop.ID()).
		Log("socknotify: attached")
	return nil
}

// MoveTo detaches the channel from its current owner, and attaches it to
// t. It is typically called from the current owner's loop goroutine,
// which then hands the channel over, e.g. via t.Loop().Submit.
func (c *Channel) MoveTo(t *Thread) error {
	if err := c.Detach(); err != nil {
		return err
	}
	return c.Attach(t)
}
