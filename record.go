package socknotify

import (
	"weak"
)

type recordFlags uint8

const (
	// flagNonblocking is set when the channel is in non-blocking mode.
	// The descriptor itself is always non-blocking.
	flagNonblocking recordFlags = 1 << iota
	// flagEOF is set once a read observed end of stream.
	flagEOF
	// flagAsyncConnect is set while a connect is outstanding.
	flagAsyncConnect
	// flagEventQueued is set while a socketEvent for the record is queued.
	flagEventQueued
	// flagListener is set for listening sockets.
	flagListener
	// flagConnectFailed is set once an outstanding connect resolved with
	// an error.
	flagConnectFailed
)

// record is the per-socket state shared between the owner goroutine and
// the notifier. Unless noted, fields are guarded by the owning registry's
// mutex.
type record struct {
	// immutable
	channel weak.Pointer[Channel]
	fd      int

	flags recordFlags

	// watch is written only by the owner.
	watch Events

	// ready is written by the notifier, the owner may clear bits it
	// consumes.
	ready Events

	// interest is the current OS subscription, zero while suspended.
	interest Events

	// subscription is what interest is restored to, on resume.
	subscription Events

	acceptPending int

	// lastErr is the error an outstanding connect resolved with.
	lastErr error

	next *record
}

func newRecord(fd int) *record {
	return &record{fd: fd}
}

func (r *record) has(f recordFlags) bool { return r.flags&f != 0 }

func (r *record) set(f recordFlags, v bool) {
	if v {
		r.flags |= f
	} else {
		r.flags &^= f
	}
}

// setWatch replaces the watch set, reporting whether the record is already
// ready for it. Listeners always watch for accept.
func (r *record) setWatch(watch Events) bool {
	if r.has(flagListener) {
		watch |= EventAccept
	}
	r.watch = watch
	return needsZeroWait(r.ready, r.watch)
}
