package socknotify

import (
	"fmt"
	"sync"
)

// registry is the list of records owned by a single Thread. Records live
// in the pending slot from creation until they are subscribed, then in the
// list, until closed or detached.
//
// The mutex is held only for short, non-blocking operations, and never
// while waiting on the notifier.
type registry struct {
	// wake is signaled (non-blocking) whenever the notifier changes the
	// state of a record, for blocking-mode I/O waiting on readiness
	wake chan struct{}

	head    *record
	pending *record

	mu sync.Mutex
}

func newRegistry() *registry {
	return &registry{wake: make(chan struct{}, 1)}
}

// insertLocked links r at the head of the list.
func (x *registry) insertLocked(r *record) {
	r.next = x.head
	x.head = r
}

// removeLocked unlinks r from the list, panicking if it is not present.
func (x *registry) removeLocked(r *record) {
	for p := &x.head; *p != nil; p = &(*p).next {
		if *p == r {
			*p = r.next
			r.next = nil
			return
		}
	}
	panic(fmt.Errorf("socknotify: record for fd %d not in registry", r.fd))
}

// findLocked returns the listed record for fd, or nil.
func (x *registry) findLocked(fd int) *record {
	for r := x.head; r != nil; r = r.next {
		if r.fd == fd {
			return r
		}
	}
	return nil
}

// lookupLocked is findLocked, but also considers the pending slot.
func (x *registry) lookupLocked(fd int) *record {
	if r := x.findLocked(fd); r != nil {
		return r
	}
	if x.pending != nil && x.pending.fd == fd {
		return x.pending
	}
	return nil
}

// containsLocked reports whether r is listed.
func (x *registry) containsLocked(r *record) bool {
	for v := x.head; v != nil; v = v.next {
		if v == r {
			return true
		}
	}
	return false
}

// clearPendingLocked empties the pending slot, if it holds r.
func (x *registry) clearPendingLocked(r *record) bool {
	if x.pending == r {
		x.pending = nil
		return true
	}
	return false
}

// signal wakes a goroutine waiting for readiness, without blocking.
func (x *registry) signal() {
	select {
	case x.wake <- struct{}{}:
	default:
	}
}

// recordsLocked returns a snapshot of the listed records.
func (x *registry) recordsLocked() []*record {
	var s []*record
	for r := x.head; r != nil; r = r.next {
		s = append(s, r)
	}
	return s
}
