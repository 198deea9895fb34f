//go:build linux || darwin

package socknotify

import (
	"github.com/joeycumines/go-socknotify/eventloop"
	"golang.org/x/sys/unix"
)

// scavengeInterval is how many Check calls pass between scans for records
// whose channel was garbage collected without being closed.
const scavengeInterval = 64

// bridge integrates a Thread's registry with its loop.
type bridge struct {
	t      *Thread
	checks uint64
}

var _ eventloop.EventSource = (*bridge)(nil)

// Setup requests a zero-wait poll if any record is ready for what it
// watches, as readiness may have been latched before the loop blocks.
func (b *bridge) Setup(l *eventloop.Loop) {
	if b.wantsZeroWait() {
		l.SetMaxBlockTime(0)
	}
}

func (b *bridge) wantsZeroWait() bool {
	reg := b.t.reg
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for r := reg.head; r != nil; r = r.next {
		if needsZeroWait(r.ready, r.watch) {
			return true
		}
	}
	return false
}

// Check queues at most one event per ready record.
func (b *bridge) Check(l *eventloop.Loop) {
	t := b.t

	b.checks++
	if b.checks%scavengeInterval == 0 {
		t.scavenge()
	}

	var queue []int
	reg := t.reg
	reg.mu.Lock()
	for r := reg.head; r != nil; r = r.next {
		if needsZeroWait(r.ready, r.watch) && !r.has(flagEventQueued) {
			r.set(flagEventQueued, true)
			queue = append(queue, r.fd)
		}
	}
	reg.mu.Unlock()

	for _, fd := range queue {
		t.stats.queued.Add(1)
		l.QueueEvent(&socketEvent{t: t, fd: fd})
	}
}

// socketEvent is tagged by descriptor, and resolved on dispatch, so a
// record closed in the meantime is skipped.
type socketEvent struct {
	t  *Thread
	fd int
}

func (ev *socketEvent) Dispatch(l *eventloop.Loop) {
	t := ev.t
	reg := t.reg

	reg.mu.Lock()
	r := reg.findLocked(ev.fd)
	if r == nil {
		reg.mu.Unlock()
		t.stats.discarded.Add(1)
		return
	}
	r.set(flagEventQueued, false)
	ready := r.ready & r.watch
	skipProbe := r.lastErr != nil
	reg.mu.Unlock()

	ch := r.channel.Value()
	if ch == nil {
		t.stats.discarded.Add(1)
		return
	}

	t.stats.dispatched.Add(1)

	if ready&EventAccept != 0 {
		t.acceptOne(r, ch)
		return
	}

	var mask Mask
	if ready&EventClose != 0 {
		mask = Readable | Writable
		// keep notifying until the channel is drained or closed
		l.SetMaxBlockTime(0)
	} else {
		if ready&EventRead != 0 {
			if skipProbe || t.probe(r) {
				mask |= Readable
			}
		}
		if ready&EventWrite != 0 {
			mask |= Writable
		}
	}

	if mask != 0 {
		ch.notify(mask)
	}
}

// probe confirms read readiness with a non-blocking peek. If no data is
// available the stale bit is cleared, and the subscription re-armed, which
// makes the OS report again any data that arrived since.
func (t *Thread) probe(r *record) bool {
	var b [1]byte
	_, err := t.api.Recv(r.fd, b[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
	if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
		// data, end of stream, or an error a read will surface
		return true
	}

	t.stats.staleProbes.Add(1)

	t.reg.mu.Lock()
	r.ready &^= EventRead
	t.reg.mu.Unlock()

	if err := t.resume(r); err != nil && err != ErrUnavailable {
		if b := t.warn("resubscribe"); b != nil {
			b.Err(err).Int("fd", r.fd).Log("socknotify: failed to re-subscribe after stale read readiness")
		}
	}
	return false
}

// scavenge closes sockets whose channel was garbage collected without
// being closed.
func (t *Thread) scavenge() {
	var dead []*record
	t.reg.mu.Lock()
	for r := t.reg.head; r != nil; r = r.next {
		if r.channel.Value() == nil {
			dead = append(dead, r)
		}
	}
	for _, r := range dead {
		t.reg.removeLocked(r)
	}
	t.reg.mu.Unlock()

	for _, r := range dead {
		_ = t.unsubscribe(r)
		_ = t.api.Close(r.fd)
		t.logger.Debug().
			Int("fd", r.fd).
			Log("socknotify: closed socket of unreachable channel")
	}
}
