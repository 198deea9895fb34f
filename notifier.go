//go:build linux || darwin

package socknotify

import (
	"errors"
	"runtime"

	"github.com/joeycumines/go-socknotify/internal/wakefd"
	"golang.org/x/sys/unix"
)

type notifierOp uint8

const (
	opSubscribe notifierOp = iota
	opUnsubscribe
	opTerminate
)

func (op notifierOp) String() string {
	switch op {
	case opSubscribe:
		return "subscribe"
	case opUnsubscribe:
		return "unsubscribe"
	case opTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

type notifierRequest struct {
	reply    chan error
	fd       int
	interest Events
	op       notifierOp
}

// notifier is the helper goroutine of a Thread. It is locked to its OS
// thread, which owns the readiness source, and it translates readiness
// into registry updates, waking the owner loop on change.
//
// Requests are served in order, each caller blocks for its reply.
type notifier struct {
	thread *Thread
	reqs   chan notifierRequest
	wake   *wakefd.FD
	done   chan struct{}

	// only accessed by the notifier goroutine
	src        readinessSource
	registered map[int]struct{}
}

// startNotifier starts the notifier goroutine, returning once its
// readiness source is ready.
func startNotifier(t *Thread) (*notifier, error) {
	wake, err := wakefd.New()
	if err != nil {
		return nil, err
	}
	n := &notifier{
		thread:     t,
		reqs:       make(chan notifierRequest, 64),
		wake:       wake,
		done:       make(chan struct{}),
		registered: make(map[int]struct{}),
	}
	started := make(chan error, 1)
	go n.run(started)
	if err := <-started; err != nil {
		<-n.done
		return nil, err
	}
	return n, nil
}

// request sends a request, and waits for the reply. It returns
// ErrUnavailable if the notifier has stopped.
func (n *notifier) request(op notifierOp, fd int, interest Events) error {
	req := notifierRequest{
		reply:    make(chan error, 1),
		fd:       fd,
		interest: interest,
		op:       op,
	}

	select {
	case n.reqs <- req:
	case <-n.done:
		return ErrUnavailable
	}

	if err := n.wake.Signal(); err != nil {
		if errors.Is(err, wakefd.ErrClosed) {
			return ErrUnavailable
		}
		return err
	}

	select {
	case err := <-req.reply:
		return err
	case <-n.done:
		select {
		case err := <-req.reply:
			return err
		default:
			return ErrUnavailable
		}
	}
}

// terminate stops the notifier, and waits for it to exit.
func (n *notifier) terminate() {
	_ = n.request(opTerminate, -1, 0)
	<-n.done
}

func (n *notifier) run(started chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer close(n.done)
	defer n.wake.Close()

	src, err := newReadinessSource(n.wake.Fd())
	if err != nil {
		started <- err
		return
	}
	n.src = src
	defer src.close()

	started <- nil

	logger := n.thread.logger
	wakeFd := n.wake.Fd()
	var buf []readiness
	for {
		buf, err = src.wait(buf[:0])
		if err != nil {
			logger.Crit().
				Err(err).
				Uint64("loop", n.thread.loop.ID()).
				Log("socknotify: readiness source failed, disabling sockets")
			n.thread.disable()
			return
		}

		var woken bool
		for _, rd := range buf {
			if rd.fd == wakeFd {
				woken = true
				continue
			}
			n.handleReadiness(rd)
		}

		if woken {
			n.wake.Drain()
			if !n.serveRequests() {
				return
			}
		}
	}
}

// serveRequests handles all queued requests, returning false on Terminate.
func (n *notifier) serveRequests() bool {
	for {
		select {
		case req := <-n.reqs:
			switch req.op {
			case opSubscribe:
				req.reply <- n.subscribe(req.fd, req.interest)
			case opUnsubscribe:
				req.reply <- n.unsubscribe(req.fd)
			case opTerminate:
				req.reply <- nil
				return false
			}
		default:
			return true
		}
	}
}

func (n *notifier) subscribe(fd int, interest Events) error {
	n.thread.stats.subscribes.Add(1)
	_, registered := n.registered[fd]
	err := n.src.subscribe(fd, interest, registered)
	switch {
	case registered && err == unix.ENOENT:
		// the descriptor was closed and its number reused
		err = n.src.subscribe(fd, interest, false)
	case !registered && err == unix.EEXIST:
		err = n.src.subscribe(fd, interest, true)
	}
	if err != nil {
		return err
	}
	n.registered[fd] = struct{}{}
	n.thread.logger.Trace().
		Int("fd", fd).
		Stringer("interest", interest).
		Log("socknotify: subscribed")
	return nil
}

func (n *notifier) unsubscribe(fd int) error {
	n.thread.stats.unsubscribes.Add(1)
	if _, ok := n.registered[fd]; !ok {
		return nil
	}
	delete(n.registered, fd)
	if err := n.src.unsubscribe(fd); err != nil && err != unix.ENOENT && err != unix.EBADF {
		return err
	}
	return nil
}

// handleReadiness applies a single readiness report to the registry.
func (n *notifier) handleReadiness(rd readiness) {
	t := n.thread
	reg := t.reg

	t.stats.notifications.Add(1)

	reg.mu.Lock()
	r := reg.lookupLocked(rd.fd)
	if r == nil {
		reg.mu.Unlock()
		return
	}

	k, connErr := n.translate(r, rd.ev)
	k &= r.interest

	prevReady, prevAccept := r.ready, r.acceptPending
	prevFlags := r.flags

	rest := k &^ EventConnect

	if k&EventClose != 0 {
		// remote end gone
		r.ready &^= EventWrite | EventAccept
		r.acceptPending = 0
		rest &^= EventWrite | EventAccept
	}

	if rest&EventAccept != 0 {
		r.acceptPending++
	}

	if k&EventConnect != 0 && r.has(flagAsyncConnect) {
		r.set(flagAsyncConnect, false)
		if connErr != nil {
			r.lastErr = connErr
			r.set(flagConnectFailed, true)
			// so a read surfaces the failure
			r.ready |= EventRead
		}
		r.ready |= EventWrite
	}

	r.ready |= rest

	changed := r.ready != prevReady || r.acceptPending != prevAccept || r.flags != prevFlags
	reg.mu.Unlock()

	if changed {
		t.stats.wakeups.Add(1)
		reg.signal()
		_ = t.loop.Wake()
	}
}

// translate converts raw flags to readiness kinds, for the given record.
// It must be called with the registry locked.
func (n *notifier) translate(r *record, ev rawEvents) (Events, error) {
	if r.has(flagListener) {
		if ev&rawIn != 0 {
			return EventAccept, nil
		}
		return 0, nil
	}

	var k Events
	var connErr error

	if r.has(flagAsyncConnect) {
		if ev&(rawOut|rawErr|rawHup) == 0 {
			return 0, nil
		}
		api := n.thread.api
		connErr = api.SocketError(r.fd)
		if connErr == nil {
			if _, err := api.Getpeername(r.fd); err != nil {
				// not yet resolved, e.g. the hang-up reported for a socket
				// subscribed before its connect was issued
				return 0, nil
			}
			// the report may predate the connect, see above
			ev &^= rawHup | rawErr
		}
		k |= EventConnect
	}

	if ev&rawIn != 0 {
		k |= EventRead
	}
	if ev&rawOut != 0 {
		k |= EventWrite
	}
	if ev&(rawRdHup|rawHup|rawErr) != 0 {
		k |= EventClose
	}

	return k, connErr
}
