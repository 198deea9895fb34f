//go:build linux || darwin

package socknotify

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// connectInProgress reports whether err from connect means the connection
// is being established asynchronously. A blocking connect interrupted by a
// signal continues in the background, like a non-blocking one.
func connectInProgress(err error) bool {
	return err == unix.EINPROGRESS || err == unix.EALREADY || err == unix.EINTR || err == unix.EAGAIN
}

// Dial connects to addr, returning a channel owned by t.
//
// By default Dial blocks until the connection is established. With
// WithAsync(true) it returns immediately, in ConnConnecting state. A failed
// asynchronous connect makes the channel readable, and Read returns the
// error.
func (t *Thread) Dial(addr netip.AddrPort, opts ...DialOption) (*Channel, error) {
	cfg, err := resolveDialOptions(opts)
	if err != nil {
		return nil, err
	}
	if err := t.ensure(); err != nil {
		return nil, err
	}

	sa, domain, err := sockaddrFromAddrPort(addr)
	if err != nil {
		return nil, err
	}

	fd, err := t.api.Socket(domain, cfg.async)
	if err != nil {
		return nil, &OpError{Op: "socket", Err: err}
	}

	if cfg.local.IsValid() {
		lsa, _, err := sockaddrFromAddrPort(cfg.local)
		if err == nil {
			err = t.api.Bind(fd, lsa)
		}
		if err != nil {
			_ = t.api.Close(fd)
			return nil, &OpError{Op: "bind", Err: err}
		}
	}

	r := newRecord(fd)
	ch := t.newChannel(r)

	if cfg.async {
		err = t.dialAsync(r, sa)
	} else {
		err = t.dialSync(r, sa)
	}
	if err != nil {
		_ = t.api.Close(fd)
		return nil, &OpError{Op: "dial", Channel: ch.name, Err: err}
	}

	t.logger.Debug().
		Int("fd", fd).
		Str("addr", addr.String()).
		Bool("async", cfg.async).
		Log("socknotify: dialed")

	return ch, nil
}

func (t *Thread) dialSync(r *record, sa unix.Sockaddr) error {
	err := t.api.Connect(r.fd, sa)
	inProgress := err != nil && connectInProgress(err)
	if err != nil && !inProgress {
		return err
	}

	if err := t.api.SetNonblock(r.fd, true); err != nil {
		return err
	}

	interest := eventsStream
	if inProgress {
		r.set(flagAsyncConnect, true)
		interest |= EventConnect
	}

	t.reg.mu.Lock()
	t.reg.insertLocked(r)
	t.reg.mu.Unlock()

	if err := t.subscribe(r, interest); err != nil {
		t.reg.mu.Lock()
		t.reg.removeLocked(r)
		t.reg.mu.Unlock()
		return err
	}
	return nil
}

// dialAsync subscribes before issuing the connect, from the pending slot,
// so a completion reported before the connect call returns is not lost.
func (t *Thread) dialAsync(r *record, sa unix.Sockaddr) error {
	t.reg.mu.Lock()
	if t.reg.pending != nil {
		t.reg.mu.Unlock()
		panic(fmt.Errorf("socknotify: pending slot occupied by fd %d", t.reg.pending.fd))
	}
	r.set(flagAsyncConnect, true)
	t.reg.pending = r
	t.reg.mu.Unlock()

	fail := func(err error) error {
		_ = t.unsubscribe(r)
		t.reg.mu.Lock()
		t.reg.clearPendingLocked(r)
		t.reg.mu.Unlock()
		return err
	}

	if err := t.subscribe(r, EventConnect|eventsStream); err != nil {
		return fail(err)
	}

	if err := t.api.Connect(r.fd, sa); err != nil && !connectInProgress(err) {
		return fail(err)
	}

	// connected immediately, or in progress: either way, the notifier
	// resolves it, once the socket reports writable

	t.reg.mu.Lock()
	t.reg.clearPendingLocked(r)
	t.reg.insertLocked(r)
	t.reg.mu.Unlock()

	return nil
}

// Listen creates a listening socket bound to addr. Each accepted
// connection is passed to accept, as a channel owned by t.
func (t *Thread) Listen(addr netip.AddrPort, accept AcceptFunc) (*Channel, error) {
	if accept == nil {
		return nil, errors.New("socknotify: nil accept func")
	}
	if err := t.ensure(); err != nil {
		return nil, err
	}

	sa, domain, err := sockaddrFromAddrPort(addr)
	if err != nil {
		return nil, err
	}

	fd, err := t.api.Socket(domain, true)
	if err != nil {
		return nil, &OpError{Op: "socket", Err: err}
	}

	fail := func(op string, err error) (*Channel, error) {
		_ = t.api.Close(fd)
		return nil, &OpError{Op: op, Err: err}
	}

	if err := t.api.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt", err)
	}
	if err := t.api.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}
	if err := t.api.Listen(fd, t.backlog); err != nil {
		return fail("listen", err)
	}

	r := newRecord(fd)
	r.set(flagListener, true)
	r.watch = EventAccept
	ch := t.newChannel(r)
	ch.accept = accept

	t.reg.mu.Lock()
	t.reg.insertLocked(r)
	t.reg.mu.Unlock()

	if err := t.subscribe(r, EventAccept); err != nil {
		t.reg.mu.Lock()
		t.reg.removeLocked(r)
		t.reg.mu.Unlock()
		return fail("listen", err)
	}

	t.logger.Debug().
		Int("fd", fd).
		Str("addr", ch.LocalAddr().String()).
		Log("socknotify: listening")

	return ch, nil
}

// acceptOne accepts a single connection for the listener r.
func (t *Thread) acceptOne(r *record, listener *Channel) {
	nfd, sa, err := t.api.Accept(r.fd)
	if err != nil {
		wouldBlock := err == unix.EAGAIN || err == unix.EWOULDBLOCK

		t.reg.mu.Lock()
		r.ready &^= EventAccept
		if wouldBlock {
			// over counted, e.g. coalesced edges
			r.acceptPending = 0
		}
		t.reg.mu.Unlock()

		if !wouldBlock {
			t.stats.acceptFails.Add(1)
			if b := t.warn("accept"); b != nil {
				b.Err(err).Int("fd", r.fd).Log("socknotify: accept failed")
			}
		}
		return
	}

	t.stats.accepts.Add(1)

	t.reg.mu.Lock()
	var rearm bool
	if r.acceptPending > 0 {
		r.acceptPending--
	}
	if r.acceptPending == 0 {
		r.ready &^= EventAccept
		rearm = true
	}
	t.reg.mu.Unlock()

	if rearm {
		// reports again, if connections arrived since the last edge
		if err := t.resume(r); err != nil && err != ErrUnavailable {
			if b := t.warn("resubscribe"); b != nil {
				b.Err(err).Int("fd", r.fd).Log("socknotify: failed to re-arm listener")
			}
		}
	}

	child := newRecord(nfd)
	ch := t.newChannel(child)

	t.reg.mu.Lock()
	t.reg.insertLocked(child)
	t.reg.mu.Unlock()

	if err := t.subscribe(child, eventsStream); err != nil {
		t.reg.mu.Lock()
		t.reg.removeLocked(child)
		t.reg.mu.Unlock()
		_ = t.api.Close(nfd)
		if b := t.warn("accept"); b != nil {
			b.Err(err).Int("fd", nfd).Log("socknotify: failed to subscribe accepted socket")
		}
		return
	}

	peer := addrPortFromSockaddr(sa)

	t.logger.Debug().
		Int("fd", nfd).
		Str("peer", peer.String()).
		Log("socknotify: accepted")

	if listener.accept != nil {
		listener.accept(ch, peer)
	}
}
