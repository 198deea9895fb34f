//go:build linux || darwin

package socknotify

import (
	"io"
	"net/netip"
	"strconv"
	"weak"

	"golang.org/x/sys/unix"
)

const channelNamePrefix = "sock"

// Handler receives readiness notifications for a channel, on its owner
// loop goroutine.
type Handler interface {
	Notify(ch *Channel, mask Mask)
}

// HandlerFunc implements Handler.
type HandlerFunc func(ch *Channel, mask Mask)

// Notify calls f(ch, mask).
func (f HandlerFunc) Notify(ch *Channel, mask Mask) { f(ch, mask) }

// AcceptFunc is called on the listener's owner loop goroutine, for each
// accepted connection. The new channel is owned by the same thread.
type AcceptFunc func(ch *Channel, peer netip.AddrPort)

// ConnState is the connection state of a channel.
type ConnState uint8

const (
	// ConnIdle is the state of a socket before its connect is issued.
	ConnIdle ConnState = iota
	ConnConnecting
	ConnConnected
	ConnFailed
	ConnListening
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnIdle:
		return "idle"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnFailed:
		return "failed"
	case ConnListening:
		return "listening"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Channel is a TCP socket, owned by a single Thread at a time. Channels are
// created by Thread.Dial, Thread.Listen, or by accepting a connection.
//
// Channels are in blocking mode by default. All methods must be called from
// the owner loop goroutine.
type Channel struct {
	rec *record
	api SocketAPI

	// thread is nil while detached
	thread       *Thread
	detachedFrom *Thread

	handler Handler
	accept  AcceptFunc

	name string
}

func (t *Thread) newChannel(r *record) *Channel {
	c := &Channel{
		rec:    r,
		api:    t.api,
		thread: t,
		name:   channelNamePrefix + strconv.Itoa(r.fd),
	}
	r.channel = weak.Make(c)
	return c
}

// Name returns the channel name, sock<descriptor>.
func (c *Channel) Name() string { return c.name }

// Fd returns the OS descriptor, or -1 if closed.
func (c *Channel) Fd() int {
	if c.rec == nil {
		return -1
	}
	return c.rec.fd
}

// Thread returns the owning thread, or nil if closed or detached.
func (c *Channel) Thread() *Thread { return c.thread }

// SetHandler sets the handler notified of readiness, see Watch.
func (c *Channel) SetHandler(h Handler) { c.handler = h }

func (c *Channel) notify(mask Mask) {
	if h := c.handler; h != nil {
		h.Notify(c, mask)
	}
}

// registry returns the registry whose mutex guards the record. Detached
// records stay guarded by the thread they were detached from.
func (c *Channel) registry() *registry {
	if c.thread != nil {
		return c.thread.reg
	}
	return c.detachedFrom.reg
}

// SetBlocking sets the mode used by Read and Write. The descriptor itself
// is always non-blocking.
func (c *Channel) SetBlocking(blocking bool) {
	if c.rec == nil {
		return
	}
	reg := c.registry()
	reg.mu.Lock()
	c.rec.set(flagNonblocking, !blocking)
	reg.mu.Unlock()
}

// Blocking reports whether the channel is in blocking mode.
func (c *Channel) Blocking() bool {
	if c.rec == nil {
		return false
	}
	reg := c.registry()
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return !c.rec.has(flagNonblocking)
}

// active returns the owner thread, and the record, if I/O is possible.
func (c *Channel) active() (*Thread, *record, error) {
	switch {
	case c.rec == nil:
		return nil, nil, ErrClosed
	case c.thread == nil:
		return nil, nil, ErrDetached
	case !c.thread.available():
		return nil, nil, ErrUnavailable
	}
	return c.thread, c.rec, nil
}

// awaitConnect waits for an outstanding connect to resolve. In non-blocking
// mode, it returns ErrWouldBlock instead of waiting. A failed connect
// returns the captured error.
func (c *Channel) awaitConnect(op string, t *Thread, r *record) error {
	for {
		t.reg.mu.Lock()
		pending := r.has(flagAsyncConnect)
		nonblocking := r.has(flagNonblocking)
		lastErr := r.lastErr
		failed := r.has(flagConnectFailed)
		t.reg.mu.Unlock()

		if failed && lastErr != nil {
			return &OpError{Op: op, Channel: c.name, Err: lastErr}
		}
		if !pending {
			return nil
		}
		if nonblocking {
			return ErrWouldBlock
		}
		if err := t.waitReady(r, 0, func(r *record) bool { return !r.has(flagAsyncConnect) }); err != nil {
			return err
		}
	}
}

// Read reads from the socket. At end of stream it returns 0 and io.EOF,
// then continues to do so without making any OS calls. A connection reset
// by the peer, or any error once the peer has gone, is also end of stream.
//
// In non-blocking mode, ErrWouldBlock is returned if no data is available.
func (c *Channel) Read(p []byte) (int, error) {
	t, r, err := c.active()
	if err != nil {
		return 0, err
	}

	t.reg.mu.Lock()
	eof := r.has(flagEOF)
	t.reg.mu.Unlock()
	if eof {
		return 0, io.EOF
	}

	if len(p) == 0 {
		return 0, nil
	}

	if err := c.awaitConnect("read", t, r); err != nil {
		return 0, err
	}

	for {
		if err := t.suspend(r); err != nil {
			return 0, err
		}

		n, rerr := t.api.Recv(r.fd, p, 0)

		t.reg.mu.Lock()
		// edge-triggered, re-armed by resume
		r.ready &^= EventRead
		closeSeen := r.ready&EventClose != 0
		nonblocking := r.has(flagNonblocking)
		t.reg.mu.Unlock()

		if err := t.resume(r); err != nil {
			return 0, err
		}

		switch {
		case rerr == nil && n == 0:
			c.setEOF(t, r)
			return 0, io.EOF

		case rerr == nil:
			return n, nil

		case rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK:
			if closeSeen {
				c.setEOF(t, r)
				return 0, io.EOF
			}
			if nonblocking {
				return 0, ErrWouldBlock
			}
			if err := t.waitReady(r, EventRead|EventClose, nil); err != nil {
				return 0, err
			}

		case rerr == unix.EINTR:

		case closeSeen || rerr == unix.ECONNRESET:
			c.setEOF(t, r)
			return 0, io.EOF

		default:
			return 0, &OpError{Op: "read", Channel: c.name, Err: rerr}
		}
	}
}

func (c *Channel) setEOF(t *Thread, r *record) {
	t.reg.mu.Lock()
	r.set(flagEOF, true)
	t.reg.mu.Unlock()
}

// Write writes p to the socket. In blocking mode it waits until all of p
// is written. In non-blocking mode it writes what it can, returning
// ErrWouldBlock if that is less than len(p).
//
// Unlike Read, Write does not hide a closed or reset connection: writing
// after the peer has gone returns an *OpError wrapping EPIPE or
// ECONNRESET.
func (c *Channel) Write(p []byte) (int, error) {
	t, r, err := c.active()
	if err != nil {
		return 0, err
	}

	if err := c.awaitConnect("write", t, r); err != nil {
		return 0, err
	}

	var total int
	for len(p) != 0 {
		if err := t.suspend(r); err != nil {
			return total, err
		}

		n, werr := t.api.Send(r.fd, p)

		t.reg.mu.Lock()
		if werr == unix.EAGAIN || werr == unix.EWOULDBLOCK {
			r.ready &^= EventWrite
		}
		writeWatched := r.watch&EventWrite != 0
		nonblocking := r.has(flagNonblocking)
		t.reg.mu.Unlock()

		if err := t.resume(r); err != nil {
			return total, err
		}

		switch {
		case werr == nil:
			total += n
			p = p[n:]
			if writeWatched {
				// the OS only reports writable after a would-block
				t.loop.SetMaxBlockTime(0)
			}

		case werr == unix.EAGAIN || werr == unix.EWOULDBLOCK:
			if nonblocking {
				return total, ErrWouldBlock
			}
			if err := t.waitReady(r, EventWrite|EventClose, nil); err != nil {
				return total, err
			}

		case werr == unix.EINTR:

		default:
			return total, &OpError{Op: "write", Channel: c.name, Err: werr}
		}
	}

	return total, nil
}

// Watch sets the readiness the handler is notified of. If the channel is
// already ready for mask, the loop is made to poll without blocking.
func (c *Channel) Watch(mask Mask) error {
	t, r, err := c.active()
	if err != nil {
		return err
	}

	t.reg.mu.Lock()
	zero := r.setWatch(watchEvents(mask))
	t.reg.mu.Unlock()

	if zero {
		t.loop.SetMaxBlockTime(0)
	}
	return nil
}

// Close unsubscribes and closes the socket. It succeeds even if the owner
// thread has been torn down.
func (c *Channel) Close() error {
	r := c.rec
	if r == nil {
		return ErrClosed
	}

	switch {
	case c.thread != nil:
		t := c.thread
		_ = t.unsubscribe(r)
		t.reg.mu.Lock()
		if !t.reg.clearPendingLocked(r) {
			t.reg.removeLocked(r)
		}
		t.reg.mu.Unlock()

	case c.detachedFrom != nil:
		reg := c.detachedFrom.reg
		reg.mu.Lock()
		reg.clearPendingLocked(r)
		reg.mu.Unlock()
	}

	c.rec = nil
	c.thread = nil
	c.detachedFrom = nil

	if err := c.api.Close(r.fd); err != nil {
		return &OpError{Op: "close", Channel: c.name, Err: err}
	}
	return nil
}

// State returns the connection state.
func (c *Channel) State() ConnState {
	r := c.rec
	if r == nil {
		return ConnClosed
	}
	reg := c.registry()
	reg.mu.Lock()
	defer reg.mu.Unlock()
	switch {
	case r.has(flagListener):
		return ConnListening
	case r.has(flagAsyncConnect):
		return ConnConnecting
	case r.has(flagConnectFailed):
		return ConnFailed
	default:
		return ConnConnected
	}
}

// AcceptPending returns the number of connections believed to be waiting
// to be accepted, by a listener.
func (c *Channel) AcceptPending() (int, error) {
	r := c.rec
	if r == nil {
		return 0, ErrClosed
	}
	reg := c.registry()
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if !r.has(flagListener) {
		return 0, ErrNotListener
	}
	return r.acceptPending, nil
}

// LocalAddr returns the local address, or the zero value if unavailable.
func (c *Channel) LocalAddr() netip.AddrPort {
	if c.rec == nil {
		return netip.AddrPort{}
	}
	sa, err := c.api.Getsockname(c.rec.fd)
	if err != nil {
		return netip.AddrPort{}
	}
	return addrPortFromSockaddr(sa)
}

// RemoteAddr returns the peer address, or the zero value if unavailable.
func (c *Channel) RemoteAddr() netip.AddrPort {
	if c.rec == nil {
		return netip.AddrPort{}
	}
	sa, err := c.api.Getpeername(c.rec.fd)
	if err != nil {
		return netip.AddrPort{}
	}
	return addrPortFromSockaddr(sa)
}
