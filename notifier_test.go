//go:build linux || darwin

package socknotify

import (
	"testing"

	"github.com/joeycumines/go-socknotify/eventloop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// connAPI fakes the calls made while resolving a connect.
type connAPI struct {
	SocketAPI
	soErr   error
	peerErr error
}

func (x *connAPI) SocketError(int) error { return x.soErr }

func (x *connAPI) Getpeername(int) (unix.Sockaddr, error) {
	if x.peerErr != nil {
		return nil, x.peerErr
	}
	return &unix.SockaddrInet4{Port: 1}, nil
}

// newIdleNotifier returns a notifier without a running goroutine, for
// driving handleReadiness directly.
func newIdleNotifier(t *testing.T, api SocketAPI) *notifier {
	t.Helper()
	loop, err := eventloop.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = loop.Close() })
	sockets, err := New(WithSocketAPI(api), WithLogger(testLogger(t)))
	require.NoError(t, err)
	thread, err := sockets.Thread(loop)
	require.NoError(t, err)
	return &notifier{thread: thread, registered: make(map[int]struct{})}
}

func (n *notifier) add(r *record, interest Events) {
	reg := n.thread.reg
	reg.mu.Lock()
	r.interest = interest
	r.subscription = interest
	reg.insertLocked(r)
	reg.mu.Unlock()
}

func signaled(reg *registry) bool {
	select {
	case <-reg.wake:
		return true
	default:
		return false
	}
}

func TestNotifier_AcceptCounter(t *testing.T) {
	n := newIdleNotifier(t, &connAPI{})
	reg := n.thread.reg
	r := newRecord(10)
	r.set(flagListener, true)
	n.add(r, EventAccept)

	for i := 1; i <= 3; i++ {
		n.handleReadiness(readiness{fd: 10, ev: rawIn})
		assert.True(t, signaled(reg))
		reg.mu.Lock()
		assert.Equal(t, i, r.acceptPending)
		assert.Equal(t, EventAccept, r.ready)
		reg.mu.Unlock()
	}
}

func TestNotifier_SignalsOnlyOnDelta(t *testing.T) {
	n := newIdleNotifier(t, &connAPI{})
	reg := n.thread.reg
	n.add(newRecord(11), eventsStream)

	n.handleReadiness(readiness{fd: 11, ev: rawOut})
	assert.True(t, signaled(reg))

	n.handleReadiness(readiness{fd: 11, ev: rawOut})
	assert.False(t, signaled(reg), "unchanged state must not signal")

	assert.Equal(t, uint64(2), n.thread.Stats().Notifications)
	assert.Equal(t, uint64(1), n.thread.Stats().Wakeups)
}

func TestNotifier_CloseClearsWrite(t *testing.T) {
	n := newIdleNotifier(t, &connAPI{})
	reg := n.thread.reg
	r := newRecord(12)
	n.add(r, eventsStream)

	n.handleReadiness(readiness{fd: 12, ev: rawOut})
	n.handleReadiness(readiness{fd: 12, ev: rawIn | rawOut | rawRdHup})

	reg.mu.Lock()
	defer reg.mu.Unlock()
	assert.Equal(t, EventRead|EventClose, r.ready)
}

func TestNotifier_InterestFilters(t *testing.T) {
	n := newIdleNotifier(t, &connAPI{})
	reg := n.thread.reg
	r := newRecord(13)
	n.add(r, 0)

	n.handleReadiness(readiness{fd: 13, ev: rawIn | rawOut})
	assert.False(t, signaled(reg))

	reg.mu.Lock()
	defer reg.mu.Unlock()
	assert.Equal(t, Events(0), r.ready)
}

func TestNotifier_UnknownDescriptorDropped(t *testing.T) {
	n := newIdleNotifier(t, &connAPI{})
	n.handleReadiness(readiness{fd: 99, ev: rawIn})
	assert.False(t, signaled(n.thread.reg))
}

func TestNotifier_PendingSlotVisible(t *testing.T) {
	n := newIdleNotifier(t, &connAPI{})
	reg := n.thread.reg
	r := newRecord(14)
	reg.mu.Lock()
	r.interest = eventsStream
	reg.pending = r
	reg.mu.Unlock()

	n.handleReadiness(readiness{fd: 14, ev: rawOut})

	reg.mu.Lock()
	defer reg.mu.Unlock()
	assert.Equal(t, EventWrite, r.ready)
}

func TestNotifier_ConnectUnresolvedIgnored(t *testing.T) {
	n := newIdleNotifier(t, &connAPI{peerErr: unix.ENOTCONN})
	reg := n.thread.reg
	r := newRecord(15)
	r.set(flagAsyncConnect, true)
	n.add(r, EventConnect|eventsStream)

	// e.g. reported for a fresh socket, before connect is called
	n.handleReadiness(readiness{fd: 15, ev: rawOut | rawHup})
	assert.False(t, signaled(reg))

	reg.mu.Lock()
	defer reg.mu.Unlock()
	assert.True(t, r.has(flagAsyncConnect))
	assert.Equal(t, Events(0), r.ready)
}

func TestNotifier_ConnectSucceeded(t *testing.T) {
	n := newIdleNotifier(t, &connAPI{})
	reg := n.thread.reg
	r := newRecord(16)
	r.set(flagAsyncConnect, true)
	n.add(r, EventConnect|eventsStream)

	n.handleReadiness(readiness{fd: 16, ev: rawOut | rawHup})
	assert.True(t, signaled(reg))

	reg.mu.Lock()
	defer reg.mu.Unlock()
	assert.False(t, r.has(flagAsyncConnect))
	assert.False(t, r.has(flagConnectFailed))
	assert.NoError(t, r.lastErr)
	assert.Equal(t, EventWrite, r.ready)
}

func TestNotifier_ConnectFailed(t *testing.T) {
	n := newIdleNotifier(t, &connAPI{soErr: unix.ECONNREFUSED})
	reg := n.thread.reg
	r := newRecord(17)
	r.set(flagAsyncConnect, true)
	n.add(r, EventConnect|eventsStream)

	n.handleReadiness(readiness{fd: 17, ev: rawOut | rawErr | rawHup})
	assert.True(t, signaled(reg))

	reg.mu.Lock()
	defer reg.mu.Unlock()
	assert.False(t, r.has(flagAsyncConnect))
	assert.True(t, r.has(flagConnectFailed))
	assert.ErrorIs(t, r.lastErr, unix.ECONNREFUSED)
	assert.Equal(t, EventRead|EventWrite|EventClose, r.ready)
}

func TestNotifier_CloseResetsAcceptCounter(t *testing.T) {
	n := newIdleNotifier(t, &connAPI{})
	reg := n.thread.reg
	r := newRecord(18)
	n.add(r, EventAccept|eventsStream)

	reg.mu.Lock()
	r.ready = EventAccept | EventWrite
	r.acceptPending = 2
	reg.mu.Unlock()

	n.handleReadiness(readiness{fd: 18, ev: rawHup})

	reg.mu.Lock()
	defer reg.mu.Unlock()
	assert.Equal(t, 0, r.acceptPending)
	assert.Equal(t, EventClose, r.ready)
}
