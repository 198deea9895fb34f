//go:build linux || darwin

package socknotify

import (
	"context"
	"net/netip"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/go-socknotify/eventloop"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// countingAPI wraps a SocketAPI, counting calls.
type countingAPI struct {
	SocketAPI
	recvs  atomic.Int64
	sends  atomic.Int64
	peeks  atomic.Int64
	closes atomic.Int64
}

func newCountingAPI() *countingAPI {
	return &countingAPI{SocketAPI: DefaultSocketAPI()}
}

func (x *countingAPI) Recv(fd int, p []byte, flags int) (int, error) {
	if flags&unix.MSG_PEEK != 0 {
		x.peeks.Add(1)
	} else {
		x.recvs.Add(1)
	}
	return x.SocketAPI.Recv(fd, p, flags)
}

func (x *countingAPI) Send(fd int, p []byte) (int, error) {
	x.sends.Add(1)
	return x.SocketAPI.Send(fd, p)
}

func (x *countingAPI) Close(fd int) error {
	x.closes.Add(1)
	return x.SocketAPI.Close(fd)
}

// testWriter adapts testing.TB to io.Writer, for log output.
type testWriter struct{ tb testing.TB }

func (w testWriter) Write(p []byte) (int, error) {
	w.tb.Helper()
	w.tb.Logf("%s", p)
	return len(p), nil
}

func testLogger(tb testing.TB) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(testWriter{tb}), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(stumpy.L.LevelDebug()),
	).Logger()
}

// testEnv is a running loop, with its socket thread.
type testEnv struct {
	loop    *eventloop.Loop
	sockets *Sockets
	thread  *Thread
	api     *countingAPI
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	api := newCountingAPI()
	sockets, err := New(append([]Option{WithSocketAPI(api), WithLogger(testLogger(t))}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sockets.Close() })
	env := startEnv(t, sockets)
	env.api = api
	return env
}

// startEnv starts a loop, and creates its thread from sockets.
func startEnv(t *testing.T, sockets *Sockets) *testEnv {
	t.Helper()

	loop, err := eventloop.New(
		eventloop.WithMaxBlockTime(100*time.Millisecond),
		eventloop.WithLogger(testLogger(t)),
	)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- loop.Run(context.Background()) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = loop.Shutdown(ctx)
		select {
		case <-runErr:
		case <-ctx.Done():
			t.Error("timed out waiting for loop to stop")
		}
	})

	thread, err := sockets.Thread(loop)
	require.NoError(t, err)

	return &testEnv{loop: loop, sockets: sockets, thread: thread}
}

// do runs fn on the loop goroutine, and waits for it.
func (e *testEnv) do(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, e.loop.Submit(func() {
		defer close(done)
		fn()
	}))
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for loop task")
	}
}

// listen starts a listener on an ephemeral loopback port, sending accepted
// channels to the returned channel.
func (e *testEnv) listen(t *testing.T) (*Channel, <-chan acceptResult) {
	t.Helper()
	accepted := make(chan acceptResult, 16)
	var (
		ln  *Channel
		err error
	)
	// note: require must not be used on the loop goroutine
	e.do(t, func() {
		ln, err = e.thread.Listen(loopback(0), func(ch *Channel, peer netip.AddrPort) {
			accepted <- acceptResult{ch: ch, peer: peer}
		})
	})
	require.NoError(t, err)
	// unreachable channels are scavenged
	t.Cleanup(func() { runtime.KeepAlive(ln) })
	return ln, accepted
}

type acceptResult struct {
	ch   *Channel
	peer netip.AddrPort
}

func waitAccept(t *testing.T, accepted <-chan acceptResult) acceptResult {
	t.Helper()
	select {
	case v := <-accepted:
		return v
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for accept")
		panic("unreachable")
	}
}

func loopback(port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port)
}

// eventually polls cond from the test goroutine, unlike require.Eventually,
// so cond may use helpers that fail the test.
func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
