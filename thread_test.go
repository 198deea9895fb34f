//go:build linux || darwin

package socknotify

import (
	"context"
	"testing"
	"time"

	"github.com/joeycumines/go-socknotify/eventloop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSockets_ThreadPerLoop(t *testing.T) {
	env := newTestEnv(t)

	again, err := env.sockets.Thread(env.loop)
	require.NoError(t, err)
	assert.Same(t, env.thread, again)
	assert.Same(t, env.loop, again.Loop())

	other := startEnv(t, env.sockets)
	assert.NotSame(t, env.thread, other.thread)

	threads := env.sockets.Threads()
	require.Len(t, threads, 2)
	assert.Less(t, threads[0].Loop().ID(), threads[1].Loop().ID())

	_, err = env.sockets.Thread(nil)
	assert.Error(t, err)
}

func TestSockets_ForgetsThreadOnLoopExit(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.loop.Shutdown(ctx))

	assert.Empty(t, env.sockets.Threads())
	assert.False(t, env.thread.available())

	select {
	case <-env.thread.done:
	default:
		t.Fatal("expected teardown to close done")
	}
}

func TestSockets_CloseMakesUnavailable(t *testing.T) {
	env := newTestEnv(t)
	client, _ := dialPair(t, env)

	require.NoError(t, env.sockets.Close())

	_, err := env.sockets.Thread(env.loop)
	assert.ErrorIs(t, err, ErrUnavailable)

	var dialErr, readErr, watchErr, closeErr error
	env.do(t, func() {
		_, dialErr = env.thread.Dial(loopback(1))
		_, readErr = client.Read(make([]byte, 1))
		watchErr = client.Watch(Readable)
		closeErr = client.Close()
	})
	assert.ErrorIs(t, dialErr, ErrUnavailable)
	assert.ErrorIs(t, readErr, ErrUnavailable)
	assert.ErrorIs(t, watchErr, ErrUnavailable)
	// the descriptor is still released
	assert.NoError(t, closeErr)
	assert.Equal(t, ConnClosed, client.State())
}

func TestThread_TeardownReleasesBlockedRead(t *testing.T) {
	env := newTestEnv(t)
	_, server := dialPair(t, env)

	result := make(chan error, 1)
	require.NoError(t, env.loop.Submit(func() {
		_, err := server.Read(make([]byte, 1))
		result <- err
	}))

	// the read blocks the loop, so tear down from here
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, env.thread.Close())

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrUnavailable)
	case <-time.After(10 * time.Second):
		t.Fatal("blocked read was not released")
	}

	closes := env.api.closes.Load()
	var err error
	env.do(t, func() { err = server.Close() })
	assert.NoError(t, err)
	assert.Equal(t, closes+1, env.api.closes.Load())
}

func TestThread_LazyNotifierStart(t *testing.T) {
	sockets, err := New(WithLogger(testLogger(t)))
	require.NoError(t, err)
	defer sockets.Close()

	loop, err := eventloop.New()
	require.NoError(t, err)
	defer loop.Close()

	thread, err := sockets.Thread(loop)
	require.NoError(t, err)
	assert.Nil(t, thread.notifier)
	assert.Zero(t, thread.Len())

	// not running, but ensure does not require the loop to be
	require.NoError(t, thread.ensure())
	assert.NotNil(t, thread.notifier)
	require.NoError(t, thread.Close())
	assert.ErrorIs(t, thread.ensure(), ErrUnavailable)
}

func TestThread_ChannelNameLookupRejectsMalformed(t *testing.T) {
	env := newTestEnv(t)
	for _, name := range []string{"", "sock", "sock-1", "sockx", "file3", "sock99999"} {
		_, ok := env.thread.Channel(name)
		assert.False(t, ok, name)
	}
}
