//go:build linux || darwin

package eventloop

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	setup   atomic.Int32
	check   atomic.Int32
	pending atomic.Bool
	onCheck func(l *Loop)
}

func (s *countingSource) Setup(l *Loop) {
	s.setup.Add(1)
	if s.pending.Load() {
		l.SetMaxBlockTime(0)
	}
}

func (s *countingSource) Check(l *Loop) {
	s.check.Add(1)
	if s.onCheck != nil {
		s.onCheck(l)
	}
}

func TestQueueEvent_FIFO(t *testing.T) {
	loop := startLoop(t)

	var (
		mu  sync.Mutex
		got []int
	)
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		loop.QueueEvent(EventFunc(func(*Loop) {
			mu.Lock()
			got = append(got, i)
			n := len(got)
			mu.Unlock()
			if n == 5 {
				close(done)
			}
		}))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("events not dispatched")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestServiceEvents_SnapshotOnly(t *testing.T) {
	loop := startLoop(t)

	var first, second atomic.Int32
	var n int
	onLoop(t, loop, func() {
		loop.QueueEvent(EventFunc(func(l *Loop) {
			first.Add(1)
			l.QueueEvent(EventFunc(func(*Loop) { second.Add(1) }))
		}))
		n = loop.ServiceEvents()
	})

	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), first.Load())

	require.Eventually(t, func() bool { return second.Load() == 1 }, 5*time.Second, time.Millisecond)
}

func TestEventSource_SetupCheck(t *testing.T) {
	loop := startLoop(t)

	src := &countingSource{}
	checked := make(chan struct{}, 1)
	src.onCheck = func(*Loop) {
		select {
		case checked <- struct{}{}:
		default:
		}
	}
	loop.AddEventSource(src)

	require.NoError(t, loop.Wake())
	select {
	case <-checked:
	case <-time.After(5 * time.Second):
		t.Fatal("source not checked")
	}
	require.Eventually(t, func() bool { return src.setup.Load() >= 1 }, 5*time.Second, time.Millisecond)

	assert.True(t, loop.RemoveEventSource(src))
	assert.False(t, loop.RemoveEventSource(src))
}

func TestEventSource_AddedWhileSleeping(t *testing.T) {
	loop := startLoop(t, WithMaxBlockTime(time.Hour))
	waitLoopState(t, loop, StateSleeping, time.Second)

	checked := make(chan struct{})
	var once sync.Once
	src := &countingSource{onCheck: func(*Loop) { once.Do(func() { close(checked) }) }}

	// the registration wake is the only one, nothing else ends the poll
	loop.AddEventSource(src)

	select {
	case <-checked:
	case <-time.After(2 * time.Second):
		t.Fatal("source added while sleeping was not checked on wake")
	}
	assert.GreaterOrEqual(t, src.check.Load(), int32(1))
}

func TestSetMaxBlockTime_ZeroWait(t *testing.T) {
	loop := startLoop(t, WithMaxBlockTime(time.Hour))

	src := &countingSource{}
	src.pending.Store(true)
	loop.AddEventSource(src)

	// without zero-wait polling, the loop would block for an hour after the
	// first tick, so only a couple of checks could ever happen
	require.Eventually(t, func() bool { return src.check.Load() > 10 }, 5*time.Second, time.Millisecond)

	src.pending.Store(false)
	onLoop(t, loop, func() { loop.RemoveEventSource(src) })
}

func TestCalculateTimeout(t *testing.T) {
	loop, err := New(WithMaxBlockTime(time.Second))
	require.NoError(t, err)
	defer loop.Close()

	assert.Equal(t, time.Second, loop.calculateTimeout())

	loop.SetMaxBlockTime(50 * time.Millisecond)
	loop.SetMaxBlockTime(200 * time.Millisecond)
	assert.Equal(t, 50*time.Millisecond, loop.calculateTimeout())
	// consumed
	assert.Equal(t, time.Second, loop.calculateTimeout())

	loop.SetMaxBlockTime(-time.Second)
	assert.Equal(t, time.Duration(0), loop.calculateTimeout())

	loop.QueueEvent(EventFunc(func(*Loop) {}))
	assert.Equal(t, time.Duration(0), loop.calculateTimeout())
}

func TestScheduleTimer_Order(t *testing.T) {
	loop := startLoop(t)

	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan struct{})
	add := func(s string) func() {
		return func() {
			mu.Lock()
			got = append(got, s)
			n := len(got)
			mu.Unlock()
			if n == 3 {
				close(done)
			}
		}
	}

	require.NoError(t, loop.ScheduleTimer(30*time.Millisecond, add("c")))
	require.NoError(t, loop.ScheduleTimer(10*time.Millisecond, add("b")))
	require.NoError(t, loop.ScheduleTimer(0, add("a")))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timers did not fire")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestIsLoopThread(t *testing.T) {
	loop := startLoop(t)
	assert.False(t, loop.IsLoopThread())
	var inside bool
	onLoop(t, loop, func() { inside = loop.IsLoopThread() })
	assert.True(t, inside)
}

func TestSafeExecute_PanicLogged(t *testing.T) {
	var buf syncBuffer
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(&buf), stumpy.WithTimeField(``)),
	).Logger()

	loop := startLoop(t, WithLogger(logger))

	require.NoError(t, loop.Submit(func() { panic(errors.New("boom")) }))
	// the loop survives
	var ran bool
	onLoop(t, loop, func() { ran = true })
	assert.True(t, ran)

	out := buf.String()
	assert.Contains(t, out, `"msg":"eventloop: recovered panic"`)
	assert.Contains(t, out, `task panicked: boom`)
}

func TestPanicError_Unwrap(t *testing.T) {
	cause := errors.New("cause")
	err := error(PanicError{Value: cause, Where: "event"})
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "eventloop: event panicked: cause", err.Error())
	assert.NoError(t, PanicError{Value: 1}.Unwrap())
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
