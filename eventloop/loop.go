//go:build linux || darwin

package eventloop

import (
	"container/heap"
	"context"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/joeycumines/go-socknotify/internal/wakefd"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// EventSource integrates an external source of work with the loop.
//
// Setup is called before the loop blocks, and should call
// [Loop.SetMaxBlockTime] with zero if the source already has work. Check is
// called after the loop wakes, and should queue events for that work.
// Both run on the loop goroutine.
type EventSource interface {
	Setup(l *Loop)
	Check(l *Loop)
}

// Event is a unit of work queued via [Loop.QueueEvent], dispatched on the
// loop goroutine.
type Event interface {
	Dispatch(l *Loop)
}

// EventFunc implements Event.
type EventFunc func(l *Loop)

// Dispatch calls f(l).
func (f EventFunc) Dispatch(l *Loop) { f(l) }

// loopTestHooks provides injection points for deterministic testing.
type loopTestHooks struct {
	PrePollSleep func(timeout time.Duration) // called before blocking
	PrePollAwake func()                      // called after waking
}

// Loop is a cooperative event loop. Instances must be created using New.
type Loop struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	testHooks *loopTestHooks

	logger *logiface.Logger[logiface.Event]

	state loopState

	wake *wakefd.FD

	// mu guards everything below, up to timers
	mu           sync.Mutex
	tasks        []func()
	tasksBuf     []func()
	events       *queue.Queue
	sources      []EventSource
	exitHandlers []func()
	blockTime    time.Duration
	blockTimeSet bool

	// timers are only accessed on the loop goroutine
	timers timerHeap

	loopGoroutineID atomic.Uint64

	loopDone chan struct{}
	stopOnce sync.Once
	exitOnce sync.Once

	maxBlockTime time.Duration
	tickCount    uint64
	id           uint64
}

// timer represents a scheduled task
type timer struct {
	when time.Time
	fn   func()
}

// timerHeap is a min-heap of timers
type timerHeap []timer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(timer))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = timer{}
	*h = old[:n-1]
	return x
}

var loopIDCounter atomic.Uint64

// New creates a new event loop.
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	wake, err := wakefd.New()
	if err != nil {
		return nil, err
	}

	return &Loop{
		id:           loopIDCounter.Add(1),
		logger:       cfg.logger,
		maxBlockTime: cfg.maxBlockTime,
		wake:         wake,
		events:       queue.New(),
		loopDone:     make(chan struct{}),
	}, nil
}

// ID returns a process-unique identifier for the loop.
func (l *Loop) ID() uint64 { return l.id }

// State returns the current loop state.
func (l *Loop) State() LoopState { return l.state.Load() }

// Done returns a channel that is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.loopDone }

// Run runs the event loop and blocks until fully stopped, via Shutdown,
// Close, or ctx cancellation.
func (l *Loop) Run(ctx context.Context) error {
	if l.IsLoopThread() {
		return ErrReentrantRun
	}

	if !l.state.TryTransition(StateAwake, StateRunning) {
		if l.state.IsTerminal() {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}

	defer close(l.loopDone)

	return l.run(ctx)
}

// Shutdown requests termination, then waits for the loop to stop, or ctx
// to be canceled. Tasks already submitted are run before the loop stops.
//
// Only the first call to Shutdown or Close initiates termination, later
// calls return ErrLoopTerminated.
func (l *Loop) Shutdown(ctx context.Context) error {
	result := ErrLoopTerminated
	l.stopOnce.Do(func() {
		result = l.terminate()
	})
	if result != nil {
		return result
	}
	select {
	case <-l.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close requests termination without waiting.
func (l *Loop) Close() error {
	result := ErrLoopTerminated
	l.stopOnce.Do(func() {
		result = l.terminate()
	})
	return result
}

func (l *Loop) terminate() error {
	for {
		current := l.state.Load()
		switch current {
		case StateTerminated, StateTerminating:
			return ErrLoopTerminated
		}
		if l.state.TryTransition(current, StateTerminating) {
			if current == StateAwake {
				// never ran, nothing else will finish the job
				l.finish()
				close(l.loopDone)
				return nil
			}
			_ = l.wake.Signal()
			return nil
		}
	}
}

// run is the main loop goroutine.
func (l *Loop) run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.loopGoroutineID.Store(getGoroutineID())
	defer l.loopGoroutineID.Store(0)

	ctxDone := make(chan struct{})
	defer close(ctxDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = l.wake.Signal()
		case <-ctxDone:
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			for !l.state.IsTerminal() {
				current := l.state.Load()
				l.state.TryTransition(current, StateTerminating)
			}
			l.finish()
			return err
		}

		if l.state.IsTerminal() {
			l.finish()
			return nil
		}

		l.tick()
	}
}

// finish runs remaining tasks and exit handlers, then releases resources.
func (l *Loop) finish() {
	l.exitOnce.Do(func() {
		var handlers []func()
		for {
			l.runTasks()
			l.mu.Lock()
			if len(l.tasks) == 0 {
				l.state.Store(StateTerminated)
				handlers = l.exitHandlers
				l.exitHandlers = nil
				l.mu.Unlock()
				break
			}
			l.mu.Unlock()
		}

		// LIFO, like deferred calls
		for i := len(handlers) - 1; i >= 0; i-- {
			l.safeExecute("exit handler", handlers[i])
		}

		_ = l.wake.Close()
	})
}

// tick is a single iteration of the event loop.
func (l *Loop) tick() {
	l.tickCount++
	l.runTimers()
	l.runTasks()
	l.ServiceEvents()
	l.poll()
	l.ServiceEvents()
}

// poll runs the setup phase, blocks, then runs the check phase.
func (l *Loop) poll() {
	if l.state.Load() != StateRunning {
		return
	}

	sources := l.snapshotSources()
	for _, src := range sources {
		l.safeExecute("event source setup", func() { src.Setup(l) })
	}

	timeout := l.calculateTimeout()

	if l.testHooks != nil && l.testHooks.PrePollSleep != nil {
		l.testHooks.PrePollSleep(timeout)
	}

	if l.state.TryTransition(StateRunning, StateSleeping) {
		if err := l.wait(timeout); err != nil {
			l.logger.Crit().Err(err).Log("eventloop: poll failed, terminating loop")
			l.state.TryTransition(StateSleeping, StateTerminating)
			return
		}
		l.state.TryTransition(StateSleeping, StateRunning)
	}

	if l.testHooks != nil && l.testHooks.PrePollAwake != nil {
		l.testHooks.PrePollAwake()
	}

	// sources added while blocked signaled the wake that was just drained
	sources = l.snapshotSources()
	for _, src := range sources {
		l.safeExecute("event source check", func() { src.Check(l) })
	}
}

// wait blocks on the wake descriptor for up to timeout.
func (l *Loop) wait(timeout time.Duration) error {
	ms := int(timeout / time.Millisecond)
	if timeout > 0 && ms == 0 {
		// ceiling rounding, avoids spinning on sub-millisecond timers
		ms = 1
	}
	fds := []unix.PollFd{{Fd: int32(l.wake.Fd()), Events: unix.POLLIN}}
	if _, err := unix.Poll(fds, ms); err != nil && err != unix.EINTR {
		return err
	}
	l.wake.Drain()
	return nil
}

// calculateTimeout determines how long to block in poll, consuming any
// block time set via SetMaxBlockTime.
func (l *Loop) calculateTimeout() time.Duration {
	timeout := l.maxBlockTime

	l.mu.Lock()
	if l.blockTimeSet {
		timeout = min(timeout, l.blockTime)
		l.blockTimeSet = false
	}
	if len(l.tasks) != 0 || l.events.Length() != 0 {
		timeout = 0
	}
	l.mu.Unlock()

	if len(l.timers) > 0 {
		timeout = min(timeout, max(time.Until(l.timers[0].when), 0))
	}

	return timeout
}

// SetMaxBlockTime lowers the time the next poll may block. The lowest value
// set since the last poll wins. Called with zero, it forces the next poll
// to return immediately.
func (l *Loop) SetMaxBlockTime(d time.Duration) {
	d = max(d, 0)
	l.mu.Lock()
	if !l.blockTimeSet || d < l.blockTime {
		l.blockTime = d
		l.blockTimeSet = true
	}
	l.mu.Unlock()
	if !l.IsLoopThread() {
		_ = l.Wake()
	}
}

// Wake interrupts a blocked poll, or causes the next poll not to block.
// It is a no-op on a terminated loop.
func (l *Loop) Wake() error {
	if l.state.Load() == StateTerminated {
		return nil
	}
	if err := l.wake.Signal(); err != nil && err != wakefd.ErrClosed {
		return err
	}
	return nil
}

// Submit schedules fn to run on the loop goroutine.
func (l *Loop) Submit(fn func()) error {
	l.mu.Lock()
	if l.state.Load() == StateTerminated {
		l.mu.Unlock()
		return ErrLoopTerminated
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	return l.Wake()
}

// runTasks drains the submitted task queue.
func (l *Loop) runTasks() {
	for {
		l.mu.Lock()
		if len(l.tasks) == 0 {
			l.mu.Unlock()
			return
		}
		tasks := l.tasks
		l.tasks = l.tasksBuf[:0]
		l.tasksBuf = tasks[:0]
		l.mu.Unlock()

		for i, fn := range tasks {
			l.safeExecute("task", fn)
			tasks[i] = nil
		}
	}
}

// QueueEvent appends ev to the event queue, to be dispatched on the loop
// goroutine, in FIFO order.
func (l *Loop) QueueEvent(ev Event) {
	if ev == nil {
		return
	}
	l.mu.Lock()
	l.events.Add(ev)
	l.mu.Unlock()
	if !l.IsLoopThread() {
		_ = l.Wake()
	}
}

// ServiceEvents dispatches the events that were queued when it was called,
// returning the number dispatched. Events queued by those events are left
// for the next call. It must be called on the loop goroutine.
func (l *Loop) ServiceEvents() int {
	l.mu.Lock()
	n := l.events.Length()
	l.mu.Unlock()

	for i := 0; i < n; i++ {
		l.mu.Lock()
		ev := l.events.Remove().(Event)
		l.mu.Unlock()
		l.safeExecute("event", func() { ev.Dispatch(l) })
	}

	return n
}

// AddEventSource registers src. It is checked once the loop next wakes,
// and set up from the following poll.
func (l *Loop) AddEventSource(src EventSource) {
	l.mu.Lock()
	l.sources = append(l.sources, src)
	l.mu.Unlock()
	_ = l.Wake()
}

// RemoveEventSource deregisters src, returning false if it was not found.
func (l *Loop) RemoveEventSource(src EventSource) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := slices.Index(l.sources, src)
	if i < 0 {
		return false
	}
	l.sources = slices.Delete(slices.Clone(l.sources), i, i+1)
	return true
}

func (l *Loop) snapshotSources() []EventSource {
	l.mu.Lock()
	defer l.mu.Unlock()
	// sources is replaced, never modified in place, see RemoveEventSource
	return l.sources[:len(l.sources):len(l.sources)]
}

// OnExit registers fn to run on the loop goroutine when the loop stops,
// after remaining tasks. Handlers run in reverse order of registration.
func (l *Loop) OnExit(fn func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}
	l.exitHandlers = append(l.exitHandlers, fn)
	return nil
}

// ScheduleTimer schedules fn to run on the loop goroutine, after delay.
func (l *Loop) ScheduleTimer(delay time.Duration, fn func()) error {
	t := timer{
		when: time.Now().Add(delay),
		fn:   fn,
	}
	return l.Submit(func() {
		heap.Push(&l.timers, t)
	})
}

// runTimers executes all expired timers.
func (l *Loop) runTimers() {
	now := time.Now()
	for len(l.timers) > 0 {
		if l.timers[0].when.After(now) {
			break
		}
		t := heap.Pop(&l.timers).(timer)
		l.safeExecute("timer", t.fn)
	}
}

// safeExecute executes fn with panic recovery.
func (l *Loop) safeExecute(where string, fn func()) {
	if fn == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			l.logger.Err().
				Err(PanicError{Value: r, Where: where}).
				Uint64("loop", l.id).
				Log("eventloop: recovered panic")
		}
	}()

	fn()
}

// IsLoopThread reports whether the caller is running on the loop goroutine.
func (l *Loop) IsLoopThread() bool {
	loopID := l.loopGoroutineID.Load()
	if loopID == 0 {
		return false
	}
	return getGoroutineID() == loopID
}

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
