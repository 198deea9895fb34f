//go:build linux || darwin

package socknotify

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-socknotify/eventloop"
	"github.com/joeycumines/logiface"
)

// Sockets maps event loops to their Thread, the per-owner socket context.
// A Thread is created on first use, and torn down when its loop exits.
type Sockets struct {
	opts    *options
	limiter *catrate.Limiter
	threads map[uint64]*Thread
	mu      sync.Mutex
	closed  bool
}

// New creates a Sockets, from the given options.
func New(opts ...Option) (*Sockets, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	if cfg.api == nil {
		cfg.api = DefaultSocketAPI()
	}
	s := &Sockets{
		opts:    cfg,
		threads: make(map[uint64]*Thread),
	}
	if len(cfg.warnRates) != 0 {
		s.limiter = catrate.NewLimiter(cfg.warnRates)
	}
	return s, nil
}

// Thread returns the context for the given loop, creating it if needed.
// The thread's notifier is started lazily, by the first socket operation.
func (s *Sockets) Thread(loop *eventloop.Loop) (*Thread, error) {
	if loop == nil {
		return nil, errors.New("socknotify: nil loop")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrUnavailable
	}

	if t, ok := s.threads[loop.ID()]; ok {
		return t, nil
	}

	t := &Thread{
		sockets: s,
		loop:    loop,
		api:     s.opts.api,
		logger:  s.opts.logger,
		limiter: s.limiter,
		backlog: s.opts.backlog,
		reg:     newRegistry(),
		done:    make(chan struct{}),
	}
	t.bridge = &bridge{t: t}

	if err := loop.OnExit(t.teardown); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	loop.AddEventSource(t.bridge)

	s.threads[loop.ID()] = t
	return t, nil
}

// Threads returns a snapshot of the live threads, ordered by loop ID.
func (s *Sockets) Threads() []*Thread {
	s.mu.Lock()
	threads := make([]*Thread, 0, len(s.threads))
	for _, t := range s.threads {
		threads = append(threads, t)
	}
	s.mu.Unlock()
	slices.SortFunc(threads, func(a, b *Thread) int {
		switch {
		case a.loop.ID() < b.loop.ID():
			return -1
		case a.loop.ID() > b.loop.ID():
			return 1
		default:
			return 0
		}
	})
	return threads
}

// Close tears down every thread, and prevents new ones being created.
// Open channels are not closed, but their I/O fails with ErrUnavailable.
func (s *Sockets) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	for _, t := range s.Threads() {
		t.teardown()
	}
	return nil
}

func (s *Sockets) forget(t *Thread) {
	s.mu.Lock()
	if s.threads[t.loop.ID()] == t {
		delete(s.threads, t.loop.ID())
	}
	s.mu.Unlock()
}

// Thread is the socket context of a single event loop: its registry of
// sockets, and the notifier goroutine that feeds it.
//
// Except where noted, methods of Thread, and of the channels it owns,
// must be called from the loop goroutine.
type Thread struct {
	sockets *Sockets
	loop    *eventloop.Loop
	api     SocketAPI
	logger  *logiface.Logger[logiface.Event]
	limiter *catrate.Limiter
	reg     *registry
	bridge  *bridge

	notifier *notifier
	initErr  error
	initOnce sync.Once

	// done is closed on teardown, releasing blocked I/O
	done         chan struct{}
	teardownOnce sync.Once
	disabled     atomic.Bool

	stats statsCounters

	backlog int
}

// Loop returns the owner loop.
func (t *Thread) Loop() *eventloop.Loop { return t.loop }

// ensure starts the notifier, on first use. A failure disables the thread
// permanently.
func (t *Thread) ensure() error {
	if t.disabled.Load() {
		return ErrUnavailable
	}
	t.initOnce.Do(func() {
		n, err := startNotifier(t)
		if err != nil {
			t.initErr = err
			t.disabled.Store(true)
			t.logger.Err().
				Err(err).
				Uint64("loop", t.loop.ID()).
				Log("socknotify: failed to start notifier, disabling sockets")
			return
		}
		t.notifier = n
	})
	if t.initErr != nil || t.disabled.Load() {
		return ErrUnavailable
	}
	return nil
}

// available reports whether the thread may be used.
func (t *Thread) available() bool {
	return !t.disabled.Load()
}

// disable latches the thread as unavailable. It is safe to call from any
// goroutine.
func (t *Thread) disable() {
	if !t.disabled.Swap(true) {
		// wake anything blocked waiting on readiness
		t.reg.signal()
		_ = t.loop.Wake()
	}
}

// Close tears down the thread, stopping its notifier. Channels owned by
// the thread remain open, until closed. Close is also called when the
// loop exits.
func (t *Thread) Close() error {
	t.teardown()
	return nil
}

func (t *Thread) teardown() {
	t.teardownOnce.Do(func() {
		t.disable()
		// prevent a later start
		t.initOnce.Do(func() { t.initErr = ErrUnavailable })
		if t.notifier != nil {
			t.notifier.terminate()
		}
		t.loop.RemoveEventSource(t.bridge)
		close(t.done)
		t.sockets.forget(t)
		t.logger.Debug().
			Uint64("loop", t.loop.ID()).
			Log("socknotify: thread torn down")
	})
}

// Channel returns the channel with the given name, of the form
// sock<descriptor>, if it is owned by this thread.
func (t *Thread) Channel(name string) (*Channel, bool) {
	fd, ok := strings.CutPrefix(name, channelNamePrefix)
	if !ok {
		return nil, false
	}
	v, err := strconv.Atoi(fd)
	if err != nil || v < 0 {
		return nil, false
	}
	t.reg.mu.Lock()
	r := t.reg.findLocked(v)
	t.reg.mu.Unlock()
	if r == nil {
		return nil, false
	}
	ch := r.channel.Value()
	return ch, ch != nil
}

// Len returns the number of sockets owned by the thread. It is safe to
// call from any goroutine.
func (t *Thread) Len() int {
	t.reg.mu.Lock()
	defer t.reg.mu.Unlock()
	n := 0
	for r := t.reg.head; r != nil; r = r.next {
		n++
	}
	if t.reg.pending != nil {
		n++
	}
	return n
}

// subscribe sets the subscription of r, and requests it from the notifier.
func (t *Thread) subscribe(r *record, interest Events) error {
	t.reg.mu.Lock()
	r.subscription = interest
	r.interest = interest
	t.reg.mu.Unlock()
	return t.notifier.request(opSubscribe, r.fd, interest)
}

// suspend removes the OS subscription of r, without changing what resume
// restores.
func (t *Thread) suspend(r *record) error {
	t.reg.mu.Lock()
	r.interest = 0
	t.reg.mu.Unlock()
	return t.notifier.request(opUnsubscribe, r.fd, 0)
}

// resume restores the OS subscription of r, re-arming edge reporting.
func (t *Thread) resume(r *record) error {
	t.reg.mu.Lock()
	if !r.has(flagAsyncConnect) {
		r.subscription &^= EventConnect
	}
	interest := r.subscription
	r.interest = interest
	t.reg.mu.Unlock()
	return t.notifier.request(opSubscribe, r.fd, interest)
}

// unsubscribe removes the OS subscription of r, and what resume restores.
func (t *Thread) unsubscribe(r *record) error {
	t.reg.mu.Lock()
	r.interest = 0
	r.subscription = 0
	t.reg.mu.Unlock()
	if t.notifier == nil {
		return ErrUnavailable
	}
	return t.notifier.request(opUnsubscribe, r.fd, 0)
}

// waitReady blocks until any of kinds is ready for r, or done returns
// true. It never busy-polls: it waits on the registry's wake signal.
func (t *Thread) waitReady(r *record, kinds Events, done func(r *record) bool) error {
	for {
		t.reg.mu.Lock()
		ok := r.ready&kinds != 0 || (done != nil && done(r))
		t.reg.mu.Unlock()
		if ok {
			return nil
		}
		if !t.available() {
			return ErrUnavailable
		}
		select {
		case <-t.reg.wake:
		case <-t.done:
			return ErrUnavailable
		}
	}
}
