//go:build linux || darwin

// Package wakefd implements a pollable, level-triggered wake-up descriptor,
// used to interrupt a blocking poll from another goroutine.
package wakefd

import (
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned by Signal after Close.
var ErrClosed = errors.New("wakefd: closed")

// FD is a wake-up descriptor. Signal may be called from any goroutine,
// Drain only from the goroutine that polls the read end.
type FD struct {
	// mu prevents writes racing with Close, which could otherwise land on
	// a reused descriptor
	mu      sync.RWMutex
	r       int
	w       int
	pending atomic.Uint32
	closed  bool
}

// New creates a wake-up descriptor (an eventfd on Linux, a self-pipe
// elsewhere). Both ends are non-blocking and close-on-exec.
func New() (*FD, error) {
	r, w, err := createWakeFd()
	if err != nil {
		return nil, err
	}
	return &FD{r: r, w: w}, nil
}

// Fd returns the descriptor to poll for readability.
func (x *FD) Fd() int { return x.r }

// Signal makes the read end readable. Repeated signals before the next
// Drain are coalesced into a single write.
func (x *FD) Signal() error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return ErrClosed
	}
	if !x.pending.CompareAndSwap(0, 1) {
		return nil
	}

	// native endianness, eventfd wants a uint64 and a pipe doesn't care
	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]

	_, err := unix.Write(x.w, buf)
	if err == unix.EAGAIN {
		// counter or pipe already saturated, the reader will wake anyway
		err = nil
	}
	if err != nil {
		x.pending.Store(0)
	}
	return err
}

// Drain consumes all pending signals. The pending flag is reset before
// reading, so a Signal racing with Drain is either consumed here or
// produces a fresh wake-up.
func (x *FD) Drain() {
	x.pending.Store(0)
	var buf [64]byte
	for {
		if _, err := unix.Read(x.r, buf[:]); err != nil {
			return
		}
	}
}

// Close closes both ends. It is safe to call more than once.
func (x *FD) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	err := unix.Close(x.r)
	if x.w != x.r {
		if e := unix.Close(x.w); err == nil {
			err = e
		}
	}
	return err
}
