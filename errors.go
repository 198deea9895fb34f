package socknotify

import (
	"errors"
)

var (
	// ErrUnavailable is returned by every entry point of a Thread whose
	// notifier could not be started, or which has been torn down.
	ErrUnavailable = errors.New("socknotify: sockets unavailable")

	// ErrWouldBlock is returned by non-blocking reads and writes that cannot
	// make progress, including while an asynchronous connect is pending.
	ErrWouldBlock = errors.New("socknotify: operation would block")

	// ErrClosed is returned by operations on a closed channel.
	ErrClosed = errors.New("socknotify: channel closed")

	// ErrDetached is returned by I/O on a channel that has been detached
	// from its thread, and not yet attached to another.
	ErrDetached = errors.New("socknotify: channel detached")

	// ErrNotListener is returned by listener-only operations on a channel
	// that is not listening.
	ErrNotListener = errors.New("socknotify: channel is not a listener")

	// ErrUnknownOption is returned by Option and SetOption, for names that
	// are not supported.
	ErrUnknownOption = errors.New("socknotify: unknown option")
)

// OpError is the error type returned for hard OS failures.
// Err is typically a [syscall.Errno], so errors.Is against values like
// syscall.ECONNREFUSED is portable.
type OpError struct {
	// Err is the underlying error.
	Err error
	// Op is the operation, e.g. "read", "write", "dial", "listen".
	Op string
	// Channel is the channel name, if one had been assigned.
	Channel string
}

func (e *OpError) Error() string {
	if e.Channel == "" {
		return "socknotify: " + e.Op + ": " + e.Err.Error()
	}
	return "socknotify: " + e.Op + " " + e.Channel + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error { return e.Err }
