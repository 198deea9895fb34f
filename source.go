//go:build linux || darwin

package socknotify

// rawEvents are native readiness flags, normalized across epoll and kqueue.
type rawEvents uint8

const (
	rawIn rawEvents = 1 << iota
	rawOut
	rawErr
	rawHup
	rawRdHup
)

// readiness is a single report from a readinessSource.
type readiness struct {
	fd int
	ev rawEvents
}

// readinessSource is the native, edge-triggered readiness mechanism. It is
// only used from the notifier goroutine, which is locked to its OS thread.
//
// Subscribing a descriptor that is already registered modifies it. Both
// forms re-arm edge reporting, so readiness that already holds is reported
// again.
type readinessSource interface {
	subscribe(fd int, interest Events, registered bool) error
	unsubscribe(fd int) error
	// wait blocks until at least one report is available, appending to
	// buf. Reports for the wake descriptor are included.
	wait(buf []readiness) ([]readiness, error)
	close() error
}
