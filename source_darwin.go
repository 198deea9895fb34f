package socknotify

import (
	"golang.org/x/sys/unix"
)

// kqueueSource manages readiness via EV_CLEAR (edge-triggered) kqueue
// filters.
type kqueueSource struct {
	eventBuf [256]unix.Kevent_t
	filters  map[int]Events
	kq       int
}

// newReadinessSource creates the kqueue, registering wake as a
// level-triggered control descriptor.
func newReadinessSource(wake int) (readinessSource, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	var ev unix.Kevent_t
	unix.SetKevent(&ev, wake, unix.EVFILT_READ, unix.EV_ADD|unix.EV_ENABLE)
	if _, err := unix.Kevent(kq, []unix.Kevent_t{ev}, nil, nil); err != nil {
		_ = unix.Close(kq)
		return nil, err
	}
	return &kqueueSource{kq: kq, filters: make(map[int]Events)}, nil
}

func (s *kqueueSource) subscribe(fd int, interest Events, registered bool) error {
	want := keventFilters(interest)
	if registered {
		// drop filters no longer wanted, ignoring errors for ones that
		// were never added
		if del := s.filters[fd] &^ want; del != 0 {
			_, _ = unix.Kevent(s.kq, filtersToKevents(fd, del, unix.EV_DELETE), nil, nil)
		}
	}
	s.filters[fd] = want
	if want == 0 {
		return nil
	}
	// EV_ADD on an existing knote re-evaluates it, re-arming the edge
	_, err := unix.Kevent(s.kq, filtersToKevents(fd, want, unix.EV_ADD|unix.EV_ENABLE|unix.EV_CLEAR), nil, nil)
	return err
}

func (s *kqueueSource) unsubscribe(fd int) error {
	filters := s.filters[fd]
	delete(s.filters, fd)
	if filters == 0 {
		return nil
	}
	_, err := unix.Kevent(s.kq, filtersToKevents(fd, filters, unix.EV_DELETE), nil, nil)
	return err
}

func (s *kqueueSource) wait(buf []readiness) ([]readiness, error) {
	n, err := unix.Kevent(s.kq, nil, s.eventBuf[:], nil)
	if err != nil {
		if err == unix.EINTR {
			return buf, nil
		}
		return buf, err
	}
	for i := 0; i < n; i++ {
		buf = append(buf, readiness{
			fd: int(s.eventBuf[i].Ident),
			ev: keventToRaw(&s.eventBuf[i]),
		})
	}
	return buf, nil
}

func (s *kqueueSource) close() error {
	return unix.Close(s.kq)
}

// keventFilters uses EventRead and EventWrite to stand for the read and
// write filters.
func keventFilters(events Events) Events {
	var filters Events
	if events&(EventRead|EventAccept|EventClose) != 0 {
		filters |= EventRead
	}
	if events&(EventWrite|EventConnect) != 0 {
		filters |= EventWrite
	}
	return filters
}

func filtersToKevents(fd int, filters Events, flags uint16) []unix.Kevent_t {
	var kevents []unix.Kevent_t
	if filters&EventRead != 0 {
		var ev unix.Kevent_t
		unix.SetKevent(&ev, fd, unix.EVFILT_READ, int(flags))
		kevents = append(kevents, ev)
	}
	if filters&EventWrite != 0 {
		var ev unix.Kevent_t
		unix.SetKevent(&ev, fd, unix.EVFILT_WRITE, int(flags))
		kevents = append(kevents, ev)
	}
	return kevents
}

// keventToRaw converts a kevent to rawEvents.
func keventToRaw(kev *unix.Kevent_t) rawEvents {
	var events rawEvents
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= rawIn
		if kev.Flags&unix.EV_EOF != 0 {
			events |= rawRdHup
		}
	case unix.EVFILT_WRITE:
		events |= rawOut
		if kev.Flags&unix.EV_EOF != 0 {
			events |= rawHup
		}
	}
	if kev.Flags&unix.EV_ERROR != 0 || (kev.Flags&unix.EV_EOF != 0 && kev.Fflags != 0) {
		events |= rawErr
	}
	return events
}
