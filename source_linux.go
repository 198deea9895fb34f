package socknotify

import (
	"golang.org/x/sys/unix"
)

// epollSource manages readiness via edge-triggered epoll.
type epollSource struct {
	eventBuf [256]unix.EpollEvent
	epfd     int
}

// newReadinessSource creates the epoll instance, registering wake as a
// level-triggered control descriptor.
func newReadinessSource(wake int) (readinessSource, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wake, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wake),
	}); err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	return &epollSource{epfd: epfd}, nil
}

func (s *epollSource) subscribe(fd int, interest Events, registered bool) error {
	op := unix.EPOLL_CTL_ADD
	if registered {
		op = unix.EPOLL_CTL_MOD
	}
	return unix.EpollCtl(s.epfd, op, fd, &unix.EpollEvent{
		Events: eventsToEpoll(interest),
		Fd:     int32(fd),
	})
}

func (s *epollSource) unsubscribe(fd int) error {
	return unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (s *epollSource) wait(buf []readiness) ([]readiness, error) {
	n, err := unix.EpollWait(s.epfd, s.eventBuf[:], -1)
	if err != nil {
		if err == unix.EINTR {
			return buf, nil
		}
		return buf, err
	}
	for i := 0; i < n; i++ {
		buf = append(buf, readiness{
			fd: int(s.eventBuf[i].Fd),
			ev: epollToRaw(s.eventBuf[i].Events),
		})
	}
	return buf, nil
}

func (s *epollSource) close() error {
	return unix.Close(s.epfd)
}

// eventsToEpoll converts an interest set to epoll event flags.
func eventsToEpoll(events Events) uint32 {
	epollEvents := uint32(unix.EPOLLET)
	if events&(EventRead|EventAccept) != 0 {
		epollEvents |= unix.EPOLLIN
	}
	if events&(EventWrite|EventConnect) != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	if events&(EventRead|EventClose) != 0 {
		epollEvents |= unix.EPOLLRDHUP
	}
	return epollEvents
}

// epollToRaw converts epoll event flags to rawEvents.
func epollToRaw(epollEvents uint32) rawEvents {
	var events rawEvents
	if epollEvents&unix.EPOLLIN != 0 {
		events |= rawIn
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= rawOut
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= rawErr
	}
	if epollEvents&unix.EPOLLHUP != 0 {
		events |= rawHup
	}
	if epollEvents&unix.EPOLLRDHUP != 0 {
		events |= rawRdHup
	}
	return events
}
