package socknotify

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// darwinSocketAPI emulates the flag variants of socket and accept, which
// darwin lacks, and suppresses SIGPIPE per socket.
type darwinSocketAPI struct{ unixSocketAPI }

// DefaultSocketAPI returns the SocketAPI for the target OS.
func DefaultSocketAPI() SocketAPI { return darwinSocketAPI{} }

func (darwinSocketAPI) Socket(domain int, nonblock bool) (int, error) {
	// no SOCK_CLOEXEC, hold ForkLock until the flag is set
	syscall.ForkLock.RLock()
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err == nil {
		unix.CloseOnExec(fd)
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return -1, err
	}
	if err := prepareDarwinSocket(fd, nonblock); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func (darwinSocketAPI) Accept(fd int) (int, unix.Sockaddr, error) {
	syscall.ForkLock.RLock()
	nfd, sa, err := unix.Accept(fd)
	if err == nil {
		unix.CloseOnExec(nfd)
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return -1, nil, err
	}
	if err := prepareDarwinSocket(nfd, true); err != nil {
		_ = unix.Close(nfd)
		return -1, nil, err
	}
	return nfd, sa, nil
}

func (darwinSocketAPI) Send(fd int, p []byte) (int, error) {
	return unix.SendmsgN(fd, p, nil, nil, 0)
}

func prepareDarwinSocket(fd int, nonblock bool) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_NOSIGPIPE, 1); err != nil {
		return err
	}
	if nonblock {
		return unix.SetNonblock(fd, true)
	}
	return nil
}
