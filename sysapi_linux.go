package socknotify

import (
	"golang.org/x/sys/unix"
)

// linuxSocketAPI uses the atomic flag variants of socket and accept.
type linuxSocketAPI struct{ unixSocketAPI }

// DefaultSocketAPI returns the SocketAPI for the target OS.
func DefaultSocketAPI() SocketAPI { return linuxSocketAPI{} }

func (linuxSocketAPI) Socket(domain int, nonblock bool) (int, error) {
	typ := unix.SOCK_STREAM | unix.SOCK_CLOEXEC
	if nonblock {
		typ |= unix.SOCK_NONBLOCK
	}
	return unix.Socket(domain, typ, unix.IPPROTO_TCP)
}

func (linuxSocketAPI) Accept(fd int) (int, unix.Sockaddr, error) {
	return unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
}

func (linuxSocketAPI) Send(fd int, p []byte) (int, error) {
	return unix.SendmsgN(fd, p, nil, nil, unix.MSG_NOSIGNAL)
}
