//go:build linux || darwin

package socknotify

import (
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// SocketAPI is the set of OS socket operations used by this package. One
// implementation is chosen per Sockets, see [WithSocketAPI], and is
// otherwise selected for the target OS.
//
// All descriptors returned by Socket and Accept must be close-on-exec.
// Accept must return non-blocking descriptors.
type SocketAPI interface {
	// Socket creates a TCP socket for the given domain (unix.AF_INET or
	// unix.AF_INET6).
	Socket(domain int, nonblock bool) (int, error)
	SetNonblock(fd int, nonblock bool) error
	Bind(fd int, sa unix.Sockaddr) error
	Listen(fd int, backlog int) error
	Connect(fd int, sa unix.Sockaddr) error
	Accept(fd int) (int, unix.Sockaddr, error)
	// Recv receives into p, flags are passed through (e.g. unix.MSG_PEEK).
	Recv(fd int, p []byte, flags int) (int, error)
	Send(fd int, p []byte) (int, error)
	Close(fd int) error
	// SocketError reads and clears SO_ERROR, returning nil if it was zero.
	SocketError(fd int) error
	Getsockname(fd int) (unix.Sockaddr, error)
	Getpeername(fd int) (unix.Sockaddr, error)
	GetsockoptInt(fd, level, opt int) (int, error)
	SetsockoptInt(fd, level, opt, value int) error
}

// unixSocketAPI implements the parts of SocketAPI common to all unix
// targets, see sysapi_linux.go and sysapi_darwin.go for the rest.
type unixSocketAPI struct{}

func (unixSocketAPI) SetNonblock(fd int, nonblock bool) error { return unix.SetNonblock(fd, nonblock) }

func (unixSocketAPI) Bind(fd int, sa unix.Sockaddr) error { return unix.Bind(fd, sa) }

func (unixSocketAPI) Listen(fd int, backlog int) error { return unix.Listen(fd, backlog) }

func (unixSocketAPI) Connect(fd int, sa unix.Sockaddr) error { return unix.Connect(fd, sa) }

func (unixSocketAPI) Recv(fd int, p []byte, flags int) (int, error) {
	n, _, err := unix.Recvfrom(fd, p, flags)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (unixSocketAPI) Close(fd int) error { return unix.Close(fd) }

func (unixSocketAPI) SocketError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

func (unixSocketAPI) Getsockname(fd int) (unix.Sockaddr, error) { return unix.Getsockname(fd) }

func (unixSocketAPI) Getpeername(fd int) (unix.Sockaddr, error) { return unix.Getpeername(fd) }

func (unixSocketAPI) GetsockoptInt(fd, level, opt int) (int, error) {
	return unix.GetsockoptInt(fd, level, opt)
}

func (unixSocketAPI) SetsockoptInt(fd, level, opt, value int) error {
	return unix.SetsockoptInt(fd, level, opt, value)
}

// sockaddrFromAddrPort converts a numeric address to its OS form, and the
// socket domain to use for it.
func sockaddrFromAddrPort(ap netip.AddrPort) (unix.Sockaddr, int, error) {
	if !ap.IsValid() {
		return nil, 0, fmt.Errorf("socknotify: invalid address %v", ap)
	}
	addr := ap.Addr()
	if addr.Is4() || addr.Is4In6() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.Unmap().As4()}, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}
	if zone := addr.Zone(); zone != "" {
		if iface, err := netInterfaceIndex(zone); err == nil {
			sa.ZoneId = uint32(iface)
		}
	}
	return sa, unix.AF_INET6, nil
}

// addrPortFromSockaddr converts an OS address, returning the zero value
// for unsupported families.
func addrPortFromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		addr := netip.AddrFrom16(sa.Addr)
		if sa.ZoneId != 0 {
			if name, err := netInterfaceName(int(sa.ZoneId)); err == nil {
				addr = addr.WithZone(name)
			}
		}
		return netip.AddrPortFrom(addr, uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}

func netInterfaceIndex(name string) (int, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, err
	}
	return iface.Index, nil
}

func netInterfaceName(index int) (string, error) {
	iface, err := net.InterfaceByIndex(index)
	if err != nil {
		return "", err
	}
	return iface.Name, nil
}
