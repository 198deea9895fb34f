//go:build linux || darwin

package socknotify

import (
	"fmt"
	"strconv"

	"golang.org/x/sys/unix"
)

// Channel option names, for Option and SetOption.
const (
	// OptError is the pending error, read-only. Reading it clears it.
	OptError = "-error"
	// OptSockname is the local address, read-only.
	OptSockname = "-sockname"
	// OptPeername is the peer address, read-only.
	OptPeername = "-peername"
	// OptConnecting is "1" while a connect is outstanding, read-only.
	OptConnecting = "-connecting"
	// OptKeepalive is SO_KEEPALIVE, as "0" or "1".
	OptKeepalive = "-keepalive"
	// OptNodelay is TCP_NODELAY, as "0" or "1".
	OptNodelay = "-nodelay"
)

// OptionNames lists the supported channel options.
func OptionNames() []string {
	return []string{OptConnecting, OptError, OptKeepalive, OptNodelay, OptPeername, OptSockname}
}

// Option returns the value of the named option.
func (c *Channel) Option(name string) (string, error) {
	r := c.rec
	if r == nil {
		return "", ErrClosed
	}

	switch name {
	case OptError:
		reg := c.registry()
		reg.mu.Lock()
		err := r.lastErr
		r.lastErr = nil
		reg.mu.Unlock()
		if err == nil {
			err = c.api.SocketError(r.fd)
		}
		if err == nil {
			return "", nil
		}
		return err.Error(), nil

	case OptSockname:
		if addr := c.LocalAddr(); addr.IsValid() {
			return addr.String(), nil
		}
		return "", nil

	case OptPeername:
		if addr := c.RemoteAddr(); addr.IsValid() {
			return addr.String(), nil
		}
		return "", nil

	case OptConnecting:
		return formatBool(c.State() == ConnConnecting), nil

	case OptKeepalive:
		return c.getBool(name, unix.SOL_SOCKET, unix.SO_KEEPALIVE)

	case OptNodelay:
		return c.getBool(name, unix.IPPROTO_TCP, unix.TCP_NODELAY)

	default:
		return "", fmt.Errorf("%w %q", ErrUnknownOption, name)
	}
}

// SetOption sets the named option. Only -keepalive and -nodelay are
// writable.
func (c *Channel) SetOption(name, value string) error {
	r := c.rec
	if r == nil {
		return ErrClosed
	}

	var level, opt int
	switch name {
	case OptKeepalive:
		level, opt = unix.SOL_SOCKET, unix.SO_KEEPALIVE
	case OptNodelay:
		level, opt = unix.IPPROTO_TCP, unix.TCP_NODELAY
	case OptError, OptSockname, OptPeername, OptConnecting:
		return fmt.Errorf("socknotify: option %q is read-only", name)
	default:
		return fmt.Errorf("%w %q", ErrUnknownOption, name)
	}

	v, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("socknotify: option %q: %w", name, err)
	}
	var iv int
	if v {
		iv = 1
	}
	if err := c.api.SetsockoptInt(r.fd, level, opt, iv); err != nil {
		return &OpError{Op: "setsockopt", Channel: c.name, Err: err}
	}
	return nil
}

func (c *Channel) getBool(name string, level, opt int) (string, error) {
	v, err := c.api.GetsockoptInt(c.rec.fd, level, opt)
	if err != nil {
		return "", &OpError{Op: "getsockopt " + name, Channel: c.name, Err: err}
	}
	return formatBool(v != 0), nil
}

func formatBool(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
