//go:build linux || darwin

package socknotify

import (
	"errors"
	"net/netip"
	"time"

	"github.com/joeycumines/logiface"
)

// DefaultListenBacklog is the listen backlog used if not configured.
const DefaultListenBacklog = 128

// defaultWarnRates limits each category of repeated warning.
var defaultWarnRates = map[time.Duration]int{
	time.Second: 1,
	time.Minute: 10,
}

// options holds configuration for Sockets.
type options struct {
	logger    *logiface.Logger[logiface.Event]
	api       SocketAPI
	warnRates map[time.Duration]int
	backlog   int
}

// Option configures Sockets.
type Option interface {
	apply(*options) error
}

type optionFunc func(*options) error

func (f optionFunc) apply(opts *options) error { return f(opts) }

// WithLogger configures structured logging. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return optionFunc(func(opts *options) error {
		opts.logger = logger
		return nil
	})
}

// WithSocketAPI replaces the OS socket API, e.g. to instrument it.
func WithSocketAPI(api SocketAPI) Option {
	return optionFunc(func(opts *options) error {
		if api == nil {
			return errors.New("socknotify: nil socket api")
		}
		opts.api = api
		return nil
	})
}

// WithListenBacklog sets the backlog passed to listen.
func WithListenBacklog(backlog int) Option {
	return optionFunc(func(opts *options) error {
		if backlog < 0 {
			return errors.New("socknotify: negative listen backlog")
		}
		opts.backlog = backlog
		return nil
	})
}

// WithWarnRates configures the rate limits applied per category of
// repeated warning, e.g. accept failures. See catrate.NewLimiter for the
// format. A nil or empty map disables rate limiting.
func WithWarnRates(rates map[time.Duration]int) Option {
	return optionFunc(func(opts *options) error {
		opts.warnRates = rates
		return nil
	})
}

func resolveOptions(opts []Option) (*options, error) {
	cfg := &options{
		warnRates: defaultWarnRates,
		backlog:   DefaultListenBacklog,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

type dialOptions struct {
	local netip.AddrPort
	async bool
}

// DialOption configures Thread.Dial.
type DialOption interface {
	applyDial(*dialOptions) error
}

type dialOptionFunc func(*dialOptions) error

func (f dialOptionFunc) applyDial(opts *dialOptions) error { return f(opts) }

// WithAsync makes Dial return without waiting for the connection to be
// established. The channel reports ConnConnecting until it resolves.
func WithAsync(async bool) DialOption {
	return dialOptionFunc(func(opts *dialOptions) error {
		opts.async = async
		return nil
	})
}

// WithLocalAddr binds the socket before connecting.
func WithLocalAddr(addr netip.AddrPort) DialOption {
	return dialOptionFunc(func(opts *dialOptions) error {
		if !addr.IsValid() {
			return errors.New("socknotify: invalid local address")
		}
		opts.local = addr
		return nil
	})
}

func resolveDialOptions(opts []DialOption) (*dialOptions, error) {
	cfg := &dialOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyDial(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
