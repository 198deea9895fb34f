package eventloop

import (
	"errors"
	"time"

	"github.com/joeycumines/logiface"
)

// DefaultMaxBlockTime is the longest the loop will block in a single poll,
// if not configured otherwise.
const DefaultMaxBlockTime = 10 * time.Second

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	logger       *logiface.Logger[logiface.Event]
	maxBlockTime time.Duration
}

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithLogger configures structured logging, e.g. of recovered panics.
// A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithMaxBlockTime caps how long a single poll may block, in the absence of
// timers or wake-ups. Defaults to DefaultMaxBlockTime.
func WithMaxBlockTime(d time.Duration) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if d <= 0 {
			return errors.New("eventloop: max block time must be positive")
		}
		opts.maxBlockTime = d
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		maxBlockTime: DefaultMaxBlockTime,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
