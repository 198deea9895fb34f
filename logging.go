//go:build linux || darwin

package socknotify

import (
	"github.com/joeycumines/logiface"
)

// warn returns a warning-level builder for category, or nil if the logger
// is disabled, or the category is currently rate limited.
func (t *Thread) warn(category string) *logiface.Builder[logiface.Event] {
	b := t.logger.Warning()
	if b == nil {
		return nil
	}
	if _, ok := t.limiter.Allow(category); !ok {
		b.Release()
		return nil
	}
	return b.Str("category", category).Uint64("loop", t.loop.ID())
}
