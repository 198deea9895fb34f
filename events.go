package socknotify

import (
	"strings"
)

// Events is a set of readiness kinds.
type Events uint8

const (
	// EventRead indicates data, or end of stream, can be read.
	EventRead Events = 1 << iota
	// EventWrite indicates data can be written.
	EventWrite
	// EventAccept indicates a listener has at least one pending connection.
	EventAccept
	// EventConnect indicates an outstanding connect has resolved.
	EventConnect
	// EventClose indicates the remote end has gone away. It is terminal.
	EventClose
)

// eventsStream is the subscription used for connected sockets.
const eventsStream = EventRead | EventWrite | EventClose

func (e Events) String() string {
	if e == 0 {
		return "none"
	}
	var names []string
	for _, v := range [...]struct {
		bit  Events
		name string
	}{
		{EventRead, "read"},
		{EventWrite, "write"},
		{EventAccept, "accept"},
		{EventConnect, "connect"},
		{EventClose, "close"},
	} {
		if e&v.bit != 0 {
			names = append(names, v.name)
		}
	}
	return strings.Join(names, "|")
}

// Mask is the generic readable/writable interest, as used by channel
// handlers.
type Mask uint8

const (
	Readable Mask = 1 << iota
	Writable
)

func (m Mask) String() string {
	switch m {
	case 0:
		return "none"
	case Readable:
		return "readable"
	case Writable:
		return "writable"
	case Readable | Writable:
		return "readable|writable"
	default:
		return "invalid"
	}
}

// watchEvents translates a generic interest mask into the readiness kinds
// that satisfy it.
func watchEvents(m Mask) Events {
	var e Events
	if m&Readable != 0 {
		e |= EventRead | EventClose | EventAccept
	}
	if m&Writable != 0 {
		e |= EventWrite | EventConnect
	}
	return e
}

// needsZeroWait reports whether a loop should poll without blocking, given
// a record's ready and watch sets.
func needsZeroWait(ready, watch Events) bool {
	return ready&watch != 0
}
