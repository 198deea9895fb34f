//go:build linux || darwin

package socknotify

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats are cumulative counters, for a single Thread.
type Stats struct {
	// Notifications is the number of readiness reports received from the OS.
	Notifications uint64
	// Wakeups is the number of reports that changed a record, waking the loop.
	Wakeups uint64
	// Queued is the number of events queued to the loop.
	Queued uint64
	// Dispatched is the number of queued events delivered to a channel.
	Dispatched uint64
	// Discarded is the number of queued events dropped, as their socket
	// had been closed or moved.
	Discarded uint64
	// StaleProbes is the number of read readiness reports found stale.
	StaleProbes  uint64
	Accepts      uint64
	AcceptFails  uint64
	Subscribes   uint64
	Unsubscribes uint64
}

type statsCounters struct {
	notifications atomic.Uint64
	wakeups       atomic.Uint64
	queued        atomic.Uint64
	dispatched    atomic.Uint64
	discarded     atomic.Uint64
	staleProbes   atomic.Uint64
	accepts       atomic.Uint64
	acceptFails   atomic.Uint64
	subscribes    atomic.Uint64
	unsubscribes  atomic.Uint64
}

// Stats returns a snapshot of the thread's counters. It is safe to call
// from any goroutine.
func (t *Thread) Stats() Stats {
	c := &t.stats
	return Stats{
		Notifications: c.notifications.Load(),
		Wakeups:       c.wakeups.Load(),
		Queued:        c.queued.Load(),
		Dispatched:    c.dispatched.Load(),
		Discarded:     c.discarded.Load(),
		StaleProbes:   c.staleProbes.Load(),
		Accepts:       c.accepts.Load(),
		AcceptFails:   c.acceptFails.Load(),
		Subscribes:    c.subscribes.Load(),
		Unsubscribes:  c.unsubscribes.Load(),
	}
}

type collector struct {
	sockets *Sockets
	descs   []*prometheus.Desc
	open    *prometheus.Desc
}

// NewCollector returns a prometheus.Collector exporting the Stats of every
// live thread of s, labeled by loop ID.
func NewCollector(s *Sockets) prometheus.Collector {
	labels := []string{"loop"}
	counter := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("socknotify", "", name), help, labels, nil)
	}
	return &collector{
		sockets: s,
		descs: []*prometheus.Desc{
			counter("notifications_total", "Readiness reports received from the OS."),
			counter("wakeups_total", "Readiness reports that changed socket state."),
			counter("events_queued_total", "Socket events queued to the event loop."),
			counter("events_dispatched_total", "Socket events delivered to a channel."),
			counter("events_discarded_total", "Socket events dropped, as their socket was gone."),
			counter("stale_probes_total", "Read readiness reports found to be stale."),
			counter("accepts_total", "Connections accepted."),
			counter("accept_failures_total", "Failed accept attempts."),
			counter("subscribes_total", "Subscribe requests served by the notifier."),
			counter("unsubscribes_total", "Unsubscribe requests served by the notifier."),
		},
		open: prometheus.NewDesc(prometheus.BuildFQName("socknotify", "", "sockets"), "Sockets owned by the thread.", labels, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
	ch <- c.open
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, t := range c.sockets.Threads() {
		loop := strconv.FormatUint(t.loop.ID(), 10)
		s := t.Stats()
		for i, v := range [...]uint64{
			s.Notifications,
			s.Wakeups,
			s.Queued,
			s.Dispatched,
			s.Discarded,
			s.StaleProbes,
			s.Accepts,
			s.AcceptFails,
			s.Subscribes,
			s.Unsubscribes,
		} {
			ch <- prometheus.MustNewConstMetric(c.descs[i], prometheus.CounterValue, float64(v), loop)
		}
		ch <- prometheus.MustNewConstMetric(c.open, prometheus.GaugeValue, float64(t.Len()), loop)
	}
}
