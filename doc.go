// Package socknotify turns OS socket readiness into TCP channels, driven
// by a cooperative, single goroutine event loop (see package eventloop).
//
// # Architecture
//
// Each loop that uses sockets gets a [Thread], created on first use via
// [Sockets.Thread]. A Thread owns:
//   - a registry of socket records, guarded by a mutex, with a single
//     pending slot for a record that is not yet subscribed
//   - a notifier goroutine, locked to its OS thread, which owns an
//     edge-triggered readiness source (epoll, or kqueue) and applies
//     readiness to the registry, waking the loop when anything changed
//   - an event source registered with the loop, which requests zero-wait
//     polls while any record is ready for what it watches, and queues at
//     most one event per socket, tagged by descriptor
//
// Subscriptions are changed by request to the notifier, and the registry
// mutex is never held while waiting for one.
//
// # Channels
//
// [Channel] implements reads and writes in blocking or non-blocking mode.
// End of stream, including a connection reset by the peer, is reported as
// io.EOF. Would-block is reported as [ErrWouldBlock]. Other OS failures are
// reported as [*OpError].
//
// Channels are created by [Thread.Dial], [Thread.Listen], and by accepting
// connections. They may be moved between threads, see [Channel.Detach] and
// [Channel.Attach].
//
// # Example
//
//	loop, _ := eventloop.New()
//	sockets, _ := socknotify.New()
//	loop.Submit(func() {
//	    t, _ := sockets.Thread(loop)
//	    ch, _ := t.Dial(netip.MustParseAddrPort("127.0.0.1:8080"))
//	    ch.SetHandler(socknotify.HandlerFunc(func(ch *socknotify.Channel, mask socknotify.Mask) {
//	        // read from ch
//	    }))
//	    _ = ch.Watch(socknotify.Readable)
//	})
//	_ = loop.Run(context.Background())
package socknotify
