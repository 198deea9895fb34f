// Package eventloop provides the cooperative, single goroutine event loop
// that owns socknotify channels.
//
// # Architecture
//
// A [Loop] runs on one goroutine, locked to its OS thread. Each iteration
// (tick) it:
//  1. runs expired timers ([Loop.ScheduleTimer])
//  2. runs tasks submitted from other goroutines ([Loop.Submit])
//  3. dispatches queued events ([Loop.QueueEvent], [Loop.ServiceEvents])
//  4. calls [EventSource.Setup] on every registered source, which may
//     lower the block time via [Loop.SetMaxBlockTime]
//  5. blocks on its wake descriptor, until woken ([Loop.Wake]) or the block
//     time elapses
//  6. calls [EventSource.Check] on every source, which may queue events
//  7. dispatches queued events again
//
// Event sources follow the setup/check protocol of classic notifier based
// event loops: readiness may already be latched before the loop blocks, so
// a source that knows it has work requests a zero-wait poll from Setup,
// and converts that work into events from Check.
//
// # Thread Safety
//
// [Loop.Submit], [Loop.Wake], [Loop.QueueEvent], [Loop.SetMaxBlockTime],
// [Loop.AddEventSource] and [Loop.RemoveEventSource] are safe to call from
// any goroutine. Events, timers, tasks and exit handlers always run on the
// loop goroutine.
//
// # Usage
//
//	loop, err := eventloop.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	loop.Submit(func() {
//	    fmt.Println("hello from the loop")
//	    go loop.Shutdown(context.Background())
//	})
//
//	if err := loop.Run(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
package eventloop
