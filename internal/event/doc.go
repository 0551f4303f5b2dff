// Package event provides a synchronous pub-sub bus for scheduler progress.
//
// The scheduling loop publishes an event at each lifecycle point of a work
// item (dispatched, attempt finished, verified, retried, blocked, completed)
// and once per run when it stops. Subscribers such as the CLI progress
// printer observe the run without the loop depending on them.
//
// Handlers run on the publishing goroutine in registration order, specific
// subscribers before wildcard ones. A panicking handler is recovered and
// logged so it cannot stall the loop.
//
//	bus := event.NewBus()
//	bus.Subscribe(event.TypeItemBlocked, func(e event.Event) {
//	    blocked := e.(event.ItemBlockedEvent)
//	    fmt.Println(blocked.ItemID, blocked.Reason)
//	})
package event
