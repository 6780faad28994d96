// Package event provides a pub-sub event bus that lets observers follow the
// scheduler and the coordination layer without depending on them.
//
// # Main Types
//
//   - [Event]: Interface that all events implement, providing EventType() and Timestamp()
//   - [Bus]: Synchronous pub-sub dispatcher, safe for concurrent use
//   - [Handler]: Function type for event handlers (func(Event))
//
// # Event Categories
//
// Task:
//   - [TaskCompletedEvent], [TaskFailedEvent], [TaskPreemptedEvent]
//   - [SlotFreedEvent]: an execution slot was released
//
// Limits:
//   - [LimitChangedEvent]: a learned rate, total or parallelism limit moved
//
// Coordination:
//   - [InstanceRegisteredEvent], [InstanceReclaimedEvent]
//   - [WorkStolenEvent]: this instance took a queued entry from a peer
//
// The scheduler does not dispatch through the bus internally. It consumes
// its own typed event channel and forwards to the bus after the slot state
// an event describes has been applied. Handlers run on the dispatch
// goroutine and must not block.
//
// # Basic Usage
//
//	bus := event.NewBus(event.WithLogger(logger))
//
//	bus.Subscribe(event.TypeTaskFailed, func(e event.Event) {
//	    failed := e.(event.TaskFailedEvent)
//	    log.Printf("task %s failed: %s", failed.TaskID, failed.Error)
//	})
//
//	id := bus.SubscribeAll(func(e event.Event) {
//	    log.Printf("event: %s at %v", e.EventType(), e.Timestamp())
//	})
//	defer bus.Unsubscribe(id)
package event
