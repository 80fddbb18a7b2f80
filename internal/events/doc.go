// Package events keeps a bounded, in-memory history of circuit breaker
// transitions and fans every new event out to subscribers.
//
// The log is a fixed-size ring: once full, the oldest event is overwritten.
// Delivery to subscribers never blocks the emitter; a subscriber whose buffer
// is full misses the event and the loss is counted.
//
// Usage:
//
//	log := events.NewLog(100)
//	ch, unsubscribe := log.Subscribe(16)
//	defer unsubscribe()
//
//	log.Emit(events.Event{Type: events.TypeOpen, Service: "streaming"})
//	recent := log.Recent(10)
package events
