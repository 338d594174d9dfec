// Package dispatcher implements the Dispatcher: the supervisory loop that
// drives READY tasks to terminal states under concurrency limits, routing
// policy, retry policy, and graceful-shutdown semantics (spec §4.3).
package dispatcher
