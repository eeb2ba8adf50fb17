// Package broadcast delivers state-change notifications to connected
// observers with bounded latency and bounded memory.
//
// # Lanes
//
// Notifications are not pushed one by one. They accumulate into two
// independent lanes, each flushed by its own goroutine:
//
//   - standard: up to 100 items or 100ms, whichever comes first;
//     3 delivery attempts with 1s base backoff
//   - streaming: up to 10 items or ~16ms (one animation frame);
//     2 attempts with 500ms base backoff
//
// Within a lane, batches are delivered in enqueue order. No ordering holds
// between lanes. A batch that exhausts its retry budget is dropped after
// the error callback fires; the lane keeps flushing subsequent batches.
//
// # Delivery
//
// The Registry is the default Sink: it fans each flushed batch out to every
// live SSE connection as a single data frame carrying the JSON-encoded
// batch. Observers that connect after a batch was flushed never receive it.
// A heartbeat comment keeps idle connections open; a failed write evicts
// only the affected connection.
package broadcast
