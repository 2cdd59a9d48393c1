// Package connection implements the Connection Manager.
//
// The Manager:
//   - Drives one logical connection through idle, connecting, open, degraded,
//     closing, closed and disposed
//   - Reconnects with capped exponential backoff and jitter
//   - Queues outbound messages while offline and flushes them in order on open
//   - Probes liveness and degrades, then drops, a silent connection
//   - Routes inbound messages to channel subscribers
//   - Reports every state change, warning and give-up to status observers
//
// Every state change runs on a serial loop, so observers and listeners may
// call back into the Manager. Only the transport factory, the token provider
// and the outbox touch the network.
package connection
