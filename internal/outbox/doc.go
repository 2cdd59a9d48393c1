// Package outbox persists queued outbound messages when a session is
// disposed with the persist policy, so a later session can restore them.
//
// Implementations:
//   - Memory: in-process, for tests and single-process restarts of a manager
//   - postgres.Store: livesync_outbox table via pgxpool
//   - redis.Store: one Redis list per session key
package outbox
