// Package backoff implements the Reconnection Policy: bounded exponential
// backoff with jitter and an optional attempt limit.
package backoff
