// Package queue implements the outbound Message Queue.
//
// Messages sent while no transport is open wait here and are flushed in
// enqueue order on the next open. The queue is bounded: overflow evicts the
// oldest message and the caller surfaces the eviction as a warning.
package queue
