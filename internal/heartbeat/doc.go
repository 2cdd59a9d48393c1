// Package heartbeat implements the Heartbeat Monitor.
//
// The monitor detects connections that look open but whose peer has gone
// silent. It probes at a fixed interval and treats any inbound traffic as
// proof of liveness. After Timeout without proof it reports the peer overdue,
// and after a further Grace period it reports the connection expired.
//
// Timers carry the epoch they were armed under, so a callback that was
// already queued when Stop ran cannot act on a newer connection.
package heartbeat
