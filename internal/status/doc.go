// Package status implements the Status Broadcaster.
//
// The broadcaster reports connection state transitions to any number of
// observers (UI indicators, stores) without coupling them to message delivery.
// Besides transitions it carries warning events (queue overflow, expired
// messages) and the terminal give-up event emitted when reconnection stops.
package status
