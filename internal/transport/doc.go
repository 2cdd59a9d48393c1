// Package transport defines the boundary between the connection manager and
// the wire.
//
// The manager only sees Factory, Conn and Handler. The websocket subpackage
// is the production implementation; transporttest provides an in-memory fake
// for deterministic tests.
package transport
