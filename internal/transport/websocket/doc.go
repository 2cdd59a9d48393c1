// Package websocket implements transport.Factory over gorilla/websocket.
//
// The bearer token travels in the Authorization header of the upgrade
// request. Control-frame pings and pongs in either direction are reported to
// the handler as liveness; the heartbeat schedule itself belongs to the
// connection manager.
package websocket
