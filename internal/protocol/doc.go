// Package protocol defines the wire envelope shared by the client and the
// development echo server.
//
// Frames are JSON objects:
//
//	{"type":"message","id":"...","channel":"chat","payload":{...}}
//	{"type":"welcome","session_id":"..."}
//	{"type":"ping"} / {"type":"pong"}
//	{"type":"error","error":"..."}
package protocol
