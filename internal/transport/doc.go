// Package transport carries envelopes over a named, unordered, best-effort
// local broadcast channel.
//
// The Transport type owns the open/close lifecycle and JSON framing; the
// broadcast primitive itself is a Driver. Three drivers live in subpackages:
// memory (peers inside one process), redis (Redis pub/sub between processes)
// and relay (a loopback WebSocket fan-out server and its client).
package transport
