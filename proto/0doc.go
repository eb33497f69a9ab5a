// Package proto implements the reliable datagram protocol engine: per-remote
// connection state, sequence numbering, acknowledgement with resends,
// timeouts, duplicate suppression, round-trip time sampling and keepalive
// pings on top of an unreliable datagram transport.
//
// The engine is polled. The host must call Update, or Flush together with
// the transport's poll, on a regular cadence; nothing runs in the
// background. Inject is the one entry point safe to call from a foreign
// goroutine, e.g., a transport delivering through a callback.
package proto
