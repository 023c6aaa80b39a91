// Package relay bridges a line-oriented stdio peer to an SSE session server.
//
// A Relay runs four duties concurrently:
//
//   - input reads newline-delimited JSON-RPC envelopes from its reader
//   - events holds one GET /sse stream open, learns the session id from the
//     "connected" event and collects "message" events
//   - forward waits for the session id, then POSTs every input envelope to
//     /messages with the X-Session-Id header
//   - output writes collected envelopes to its writer, one per line
//
// The first duty to return stops the others. A clean end of input ends Run
// with a nil error; every other cause is returned.
//
// When a submission fails the relay answers the request itself: a non-200
// status becomes a -32000 "Server error: <status>" response and a transport
// failure becomes a -32603 "Proxy error: <err>" response, both carrying the
// request id. Notifications and peer responses never get a synthesized reply.
package relay
