// Package sessions defines the session registry contract shared by the SSE
// transport and its implementations. A session correlates one event-stream
// connection with the outbound envelopes waiting to be pushed over it.
//
// Layers & Roles
//
//	GET /sse       -> opens a session, drains it with Next, closes it on disconnect
//	POST /messages -> checks Exists, enqueues dispatcher responses
//	Host           -> owns the id -> bounded FIFO queue mapping
//
// # Host Interface
//
// Host hides where the queues live:
//   - Open / Close      : session lifetime; Close is idempotent
//   - Enqueue           : non-blocking append; ErrSessionNotFound or ErrQueueFull on failure
//   - Next              : blocking pop with a timeout; ErrNoMessage drives heartbeats
//   - Exists / Len      : lookup and health reporting
//
// Implementations
//
//	memoryhost : in-process registry used by default and in tests
//	redishost  : Redis lists behind a liveness index, for deployments that
//	             terminate the two HTTP paths on different instances
//
// Queue contents are never persisted beyond the owning stream: closing a
// session discards whatever is still pending.
package sessions
