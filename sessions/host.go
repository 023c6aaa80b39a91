package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/mcp-sse-relay/internal/jsonrpc"
)

// DefaultQueueSize bounds each session's outbound queue unless a host is
// configured otherwise.
const DefaultQueueSize = 256

var (
	// ErrSessionNotFound is returned for ids that were never opened or are
	// already closed.
	ErrSessionNotFound = errors.New("session not found")
	// ErrQueueFull is returned by Enqueue when the session's bounded queue is
	// at capacity. The message is not stored.
	ErrQueueFull = errors.New("session queue full")
	// ErrNoMessage is returned by Next when the timeout elapsed without a
	// message becoming available.
	ErrNoMessage = errors.New("no message before timeout")
)

// Host is the session registry. Implementations must be safe for concurrent
// use; delivery order within one session is FIFO.
type Host interface {
	// Open creates a session with a fresh unique id and an empty queue.
	Open(ctx context.Context) (sessionID string, err error)
	// Enqueue appends msg to the session's queue without blocking.
	Enqueue(ctx context.Context, sessionID string, msg jsonrpc.Message) error
	// Next pops the oldest queued message, waiting up to timeout.
	Next(ctx context.Context, sessionID string, timeout time.Duration) (jsonrpc.Message, error)
	// Close removes the session and discards its queue. Closing an unknown
	// session is not an error.
	Close(ctx context.Context, sessionID string) error
	// Exists reports whether the session is open.
	Exists(ctx context.Context, sessionID string) (bool, error)
	// Len reports the number of open sessions.
	Len(ctx context.Context) (int, error)
}
