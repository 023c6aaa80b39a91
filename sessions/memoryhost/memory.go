// Package memoryhost provides an in-process implementation of
// sessions.Host. Each session is a buffered channel; a single mutex guards
// the id map and every operation under it is O(1) and free of I/O.
package memoryhost

import (
	"context"
	"sync"
	"time"

	"github.com/ggoodman/mcp-sse-relay/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-relay/sessions"
	"github.com/google/uuid"
)

// Host is an in-memory implementation of sessions.Host.
type Host struct {
	mu        sync.Mutex
	sessions  map[string]*session
	queueSize int
}

type session struct {
	queue  chan jsonrpc.Message
	closed chan struct{}
}

// Option configures a Host.
type Option func(*Host)

// WithQueueSize bounds each session's queue. Non-positive values are ignored.
func WithQueueSize(n int) Option {
	return func(h *Host) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

func New(opts ...Option) *Host {
	h := &Host{
		sessions:  make(map[string]*session),
		queueSize: sessions.DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Host) Open(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s := &session{
		queue:  make(chan jsonrpc.Message, h.queueSize),
		closed: make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for {
		id := uuid.NewString()
		if _, taken := h.sessions[id]; taken {
			continue
		}
		h.sessions[id] = s
		return id, nil
	}
}

func (h *Host) Enqueue(ctx context.Context, sessionID string, msg jsonrpc.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[sessionID]
	if !ok {
		return sessions.ErrSessionNotFound
	}
	select {
	case s.queue <- msg:
		return nil
	default:
		return sessions.ErrQueueFull
	}
}

func (h *Host) Next(ctx context.Context, sessionID string, timeout time.Duration) (jsonrpc.Message, error) {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	h.mu.Unlock()
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}

	// Drain first so a message enqueued just before Close is not mistaken
	// for a closed session.
	select {
	case msg := <-s.queue:
		return msg, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-s.queue:
		return msg, nil
	case <-s.closed:
		return nil, sessions.ErrSessionNotFound
	case <-timer.C:
		return nil, sessions.ErrNoMessage
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Host) Close(_ context.Context, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(h.sessions, sessionID)
	close(s.closed)
	return nil
}

func (h *Host) Exists(_ context.Context, sessionID string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.sessions[sessionID]
	return ok, nil
}

func (h *Host) Len(_ context.Context) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions), nil
}

var _ sessions.Host = (*Host)(nil)
