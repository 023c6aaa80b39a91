package sessionhosttest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/mcp-sse-relay/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-relay/sessions"
)

// HostFactory creates a new Host for testing whose per-session queues hold
// at most queueSize messages.
type HostFactory func(t *testing.T, queueSize int) sessions.Host

// RunHostTests runs the complete Host test suite against the provided factory.
func RunHostTests(t *testing.T, factory HostFactory) {
	t.Run("Lifecycle_OpenReturnsUniqueIDs", func(t *testing.T) { testOpenReturnsUniqueIDs(t, factory) })
	t.Run("Lifecycle_CloseIsIdempotent", func(t *testing.T) { testCloseIsIdempotent(t, factory) })
	t.Run("Lifecycle_CloseDiscardsQueue", func(t *testing.T) { testCloseDiscardsQueue(t, factory) })
	t.Run("Lifecycle_LenTracksOpenSessions", func(t *testing.T) { testLenTracksOpenSessions(t, factory) })
	t.Run("Messaging_FIFOWithinSession", func(t *testing.T) { testFIFOWithinSession(t, factory) })
	t.Run("Messaging_IsolationBetweenSessions", func(t *testing.T) { testIsolationBetweenSessions(t, factory) })
	t.Run("Messaging_EnqueueUnknownSession", func(t *testing.T) { testEnqueueUnknownSession(t, factory) })
	t.Run("Messaging_NextTimesOut", func(t *testing.T) { testNextTimesOut(t, factory) })
	t.Run("Messaging_NextWakesOnEnqueue", func(t *testing.T) { testNextWakesOnEnqueue(t, factory) })
	t.Run("Messaging_NextHonorsContext", func(t *testing.T) { testNextHonorsContext(t, factory) })
	t.Run("Messaging_QueueFullIsExplicit", func(t *testing.T) { testQueueFullIsExplicit(t, factory) })
}

func testMessage(t *testing.T, id int) jsonrpc.Message {
	t.Helper()
	res, err := jsonrpc.NewResultResponse(jsonrpc.NewRequestID(id), map[string]any{"n": id})
	if err != nil {
		t.Fatalf("NewResultResponse: %v", err)
	}
	b, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func mustOpen(t *testing.T, ctx context.Context, h sessions.Host) string {
	t.Helper()
	id, err := h.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if id == "" {
		t.Fatalf("Open returned empty session id")
	}
	t.Cleanup(func() { _ = h.Close(context.Background(), id) })
	return id
}

func testOpenReturnsUniqueIDs(t *testing.T, factory HostFactory) {
	h := factory(t, sessions.DefaultQueueSize)
	ctx := context.Background()

	seen := make(map[string]struct{})
	for i := 0; i < 20; i++ {
		id := mustOpen(t, ctx, h)
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate session id %q", id)
		}
		seen[id] = struct{}{}

		ok, err := h.Exists(ctx, id)
		if err != nil || !ok {
			t.Fatalf("Exists(%q) = %v, %v; want true", id, ok, err)
		}
	}
}

func testCloseIsIdempotent(t *testing.T, factory HostFactory) {
	h := factory(t, sessions.DefaultQueueSize)
	ctx := context.Background()

	id := mustOpen(t, ctx, h)
	for i := 0; i < 3; i++ {
		if err := h.Close(ctx, id); err != nil {
			t.Fatalf("Close #%d: %v", i+1, err)
		}
	}
	if err := h.Close(ctx, "never-opened"); err != nil {
		t.Fatalf("Close of unknown session: %v", err)
	}
	ok, err := h.Exists(ctx, id)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Fatalf("session still exists after Close")
	}
}

func testCloseDiscardsQueue(t *testing.T, factory HostFactory) {
	h := factory(t, sessions.DefaultQueueSize)
	ctx := context.Background()

	id := mustOpen(t, ctx, h)
	if err := h.Enqueue(ctx, id, testMessage(t, 1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := h.Close(ctx, id); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := h.Next(ctx, id, 50*time.Millisecond); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("Next after Close: want ErrSessionNotFound, got %v", err)
	}
	if err := h.Enqueue(ctx, id, testMessage(t, 2)); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("Enqueue after Close: want ErrSessionNotFound, got %v", err)
	}
}

func testLenTracksOpenSessions(t *testing.T, factory HostFactory) {
	h := factory(t, sessions.DefaultQueueSize)
	ctx := context.Background()

	base, err := h.Len(ctx)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}

	a := mustOpen(t, ctx, h)
	_ = mustOpen(t, ctx, h)
	if n, err := h.Len(ctx); err != nil || n != base+2 {
		t.Fatalf("Len after two opens = %d, %v; want %d", n, err, base+2)
	}

	if err := h.Close(ctx, a); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n, err := h.Len(ctx); err != nil || n != base+1 {
		t.Fatalf("Len after close = %d, %v; want %d", n, err, base+1)
	}
}

func testFIFOWithinSession(t *testing.T, factory HostFactory) {
	h := factory(t, sessions.DefaultQueueSize)
	ctx := context.Background()

	id := mustOpen(t, ctx, h)
	const n = 10
	for i := 0; i < n; i++ {
		if err := h.Enqueue(ctx, id, testMessage(t, i)); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		got, err := h.Next(ctx, id, time.Second)
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		if want := testMessage(t, i); string(got) != string(want) {
			t.Fatalf("message %d out of order:\nwant %s\ngot  %s", i, want, got)
		}
	}
}

func testIsolationBetweenSessions(t *testing.T, factory HostFactory) {
	h := factory(t, sessions.DefaultQueueSize)
	ctx := context.Background()

	a := mustOpen(t, ctx, h)
	b := mustOpen(t, ctx, h)

	if err := h.Enqueue(ctx, a, testMessage(t, 1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if _, err := h.Next(ctx, b, 100*time.Millisecond); !errors.Is(err, sessions.ErrNoMessage) {
		t.Fatalf("session b received a message for a: err=%v", err)
	}
	got, err := h.Next(ctx, a, time.Second)
	if err != nil {
		t.Fatalf("Next(a): %v", err)
	}
	if want := testMessage(t, 1); string(got) != string(want) {
		t.Fatalf("unexpected message: %s", got)
	}
}

func testEnqueueUnknownSession(t *testing.T, factory HostFactory) {
	h := factory(t, sessions.DefaultQueueSize)
	err := h.Enqueue(context.Background(), "does-not-exist", testMessage(t, 1))
	if !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound, got %v", err)
	}
	ok, err := h.Exists(context.Background(), "does-not-exist")
	if err != nil || ok {
		t.Fatalf("Exists(unknown) = %v, %v; want false", ok, err)
	}
}

func testNextTimesOut(t *testing.T, factory HostFactory) {
	h := factory(t, sessions.DefaultQueueSize)
	ctx := context.Background()
	id := mustOpen(t, ctx, h)

	start := time.Now()
	_, err := h.Next(ctx, id, 100*time.Millisecond)
	if !errors.Is(err, sessions.ErrNoMessage) {
		t.Fatalf("want ErrNoMessage, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Fatalf("Next returned after %s; expected to wait for the timeout", elapsed)
	}
}

func testNextWakesOnEnqueue(t *testing.T, factory HostFactory) {
	h := factory(t, sessions.DefaultQueueSize)
	ctx := context.Background()
	id := mustOpen(t, ctx, h)

	type result struct {
		msg jsonrpc.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := h.Next(ctx, id, 5*time.Second)
		done <- result{msg, err}
	}()

	time.Sleep(50 * time.Millisecond)
	if err := h.Enqueue(ctx, id, testMessage(t, 7)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Next: %v", r.err)
		}
		if want := testMessage(t, 7); string(r.msg) != string(want) {
			t.Fatalf("unexpected message: %s", r.msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Next did not wake up after Enqueue")
	}
}

func testNextHonorsContext(t *testing.T, factory HostFactory) {
	h := factory(t, sessions.DefaultQueueSize)
	id := mustOpen(t, context.Background(), h)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := h.Next(ctx, id, 10*time.Second)
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected an error after context expiry")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Next ignored context cancellation")
	}
}

func testQueueFullIsExplicit(t *testing.T, factory HostFactory) {
	const size = 3
	h := factory(t, size)
	ctx := context.Background()
	id := mustOpen(t, ctx, h)

	for i := 0; i < size; i++ {
		if err := h.Enqueue(ctx, id, testMessage(t, i)); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if err := h.Enqueue(ctx, id, testMessage(t, size)); !errors.Is(err, sessions.ErrQueueFull) {
		t.Fatalf("want ErrQueueFull, got %v", err)
	}

	// The rejected message must not displace queued ones.
	for i := 0; i < size; i++ {
		msg, err := h.Next(ctx, id, time.Second)
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		if want := testMessage(t, i); string(msg) != string(want) {
			t.Fatalf("message %d: want %s got %s", i, want, msg)
		}
	}
}
