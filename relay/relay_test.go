package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ggoodman/mcp-sse-relay/internal/hellotools"
	"github.com/ggoodman/mcp-sse-relay/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-relay/mcpservice"
	"github.com/ggoodman/mcp-sse-relay/sessions/memoryhost"
	"github.com/ggoodman/mcp-sse-relay/ssehttp"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type harness struct {
	stdin  *io.PipeWriter
	lines  chan string
	done   chan error
	cancel context.CancelFunc
}

func startRelay(t *testing.T, url string, opts ...Option) *harness {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	rl, err := New(url, append([]Option{WithIO(inR, outW), WithLogger(discard)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{stdin: inW, lines: make(chan string, 16), done: make(chan error, 1), cancel: cancel}

	go func() {
		h.done <- rl.Run(ctx)
	}()
	go func() {
		defer close(h.lines)
		sc := bufio.NewScanner(outR)
		for sc.Scan() {
			h.lines <- sc.Text()
		}
	}()

	t.Cleanup(func() {
		cancel()
		_ = inW.Close()
		_ = outW.Close()
	})
	return h
}

func (h *harness) send(t *testing.T, line string) {
	t.Helper()
	if _, err := io.WriteString(h.stdin, line+"\n"); err != nil {
		t.Fatalf("write stdin: %v", err)
	}
}

func (h *harness) next(t *testing.T, timeout time.Duration) jsonrpc.AnyMessage {
	t.Helper()
	select {
	case line, ok := <-h.lines:
		if !ok {
			t.Fatalf("output closed")
		}
		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			t.Fatalf("decode output %q: %v", line, err)
		}
		return msg
	case <-time.After(timeout):
		t.Fatalf("no output within %s", timeout)
	}
	return jsonrpc.AnyMessage{}
}

func (h *harness) wait(t *testing.T, timeout time.Duration) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(timeout):
		t.Fatalf("relay did not stop within %s", timeout)
	}
	return nil
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	tools := mcpservice.NewToolsContainer(hellotools.Tools(mcpservice.DefaultServerInfo, nil)...)
	tools.SetLogger(discard)
	srv := mcpservice.NewServer(mcpservice.WithLogger(discard), mcpservice.WithTools(tools))
	h, err := ssehttp.New(memoryhost.New(), srv, ssehttp.WithLogger(discard))
	if err != nil {
		t.Fatalf("ssehttp.New: %v", err)
	}
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts
}

// fakeServer sends a connected event (unless session is empty), then holds
// the stream open. POST /messages is served by messages.
func fakeServer(t *testing.T, session string, messages http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if session != "" {
			fmt.Fprintf(w, "event: connected\ndata: {\"session_id\":%q}\n\n", session)
		}
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	if messages != nil {
		mux.HandleFunc("POST /messages", messages)
	}
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestRoundTrip(t *testing.T) {
	ts := newServer(t)
	h := startRelay(t, ts.URL)

	h.send(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"t","version":"1"}}}`)
	msg := h.next(t, 5*time.Second)
	if v, _ := msg.ID.Value().(int64); v != 1 || msg.Error != nil {
		t.Fatalf("unexpected initialize reply %+v", msg)
	}

	h.send(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	h.send(t, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"add","arguments":{"a":2,"b":3}}}`)
	msg = h.next(t, 5*time.Second)
	if v, _ := msg.ID.Value().(int64); v != 2 {
		t.Fatalf("expected reply to id 2, got %v", msg.ID)
	}
	var res struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(msg.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(res.Content) != 1 || res.Content[0].Text != "Result: 2 + 3 = 5" {
		t.Fatalf("unexpected result %s", msg.Result)
	}

	_ = h.stdin.Close()
	if err := h.wait(t, 5*time.Second); err != nil {
		t.Fatalf("Run after end of input: %v", err)
	}
}

func TestSkipsBlankAndInvalidLines(t *testing.T) {
	ts := newServer(t)
	h := startRelay(t, ts.URL)

	h.send(t, "")
	h.send(t, "   ")
	h.send(t, "not json")
	h.send(t, `{"jsonrpc":"1.0","id":9,"method":"ping"}`)
	h.send(t, `{"jsonrpc":"2.0","id":"p","method":"ping"}`)

	msg := h.next(t, 5*time.Second)
	if msg.ID.String() != "p" || string(msg.Result) != "{}" {
		t.Fatalf("unexpected reply %+v", msg)
	}
}

func TestServerErrorIsSynthesized(t *testing.T) {
	ts := fakeServer(t, "s-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Session-Id") != "s-1" {
			t.Errorf("missing session header")
		}
		w.WriteHeader(http.StatusBadGateway)
	})
	h := startRelay(t, ts.URL)

	// The notification fails too but must not produce output.
	h.send(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	h.send(t, `{"jsonrpc":"2.0","id":"x","method":"tools/list"}`)

	msg := h.next(t, 5*time.Second)
	if msg.ID.String() != "x" || msg.Error == nil {
		t.Fatalf("expected synthesized error for x, got %+v", msg)
	}
	if msg.Error.Code != jsonrpc.ErrorCodeServerError || msg.Error.Message != "Server error: 502" {
		t.Fatalf("unexpected error %+v", msg.Error)
	}
}

func TestSynthesizedErrorEchoesLargeID(t *testing.T) {
	ts := fakeServer(t, "s-big", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	h := startRelay(t, ts.URL)

	h.send(t, `{"jsonrpc":"2.0","id":9007199254740993,"method":"ping"}`)
	msg := h.next(t, 5*time.Second)
	if v, _ := msg.ID.Value().(int64); v != 9007199254740993 {
		t.Fatalf("id not echoed exactly: got %v", msg.ID)
	}
	if msg.Error == nil || msg.Error.Message != "Server error: 503" {
		t.Fatalf("unexpected reply %+v", msg)
	}
}

func TestNullIDRequestGetsSynthesizedError(t *testing.T) {
	ts := fakeServer(t, "s-null", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	h := startRelay(t, ts.URL)

	h.send(t, `{"jsonrpc":"2.0","id":null,"method":"ping"}`)
	msg := h.next(t, 5*time.Second)
	if msg.ID != nil || msg.Error == nil || msg.Error.Code != jsonrpc.ErrorCodeServerError {
		t.Fatalf("expected synthesized error with null id, got %+v", msg)
	}
}

func TestNoOutputAfterInputEnds(t *testing.T) {
	push := make(chan struct{})
	pushed := make(chan error, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: connected\ndata: {\"session_id\":\"late\"}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-push:
		case <-time.After(5 * time.Second):
		}
		_, err := fmt.Fprint(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}\n\n")
		w.(http.Flusher).Flush()
		pushed <- err
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	h := startRelay(t, ts.URL)
	_ = h.stdin.Close()
	if err := h.wait(t, 5*time.Second); err != nil {
		t.Fatalf("Run after end of input: %v", err)
	}

	close(push)
	select {
	case <-pushed:
	case <-time.After(5 * time.Second):
		t.Fatalf("server never attempted the late push")
	}

	select {
	case line, ok := <-h.lines:
		if ok {
			t.Fatalf("output written after the relay stopped: %s", line)
		}
	case <-time.After(300 * time.Millisecond):
	}
}

func TestTransportErrorIsSynthesized(t *testing.T) {
	ts := fakeServer(t, "s-2", func(w http.ResponseWriter, r *http.Request) {
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		_ = conn.Close()
	})
	h := startRelay(t, ts.URL)

	h.send(t, `{"jsonrpc":"2.0","id":4,"method":"ping"}`)
	msg := h.next(t, 5*time.Second)
	if v, _ := msg.ID.Value().(int64); v != 4 || msg.Error == nil {
		t.Fatalf("expected synthesized error for 4, got %+v", msg)
	}
	if msg.Error.Code != jsonrpc.ErrorCodeInternalError || len(msg.Error.Message) < len("Proxy error: ") || msg.Error.Message[:13] != "Proxy error: " {
		t.Fatalf("unexpected error %+v", msg.Error)
	}
}

func TestSessionTimeout(t *testing.T) {
	ts := fakeServer(t, "", nil)
	h := startRelay(t, ts.URL, WithReadyWindow(3, 10*time.Millisecond))

	if err := h.wait(t, 5*time.Second); !errors.Is(err, ErrSessionTimeout) {
		t.Fatalf("want ErrSessionTimeout, got %v", err)
	}
}

func TestStreamClosedIsFatal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: connected\ndata: {\"session_id\":\"gone\"}\n\n")
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	h := startRelay(t, ts.URL)
	if err := h.wait(t, 5*time.Second); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("want ErrStreamClosed, got %v", err)
	}
}

func TestStreamConnectFailureIsFatal(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	h := startRelay(t, ts.URL)
	err := h.wait(t, 5*time.Second)
	if err == nil || errors.Is(err, ErrSessionTimeout) {
		t.Fatalf("expected connect failure, got %v", err)
	}
}

func TestCancelStopsAllDuties(t *testing.T) {
	ts := newServer(t)
	h := startRelay(t, ts.URL)

	h.send(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	h.next(t, 5*time.Second)

	h.cancel()
	if err := h.wait(t, 5*time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	for _, u := range []string{"ftp://example.com", "://nope"} {
		if _, err := New(u); err == nil {
			t.Fatalf("New(%q) should fail", u)
		}
	}
}
