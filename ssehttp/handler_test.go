package ssehttp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-sse-relay/internal/hellotools"
	"github.com/ggoodman/mcp-sse-relay/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-relay/mcpservice"
	"github.com/ggoodman/mcp-sse-relay/sessions/memoryhost"
)

type sseEvent struct {
	Event string
	Data  string
}

type stream struct {
	events    chan sseEvent
	cancel    context.CancelFunc
	sessionID string
}

type testServer struct {
	*httptest.Server
	host *memoryhost.Host
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tools := mcpservice.NewToolsContainer(hellotools.Tools(mcpservice.DefaultServerInfo, nil)...)
	tools.SetLogger(log)
	srv := mcpservice.NewServer(mcpservice.WithLogger(log), mcpservice.WithTools(tools))
	host := memoryhost.New()

	h, err := New(host, srv, append([]Option{WithLogger(log)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, host: host}
}

// openStream connects to /sse, consumes the connected event and returns a
// channel of the events that follow.
func openStream(t *testing.T, ts *testServer) *stream {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/sse", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /sse: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET /sse status %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}

	events := make(chan sseEvent, 16)
	go func() {
		defer close(events)
		defer res.Body.Close()
		sc := bufio.NewScanner(res.Body)
		var ev sseEvent
		for sc.Scan() {
			line := sc.Text()
			switch {
			case line == "":
				if ev.Event != "" || ev.Data != "" {
					events <- ev
				}
				ev = sseEvent{}
			case strings.HasPrefix(line, "event: "):
				ev.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				if ev.Data != "" {
					ev.Data += "\n"
				}
				ev.Data += strings.TrimPrefix(line, "data: ")
			}
		}
	}()

	s := &stream{events: events, cancel: cancel}
	first := s.next(t, 2*time.Second)
	if first.Event != "connected" {
		t.Fatalf("first event = %q; want connected", first.Event)
	}
	var payload struct {
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal([]byte(first.Data), &payload); err != nil {
		t.Fatalf("decode connected payload: %v", err)
	}
	if payload.SessionID == "" || payload.Message != "SSE connection established" {
		t.Fatalf("unexpected connected payload: %s", first.Data)
	}
	s.sessionID = payload.SessionID
	return s
}

func (s *stream) next(t *testing.T, timeout time.Duration) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-s.events:
		if !ok {
			t.Fatalf("stream closed")
		}
		return ev
	case <-time.After(timeout):
		t.Fatalf("no event within %s", timeout)
	}
	return sseEvent{}
}

// nextMessage skips pings and returns the next message event decoded.
func (s *stream) nextMessage(t *testing.T, timeout time.Duration) jsonrpc.AnyMessage {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		ev := s.next(t, time.Until(deadline))
		if ev.Event == "ping" {
			continue
		}
		if ev.Event != "message" {
			t.Fatalf("unexpected event %q", ev.Event)
		}
		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			t.Fatalf("decode message: %v (%s)", err, ev.Data)
		}
		return msg
	}
}

func post(t *testing.T, ts *testServer, sessionID, body string) (int, map[string]string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/messages", strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(SessionIDHeader, sessionID)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /messages: %v", err)
	}
	defer res.Body.Close()
	var out map[string]string
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode POST response: %v", err)
	}
	return res.StatusCode, out
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer res.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return res.StatusCode, out
}

func TestToolsListRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	s := openStream(t, ts)

	status, body := post(t, ts, s.sessionID, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if status != http.StatusOK {
		t.Fatalf("status %d: %v", status, body)
	}
	if body["status"] != "queued" || body["message"] != "Response will be sent via SSE stream" {
		t.Fatalf("unexpected ack %v", body)
	}

	msg := s.nextMessage(t, 2*time.Second)
	if v, _ := msg.ID.Value().(int64); v != 1 {
		t.Fatalf("id = %v; want 1", msg.ID)
	}
	var res struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(msg.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(res.Tools) != 6 || res.Tools[0].Name != "hello" {
		t.Fatalf("unexpected tools %+v", res.Tools)
	}
}

func TestToolCallErrorIsDeliveredAsResult(t *testing.T) {
	ts := newTestServer(t)
	s := openStream(t, ts)

	post(t, ts, s.sessionID, `{"jsonrpc":"2.0","id":"d","method":"tools/call","params":{"name":"divide","arguments":{"a":1,"b":0}}}`)
	msg := s.nextMessage(t, 2*time.Second)
	if msg.Error != nil {
		t.Fatalf("expected a result, got error %+v", msg.Error)
	}
	if !strings.Contains(string(msg.Result), `"isError":true`) || !strings.Contains(string(msg.Result), "Error: division by zero") {
		t.Fatalf("unexpected result %s", msg.Result)
	}
}

func TestMessagesRequireSession(t *testing.T) {
	ts := newTestServer(t)
	s := openStream(t, ts)

	for _, sid := range []string{"", "not-a-session"} {
		status, body := post(t, ts, sid, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
		if status != http.StatusBadRequest {
			t.Fatalf("session %q: status %d", sid, status)
		}
		if body["error"] != "Invalid or missing session_id" || body["hint"] != "Connect to /sse first to establish a session" {
			t.Fatalf("unexpected body %v", body)
		}
	}

	// Nothing may reach the open stream; the next event is a heartbeat.
	select {
	case ev := <-s.events:
		if ev.Event == "message" {
			t.Fatalf("unexpected message on unrelated stream: %s", ev.Data)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSessionIDFromBody(t *testing.T) {
	ts := newTestServer(t)
	s := openStream(t, ts)

	status, body := post(t, ts, "", `{"jsonrpc":"2.0","id":3,"method":"ping","_session_id":"`+s.sessionID+`"}`)
	if status != http.StatusOK {
		t.Fatalf("status %d: %v", status, body)
	}
	msg := s.nextMessage(t, 2*time.Second)
	if v, _ := msg.ID.Value().(int64); v != 3 || string(msg.Result) != "{}" {
		t.Fatalf("unexpected reply %+v", msg)
	}
}

func TestSessionIsolation(t *testing.T) {
	ts := newTestServer(t, WithHeartbeatInterval(100*time.Millisecond))
	a := openStream(t, ts)
	b := openStream(t, ts)
	if a.sessionID == b.sessionID {
		t.Fatalf("sessions share an id")
	}

	post(t, ts, a.sessionID, `{"jsonrpc":"2.0","id":"for-a","method":"ping"}`)
	post(t, ts, b.sessionID, `{"jsonrpc":"2.0","id":"for-b","method":"ping"}`)

	if got := a.nextMessage(t, 2*time.Second).ID.String(); got != "for-a" {
		t.Fatalf("stream a received %q", got)
	}
	if got := b.nextMessage(t, 2*time.Second).ID.String(); got != "for-b" {
		t.Fatalf("stream b received %q", got)
	}
	for i := 0; i < 2; i++ {
		if ev := a.next(t, time.Second); ev.Event != "ping" {
			t.Fatalf("stream a: unexpected %q event %s", ev.Event, ev.Data)
		}
	}
}

func TestHeartbeatOnIdleStream(t *testing.T) {
	ts := newTestServer(t, WithHeartbeatInterval(50*time.Millisecond))
	s := openStream(t, ts)

	ev := s.next(t, time.Second)
	if ev.Event != "ping" {
		t.Fatalf("event = %q; want ping", ev.Event)
	}
	var payload struct {
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
		t.Fatalf("decode ping: %v", err)
	}
	if _, err := time.Parse(time.RFC3339Nano, payload.Timestamp); err != nil {
		t.Fatalf("timestamp %q: %v", payload.Timestamp, err)
	}
}

func TestNotificationIsNotQueued(t *testing.T) {
	ts := newTestServer(t)
	s := openStream(t, ts)

	status, _ := post(t, ts, s.sessionID, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if status != http.StatusOK {
		t.Fatalf("notification status %d", status)
	}
	post(t, ts, s.sessionID, `{"jsonrpc":"2.0","id":5,"method":"ping"}`)

	if v, _ := s.nextMessage(t, 2*time.Second).ID.Value().(int64); v != 5 {
		t.Fatalf("first delivered message is not the ping reply")
	}
}

func TestQueueFull(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	host := memoryhost.New(memoryhost.WithQueueSize(1))
	h, err := New(host, mcpservice.NewServer(mcpservice.WithLogger(log)), WithLogger(log))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := &testServer{Server: httptest.NewServer(h), host: host}
	defer ts.Close()

	// A session without a stream: nothing drains its queue.
	id, err := host.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if status, _ := post(t, ts, id, `{"jsonrpc":"2.0","id":1,"method":"ping"}`); status != http.StatusOK {
		t.Fatalf("first post status %d", status)
	}
	if status, body := post(t, ts, id, `{"jsonrpc":"2.0","id":2,"method":"ping"}`); status != http.StatusServiceUnavailable {
		t.Fatalf("second post status %d: %v", status, body)
	}
}

func TestMessagesRejectsBadInput(t *testing.T) {
	ts := newTestServer(t)
	s := openStream(t, ts)

	status, body := post(t, ts, s.sessionID, `{"jsonrpc":`)
	if status != http.StatusInternalServerError || body["error"] == "" {
		t.Fatalf("malformed JSON: %d %v", status, body)
	}

	status, body = post(t, ts, s.sessionID, `{"jsonrpc":"1.0","id":1,"method":"ping"}`)
	if status != http.StatusInternalServerError || !strings.Contains(body["error"], "invalid JSON-RPC version") {
		t.Fatalf("bad envelope: %d %v", status, body)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/messages", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set(SessionIDHeader, s.sessionID)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("text/plain status %d", res.StatusCode)
	}
}

func TestSSERequiresEventStreamAccept(t *testing.T) {
	ts := newTestServer(t)
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/sse", nil)
	req.Header.Set("Accept", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotAcceptable {
		t.Fatalf("status %d; want 406", res.StatusCode)
	}
	if n, _ := ts.host.Len(context.Background()); n != 0 {
		t.Fatalf("rejected stream opened a session")
	}
}

func TestHealthTracksStreams(t *testing.T) {
	ts := newTestServer(t)

	status, body := getJSON(t, ts.URL+"/health")
	if status != http.StatusOK || body["status"] != "healthy" || body["transport"] != "SSE" {
		t.Fatalf("unexpected health %d %v", status, body)
	}
	if body["service"] != "hello-world-mcp" || body["version"] != "2.0.0" || body["active_connections"] != float64(0) {
		t.Fatalf("unexpected health body %v", body)
	}

	s := openStream(t, ts)
	if _, body := getJSON(t, ts.URL+"/health"); body["active_connections"] != float64(1) {
		t.Fatalf("active_connections = %v; want 1", body["active_connections"])
	}

	// Disconnecting the stream must remove its session.
	s.cancel()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_, body := getJSON(t, ts.URL+"/health")
		if body["active_connections"] == float64(0) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session not closed after disconnect: %v", body)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if ok, _ := ts.host.Exists(context.Background(), s.sessionID); ok {
		t.Fatalf("session %s still registered", s.sessionID)
	}
}

func TestRootDocument(t *testing.T) {
	ts := newTestServer(t)
	status, body := getJSON(t, ts.URL+"/")
	if status != http.StatusOK {
		t.Fatalf("status %d", status)
	}
	endpoints, ok := body["endpoints"].(map[string]any)
	if !ok || endpoints["sse_stream"] != "GET /sse" || endpoints["send_message"] != "POST /messages" {
		t.Fatalf("unexpected root document %v", body)
	}

	res, err := http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown path status %d", res.StatusCode)
	}
}
