package ssehttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/ggoodman/mcp-sse-relay/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-relay/internal/logctx"
	"github.com/ggoodman/mcp-sse-relay/mcp"
	"github.com/ggoodman/mcp-sse-relay/sessions"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// SessionIDHeader carries the session id on POST /messages.
	SessionIDHeader = "X-Session-Id"
	// DefaultHeartbeatInterval is how long an idle stream waits before a ping.
	DefaultHeartbeatInterval = 30 * time.Second
	// MaxBodyBytes bounds the size of a submitted envelope.
	MaxBodyBytes = 4 << 20

	sessionBodyField   = "_session_id"
	invalidSessionMsg  = "Invalid or missing session_id"
	invalidSessionHint = "Connect to /sse first to establish a session"
	closeTimeout       = 5 * time.Second
)

// Dispatcher turns a decoded envelope into the response to deliver, or nil
// when none is due.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *jsonrpc.AnyMessage) (*jsonrpc.Response, error)
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the logger used by the handler. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithHeartbeatInterval sets the idle time after which a stream emits a ping.
// Non-positive values are ignored.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// WithServiceInfo sets the name and version reported by /health and /.
func WithServiceInfo(info mcp.ImplementationInfo) Option {
	return func(h *Handler) { h.info = info }
}

// Handler implements the SSE transport endpoints.
type Handler struct {
	mux        *http.ServeMux
	log        *slog.Logger
	host       sessions.Host
	dispatcher Dispatcher
	heartbeat  time.Duration
	info       mcp.ImplementationInfo
	now        func() time.Time
}

// New constructs a Handler backed by the given session registry and dispatcher.
func New(host sessions.Host, d Dispatcher, opts ...Option) (*Handler, error) {
	if host == nil {
		return nil, fmt.Errorf("session host is required")
	}
	if d == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	h := &Handler{
		host:       host,
		dispatcher: d,
		heartbeat:  DefaultHeartbeatInterval,
		info:       mcp.ImplementationInfo{Name: "hello-world-mcp", Version: "2.0.0"},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		h.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse", h.handleSSE)
	mux.HandleFunc("POST /messages", h.handleMessages)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /{$}", h.handleRoot)
	h.mux = mux

	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// handleSSE handles GET /sse. The session it opens lives exactly as long as
// the stream.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "Accept must allow text/event-stream", "")
		h.log.WarnContext(ctx, "sse.not_acceptable")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported", "")
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	sessionID, err := h.host.Open(ctx)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error(), "")
		h.log.ErrorContext(ctx, "session.open.fail", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if err := h.host.Close(closeCtx, sessionID); err != nil {
			h.log.ErrorContext(ctx, "session.close.fail", slog.String("err", err.Error()))
		}
		h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")

	connected, _ := json.Marshal(map[string]string{
		"session_id": sessionID,
		"message":    "SSE connection established",
	})
	if err := writeSSEEvent(wf, "connected", connected); err != nil {
		h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		return
	}

	for {
		if ctx.Err() != nil {
			h.log.InfoContext(ctx, "sse.stream.disconnect")
			return
		}

		msg, err := h.host.Next(ctx, sessionID, h.heartbeat)
		switch {
		case err == nil:
			if err := writeSSEEvent(wf, "message", msg); err != nil {
				h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
			h.log.DebugContext(ctx, "sse.message.deliver")
		case errors.Is(err, sessions.ErrNoMessage):
			ping, _ := json.Marshal(map[string]string{"timestamp": h.now().Format(time.RFC3339Nano)})
			if err := writeSSEEvent(wf, "ping", ping); err != nil {
				h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
		case ctx.Err() != nil:
			h.log.InfoContext(ctx, "sse.stream.disconnect")
			return
		default:
			h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
			return
		}
	}
}

// handleMessages handles POST /messages. The reply, if any, travels over the
// session's stream; the POST response only acknowledges receipt.
func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if r.Header.Get("Content-Type") != "" {
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json", "")
			h.log.WarnContext(ctx, "content_type.unsupported")
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, err.Error(), "")
		} else {
			writeJSONError(w, http.StatusInternalServerError, err.Error(), "")
		}
		h.log.WarnContext(ctx, "messages.read.fail", slog.String("err", err.Error()))
		return
	}

	var probe struct {
		SessionID string `json:"_session_id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error(), "")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}

	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		sessionID = probe.SessionID
	}
	if sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, invalidSessionMsg, invalidSessionHint)
		h.log.InfoContext(ctx, "session.id.missing")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID})

	ok, err := h.host.Exists(ctx, sessionID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error(), "")
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return
	}
	if !ok {
		writeJSONError(w, http.StatusBadRequest, invalidSessionMsg, invalidSessionHint)
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error(), "")
		h.log.WarnContext(ctx, "jsonrpc.decode.fail", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: msg.Type()})

	resp, err := h.dispatcher.Dispatch(ctx, &msg)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error(), "")
		h.log.ErrorContext(ctx, "rpc.dispatch.fail", slog.String("err", err.Error()))
		return
	}

	if resp != nil {
		out, err := json.Marshal(resp)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error(), "")
			h.log.ErrorContext(ctx, "rpc.encode.fail", slog.String("err", err.Error()))
			return
		}
		if err := h.host.Enqueue(ctx, sessionID, out); err != nil {
			switch {
			case errors.Is(err, sessions.ErrSessionNotFound):
				writeJSONError(w, http.StatusBadRequest, invalidSessionMsg, invalidSessionHint)
				h.log.InfoContext(ctx, "session.enqueue.miss")
			case errors.Is(err, sessions.ErrQueueFull):
				writeJSONError(w, http.StatusServiceUnavailable, err.Error(), "")
				h.log.WarnContext(ctx, "session.enqueue.full")
			default:
				writeJSONError(w, http.StatusInternalServerError, err.Error(), "")
				h.log.ErrorContext(ctx, "session.enqueue.fail", slog.String("err", err.Error()))
			}
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "queued",
		"message": "Response will be sent via SSE stream",
	})
	h.log.InfoContext(ctx, "messages.accept", slog.Bool("reply", resp != nil), slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	n, err := h.host.Len(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		h.log.ErrorContext(r.Context(), "health.fail", slog.String("err", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "healthy",
		"service":            h.info.Name,
		"version":            h.info.Version,
		"transport":          "SSE",
		"active_connections": n,
	})
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   "MCP SSE Server",
		"version":   h.info.Version,
		"transport": "SSE (Server-Sent Events)",
		"endpoints": map[string]string{
			"sse_stream":   "GET /sse",
			"send_message": "POST /messages",
			"health":       "GET /health",
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError emits the transport-level error body {"error": msg} with an
// optional "hint" member. It does not use JSON-RPC framing.
func writeJSONError(w http.ResponseWriter, status int, msg, hint string) {
	body := map[string]string{"error": msg}
	if hint != "" {
		body["hint"] = hint
	}
	writeJSON(w, status, body)
}

// writeSSEEvent writes one event frame and flushes it. Payload lines are sent
// as separate data fields.
func writeSSEEvent(wf *lockedWriteFlusher, event string, payload []byte) error {
	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(event)
	buf.WriteByte('\n')
	for _, line := range bytes.Split(payload, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(bytes.TrimSuffix(line, []byte("\r")))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	if _, err := wf.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write SSE %s event: %w", event, err)
	}
	wf.Flush()
	return nil
}
