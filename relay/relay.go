package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ggoodman/mcp-sse-relay/internal/jsonrpc"
)

const (
	// DefaultURL is the server the relay connects to when none is given.
	DefaultURL = "http://127.0.0.1:8999"
	// DefaultReadyAttempts and DefaultReadyInterval bound the wait for the
	// session id: 100 checks, 100ms apart.
	DefaultReadyAttempts = 100
	DefaultReadyInterval = 100 * time.Millisecond
	// DefaultRequestTimeout bounds each POST /messages round trip.
	DefaultRequestTimeout = 30 * time.Second

	sessionIDHeader = "X-Session-Id"
	queueCapacity   = 64
	maxLineBytes    = 10 << 20
)

var (
	// ErrSessionTimeout is returned when no session id arrived within the
	// ready window.
	ErrSessionTimeout = errors.New("timed out waiting for session id")
	// ErrStreamClosed is returned when the server ends the event stream.
	ErrStreamClosed = errors.New("event stream closed")

	errSessionPending = errors.New("session id not yet known")
)

// Relay bridges a stdio peer to an SSE session server.
type Relay struct {
	baseURL        string
	in             io.Reader
	out            io.Writer
	log            *slog.Logger
	client         *http.Client
	readyAttempts  int
	readyInterval  time.Duration
	requestTimeout time.Duration
}

// New constructs a Relay for the server at baseURL. By default it reads
// os.Stdin and writes os.Stdout.
func New(baseURL string, opts ...Option) (*Relay, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http or https, got %q", baseURL)
	}
	rl := &Relay{
		baseURL:        strings.TrimRight(u.String(), "/"),
		in:             os.Stdin,
		out:            os.Stdout,
		log:            slog.New(slog.NewTextHandler(os.Stderr, nil)),
		client:         &http.Client{},
		readyAttempts:  DefaultReadyAttempts,
		readyInterval:  DefaultReadyInterval,
		requestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl, nil
}

// inboundMessage is one envelope read from the input, kept as the raw bytes
// received so that it is forwarded unchanged.
type inboundMessage struct {
	raw json.RawMessage
	msg *jsonrpc.AnyMessage
}

// runState is shared by the duties of a single Run.
type runState struct {
	inbound   chan inboundMessage
	outbound  chan json.RawMessage
	sessionID atomic.Pointer[string]
}

func (st *runState) session() string {
	if p := st.sessionID.Load(); p != nil {
		return *p
	}
	return ""
}

// Run relays until one duty stops, then waits for the rest. A clean end of
// input returns nil.
func (r *Relay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st := &runState{
		inbound:  make(chan inboundMessage, queueCapacity),
		outbound: make(chan json.RawMessage, queueCapacity),
	}

	duties := []struct {
		name string
		run  func(context.Context, *runState) error
	}{
		{"input", r.readInput},
		{"events", r.readEvents},
		{"forward", r.forward},
		{"output", r.writeOutput},
	}

	r.log.InfoContext(ctx, "relay.start", slog.String("url", r.baseURL))

	errs := make(chan error, len(duties))
	var wg sync.WaitGroup
	for _, d := range duties {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := d.run(ctx, st)
			if err != nil && !errors.Is(err, context.Canceled) {
				r.log.ErrorContext(ctx, "relay.duty.fail", slog.String("duty", d.name), slog.String("err", err.Error()))
			} else {
				r.log.DebugContext(ctx, "relay.duty.done", slog.String("duty", d.name))
			}
			errs <- err
			cancel()
		}()
	}
	wg.Wait()
	close(errs)

	err := <-errs
	r.log.InfoContext(ctx, "relay.stop")
	return err
}

// readInput scans the input line by line. The scanner runs in its own
// goroutine because a blocked read cannot be interrupted; it exits once the
// reader is closed.
func (r *Relay) readInput(ctx context.Context, st *runState) error {
	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(r.in)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			r.log.InfoContext(ctx, "relay.input.eof")
			return nil
		case line := <-lines:
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			var msg jsonrpc.AnyMessage
			if err := json.Unmarshal(line, &msg); err != nil {
				r.log.WarnContext(ctx, "relay.input.invalid", slog.String("err", err.Error()))
				continue
			}
			select {
			case st.inbound <- inboundMessage{raw: line, msg: &msg}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// readEvents holds the event stream open for the whole run.
func (r *Relay) readEvents(ctx context.Context, st *runState) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/sse", nil)
	if err != nil {
		return fmt.Errorf("build event stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	res, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("connect event stream: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("connect event stream: unexpected status %d", res.StatusCode)
	}
	r.log.InfoContext(ctx, "relay.events.open")

	er := newEventReader(res.Body)
	for {
		ev, err := er.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return ErrStreamClosed
			}
			return fmt.Errorf("read event stream: %w", err)
		}

		switch ev.Name {
		case "connected":
			var payload struct {
				SessionID string `json:"session_id"`
			}
			if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil || payload.SessionID == "" {
				r.log.WarnContext(ctx, "relay.events.connected.invalid", slog.String("data", ev.Data))
				continue
			}
			st.sessionID.Store(&payload.SessionID)
			r.log.InfoContext(ctx, "relay.session.ready", slog.String("session_id", payload.SessionID))
		case "message":
			data := json.RawMessage(ev.Data)
			var msg jsonrpc.AnyMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				r.log.WarnContext(ctx, "relay.events.message.invalid", slog.String("err", err.Error()))
				continue
			}
			select {
			case st.outbound <- data:
			case <-ctx.Done():
				return ctx.Err()
			}
		case "ping":
		default:
			r.log.DebugContext(ctx, "relay.events.unknown", slog.String("event", ev.Name))
		}
	}
}

// forward submits inbound envelopes once the session id is known.
func (r *Relay) forward(ctx context.Context, st *runState) error {
	sessionID, err := r.awaitSession(ctx, st)
	if err != nil {
		return err
	}
	r.log.InfoContext(ctx, "relay.forward.ready")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in := <-st.inbound:
			if err := r.submit(ctx, st, sessionID, in); err != nil {
				return err
			}
		}
	}
}

func (r *Relay) awaitSession(ctx context.Context, st *runState) (string, error) {
	var sessionID string
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.readyInterval), uint64(r.readyAttempts-1)),
		ctx,
	)
	err := backoff.Retry(func() error {
		if s := st.session(); s != "" {
			sessionID = s
			return nil
		}
		return errSessionPending
	}, b)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", ErrSessionTimeout
	}
	return sessionID, nil
}

// submit POSTs one envelope. Submission failures are answered locally; only
// cancellation is returned as an error.
func (r *Relay) submit(ctx context.Context, st *runState, sessionID string, in inboundMessage) error {
	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, r.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, r.baseURL+"/messages", bytes.NewReader(in.raw))
	if err != nil {
		return fmt.Errorf("build submission: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(sessionIDHeader, sessionID)

	res, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.log.WarnContext(ctx, "relay.submit.fail", slog.String("method", in.msg.Method), slog.String("err", err.Error()))
		return r.reply(ctx, st, in, jsonrpc.ErrorCodeInternalError, "Proxy error: "+err.Error())
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))

	if res.StatusCode != http.StatusOK {
		r.log.WarnContext(ctx, "relay.submit.rejected",
			slog.String("method", in.msg.Method),
			slog.Int("status", res.StatusCode),
			slog.String("body", string(body)),
		)
		return r.reply(ctx, st, in, jsonrpc.ErrorCodeServerError, fmt.Sprintf("Server error: %d", res.StatusCode))
	}
	r.log.DebugContext(ctx, "relay.submit.ok", slog.String("method", in.msg.Method), slog.Duration("dur", time.Since(start)))
	return nil
}

// reply queues a synthesized error response for a failed request.
func (r *Relay) reply(ctx context.Context, st *runState, in inboundMessage, code jsonrpc.ErrorCode, message string) error {
	if in.msg.Type() != "request" {
		return nil
	}
	b, err := json.Marshal(jsonrpc.NewErrorResponse(in.msg.ID, code, message, nil))
	if err != nil {
		return fmt.Errorf("encode synthesized reply: %w", err)
	}
	select {
	case st.outbound <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeOutput writes one envelope per line. A write that has started is
// completed; none starts after cancellation.
func (r *Relay) writeOutput(ctx context.Context, st *runState) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-st.outbound:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var line bytes.Buffer
			if err := json.Compact(&line, msg); err != nil {
				line.Reset()
				line.Write(msg)
			}
			line.WriteByte('\n')
			if _, err := r.out.Write(line.Bytes()); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
		}
	}
}
