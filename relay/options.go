package relay

import (
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Option customizes a Relay.
type Option func(*Relay)

// WithIO sets the reader and writer for the relay.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(rl *Relay) {
		if r != nil {
			rl.in = r
		}
		if w != nil {
			rl.out = w
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(rl *Relay) {
		if l != nil {
			rl.log = l
		}
	}
}

// WithHTTPClient overrides the client used for both the event stream and
// submissions. The client must not set a global Timeout, since the event
// stream is long-lived.
func WithHTTPClient(c *http.Client) Option {
	return func(rl *Relay) {
		if c != nil {
			rl.client = c
		}
	}
}

// WithReadyWindow bounds how long the forwarder waits for the session id:
// attempts checks spaced interval apart.
func WithReadyWindow(attempts int, interval time.Duration) Option {
	return func(rl *Relay) {
		if attempts > 0 {
			rl.readyAttempts = attempts
		}
		if interval > 0 {
			rl.readyInterval = interval
		}
	}
}

// WithRequestTimeout bounds each POST /messages round trip.
func WithRequestTimeout(d time.Duration) Option {
	return func(rl *Relay) {
		if d > 0 {
			rl.requestTimeout = d
		}
	}
}
