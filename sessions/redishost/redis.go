package redishost

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/mcp-sse-relay/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-relay/sessions"
)

// DefaultSessionTTL is how long a session survives without its stream
// polling for messages.
const DefaultSessionTTL = 2 * time.Minute

// Config for the Redis-backed Host. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379" yaml:"addr"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mcp:sessions:" yaml:"key_prefix"`
	// QueueSize bounds each session's queue. ENV: SESSIONS_QUEUE_SIZE
	QueueSize int `env:"SESSIONS_QUEUE_SIZE,default=256" yaml:"queue_size"`
	// SessionTTL expires sessions whose stream stopped polling. ENV: SESSIONS_TTL
	SessionTTL time.Duration `env:"SESSIONS_TTL,default=2m" yaml:"session_ttl"`
}

// Returns -1 when the session is unknown or expired, -2 when the queue is
// full and the new queue length otherwise.
var enqueueScript = redis.NewScript(`
local exp = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not exp or tonumber(exp) < tonumber(ARGV[4]) then
  return -1
end
if redis.call('LLEN', KEYS[2]) >= tonumber(ARGV[3]) then
  return -2
end
local n = redis.call('RPUSH', KEYS[2], ARGV[2])
redis.call('PEXPIRE', KEYS[2], ARGV[5])
return n
`)

// Refreshes the expiry of a live session. Returns 0 when the session is
// unknown or expired.
var touchScript = redis.NewScript(`
local exp = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not exp or tonumber(exp) < tonumber(ARGV[2]) then
  return 0
end
redis.call('ZADD', KEYS[1], 'XX', ARGV[3], ARGV[1])
redis.call('PEXPIRE', KEYS[2], ARGV[4])
return 1
`)

type Host struct {
	client    *redis.Client
	keyPrefix string
	queueSize int
	ttl       time.Duration
}

func New(cfg Config) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	h := &Host{
		client:    cl,
		keyPrefix: cfg.KeyPrefix,
		queueSize: cfg.QueueSize,
		ttl:       cfg.SessionTTL,
	}
	if h.keyPrefix == "" {
		h.keyPrefix = "mcp:sessions:"
	}
	if h.queueSize <= 0 {
		h.queueSize = sessions.DefaultQueueSize
	}
	if h.ttl <= 0 {
		h.ttl = DefaultSessionTTL
	}
	return h, nil
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv() (*Host, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	return New(cfg)
}

// Shutdown closes the Redis client.
func (h *Host) Shutdown() error { return h.client.Close() }

func (h *Host) indexKey() string                { return h.keyPrefix + "live" }
func (h *Host) queueKey(sessionID string) string { return h.keyPrefix + "queue:" + sessionID }

func (h *Host) expiry(now time.Time) int64 { return now.Add(h.ttl).UnixMilli() }

func (h *Host) Open(ctx context.Context) (string, error) {
	now := time.Now()
	// Opportunistic cleanup of sessions whose stream went away without Close.
	if err := h.client.ZRemRangeByScore(ctx, h.indexKey(), "-inf", "("+strconv.FormatInt(now.UnixMilli(), 10)).Err(); err != nil {
		return "", fmt.Errorf("prune sessions: %w", err)
	}
	for {
		id := uuid.NewString()
		added, err := h.client.ZAddNX(ctx, h.indexKey(), redis.Z{Score: float64(h.expiry(now)), Member: id}).Result()
		if err != nil {
			return "", fmt.Errorf("open session: %w", err)
		}
		if added == 1 {
			return id, nil
		}
	}
}

func (h *Host) Enqueue(ctx context.Context, sessionID string, msg jsonrpc.Message) error {
	now := time.Now()
	n, err := enqueueScript.Run(ctx, h.client,
		[]string{h.indexKey(), h.queueKey(sessionID)},
		sessionID, []byte(msg), h.queueSize, now.UnixMilli(), h.ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	switch n {
	case -1:
		return sessions.ErrSessionNotFound
	case -2:
		return sessions.ErrQueueFull
	}
	return nil
}

func (h *Host) Next(ctx context.Context, sessionID string, timeout time.Duration) (jsonrpc.Message, error) {
	deadline := time.Now().Add(timeout)
	key := h.queueKey(sessionID)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := h.touch(ctx, sessionID); err != nil {
			return nil, err
		}

		if time.Until(deadline) <= 0 {
			v, err := h.client.LPop(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return nil, sessions.ErrNoMessage
			}
			if err != nil {
				return nil, fmt.Errorf("pop: %w", err)
			}
			return jsonrpc.Message(v), nil
		}

		// BLPOP has one second resolution and does not observe ctx while
		// blocked, so wait in one second slices.
		res, err := h.client.BLPop(ctx, time.Second, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("blpop: %w", err)
		}
		if len(res) != 2 {
			return nil, fmt.Errorf("blpop: unexpected reply of length %d", len(res))
		}
		return jsonrpc.Message(res[1]), nil
	}
}

func (h *Host) touch(ctx context.Context, sessionID string) error {
	now := time.Now()
	ok, err := touchScript.Run(ctx, h.client,
		[]string{h.indexKey(), h.queueKey(sessionID)},
		sessionID, now.UnixMilli(), h.expiry(now), h.ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if ok == 0 {
		return sessions.ErrSessionNotFound
	}
	return nil
}

func (h *Host) Close(ctx context.Context, sessionID string) error {
	_, err := h.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, h.indexKey(), sessionID)
		p.Del(ctx, h.queueKey(sessionID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

func (h *Host) Exists(ctx context.Context, sessionID string) (bool, error) {
	score, err := h.client.ZScore(ctx, h.indexKey(), sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("session lookup: %w", err)
	}
	return int64(score) >= time.Now().UnixMilli(), nil
}

func (h *Host) Len(ctx context.Context) (int, error) {
	n, err := h.client.ZCount(ctx, h.indexKey(), strconv.FormatInt(time.Now().UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return int(n), nil
}

var _ sessions.Host = (*Host)(nil)
