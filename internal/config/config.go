// Package config loads settings for the server and relay binaries.
//
// Values come from three layers, later layers winning: environment variables
// (with defaults from struct tags), an optional YAML file, then command-line
// flags applied by the caller.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/ggoodman/mcp-sse-relay/sessions/redishost"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Server configures mcp-sse-server.
type Server struct {
	Host      string           `env:"MCP_SSE_HOST,default=127.0.0.1" yaml:"host"`
	Port      int              `env:"MCP_SSE_PORT,default=8999" yaml:"port"`
	Heartbeat time.Duration    `env:"MCP_SSE_HEARTBEAT,default=30s" yaml:"heartbeat"`
	QueueSize int              `env:"MCP_SSE_QUEUE_SIZE,default=256" yaml:"queue_size"`
	Backend   string           `env:"MCP_SSE_BACKEND,default=memory" yaml:"backend"`
	Redis     redishost.Config `yaml:"redis"`
	LogLevel  string           `env:"MCP_SSE_LOG_LEVEL,default=info" yaml:"log_level"`
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (s *Server) applyDefaults() {
	if s.Host == "" {
		s.Host = "127.0.0.1"
	}
	if s.Port == 0 {
		s.Port = 8999
	}
	if s.Heartbeat == 0 {
		s.Heartbeat = 30 * time.Second
	}
	if s.QueueSize == 0 {
		s.QueueSize = 256
	}
	if s.Backend == "" {
		s.Backend = BackendMemory
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
}

// Validate checks ranges and enumerations.
func (s *Server) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port %d out of range", s.Port)
	}
	if s.Heartbeat <= 0 {
		return fmt.Errorf("heartbeat must be positive, got %s", s.Heartbeat)
	}
	if s.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", s.QueueSize)
	}
	switch s.Backend {
	case BackendMemory:
	case BackendRedis:
		if s.Redis.RedisAddr == "" {
			return errors.New("redis backend requires redis.addr")
		}
	default:
		return fmt.Errorf("unknown backend %q (want %q or %q)", s.Backend, BackendMemory, BackendRedis)
	}
	if _, err := ParseLevel(s.LogLevel); err != nil {
		return err
	}
	return nil
}

// Relay configures mcp-sse-relay.
type Relay struct {
	URL            string        `env:"MCP_SSE_RELAY_URL,default=http://127.0.0.1:8999" yaml:"url"`
	ReadyAttempts  int           `env:"MCP_SSE_RELAY_READY_ATTEMPTS,default=100" yaml:"ready_attempts"`
	ReadyInterval  time.Duration `env:"MCP_SSE_RELAY_READY_INTERVAL,default=100ms" yaml:"ready_interval"`
	RequestTimeout time.Duration `env:"MCP_SSE_RELAY_REQUEST_TIMEOUT,default=30s" yaml:"request_timeout"`
	LogLevel       string        `env:"MCP_SSE_LOG_LEVEL,default=info" yaml:"log_level"`
}

func (r *Relay) applyDefaults() {
	if r.URL == "" {
		r.URL = "http://127.0.0.1:8999"
	}
	if r.ReadyAttempts == 0 {
		r.ReadyAttempts = 100
	}
	if r.ReadyInterval == 0 {
		r.ReadyInterval = 100 * time.Millisecond
	}
	if r.RequestTimeout == 0 {
		r.RequestTimeout = 30 * time.Second
	}
	if r.LogLevel == "" {
		r.LogLevel = "info"
	}
}

// Validate checks ranges and the server URL.
func (r *Relay) Validate() error {
	u, err := url.Parse(r.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url must be http or https, got %q", r.URL)
	}
	if r.ReadyAttempts < 1 {
		return fmt.Errorf("ready_attempts must be at least 1, got %d", r.ReadyAttempts)
	}
	if r.ReadyInterval <= 0 {
		return fmt.Errorf("ready_interval must be positive, got %s", r.ReadyInterval)
	}
	if r.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %s", r.RequestTimeout)
	}
	if _, err := ParseLevel(r.LogLevel); err != nil {
		return err
	}
	return nil
}

type loadable interface {
	applyDefaults()
	Validate() error
}

// LoadServer reads the environment, then overlays the YAML file at path when
// path is not empty.
func LoadServer(path string) (*Server, error) {
	var cfg Server
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadRelay reads the environment, then overlays the YAML file at path when
// path is not empty.
func LoadRelay(path string) (*Relay, error) {
	var cfg Relay
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func load(path string, cfg loadable) error {
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("failed to decode environment: %w", err)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ParseLevel maps a level name such as "debug" or "WARN" to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return lvl, nil
}
