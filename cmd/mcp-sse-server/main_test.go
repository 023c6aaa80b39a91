package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/ggoodman/mcp-sse-relay/internal/config"
	"github.com/ggoodman/mcp-sse-relay/sessions/memoryhost"
)

func baseConfig() *config.Server {
	return &config.Server{
		Host:      "0.0.0.0",
		Port:      8999,
		Heartbeat: 5 * time.Second,
		QueueSize: 16,
		Backend:   config.BackendMemory,
		LogLevel:  "debug",
	}
}

func TestFlagsOverrideOnlyWhenSet(t *testing.T) {
	var f serverFlags
	cmd := &cobra.Command{}
	f.register(cmd)
	if err := cmd.Flags().Parse([]string{"--port", "9100", "--log-level", "warn"}); err != nil {
		t.Fatalf("parse: %v", err)
	}

	cfg := baseConfig()
	if err := f.apply(cmd, cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.Port != 9100 || cfg.LogLevel != "warn" {
		t.Fatalf("set flags not applied: %+v", cfg)
	}
	if cfg.Host != "0.0.0.0" || cfg.Heartbeat != 5*time.Second || cfg.QueueSize != 16 {
		t.Fatalf("unset flags overrode config: %+v", cfg)
	}
}

func TestFlagsAreValidated(t *testing.T) {
	var f serverFlags
	cmd := &cobra.Command{}
	f.register(cmd)
	if err := cmd.Flags().Parse([]string{"--backend", "etcd"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	err := f.apply(cmd, baseConfig())
	if err == nil || !strings.Contains(err.Error(), "unknown backend") {
		t.Fatalf("want backend error, got %v", err)
	}
}

func TestOpenHostMemory(t *testing.T) {
	cfg := baseConfig()
	cfg.QueueSize = 1

	host, closeHost, err := openHost(cfg)
	if err != nil {
		t.Fatalf("openHost: %v", err)
	}
	defer closeHost()

	if _, ok := host.(*memoryhost.Host); !ok {
		t.Fatalf("want *memoryhost.Host, got %T", host)
	}
	ctx := context.Background()
	id, err := host.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := host.Enqueue(ctx, id, []byte(`{}`)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := host.Enqueue(ctx, id, []byte(`{}`)); err == nil {
		t.Fatalf("queue size from config not applied")
	}
}
