// Command mcp-sse-server serves the MCP protocol over HTTP with a
// Server-Sent Events push channel.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ggoodman/mcp-sse-relay/internal/config"
	"github.com/ggoodman/mcp-sse-relay/internal/hellotools"
	"github.com/ggoodman/mcp-sse-relay/mcpservice"
	"github.com/ggoodman/mcp-sse-relay/sessions"
	"github.com/ggoodman/mcp-sse-relay/sessions/memoryhost"
	"github.com/ggoodman/mcp-sse-relay/sessions/redishost"
	"github.com/ggoodman/mcp-sse-relay/ssehttp"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serverFlags struct {
	configPath string
	host       string
	port       int
	heartbeat  time.Duration
	queueSize  int
	backend    string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	var f serverFlags

	cmd := &cobra.Command{
		Use:          "mcp-sse-server",
		Short:        "Serves MCP over HTTP with a Server-Sent Events push channel",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServer(f.configPath)
			if err != nil {
				return err
			}
			if err := f.apply(cmd, cfg); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, f.configPath)
		},
	}

	f.register(cmd)
	return cmd
}

func (f *serverFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.configPath, "config", "", "path to a YAML config file (reloaded on change)")
	fl.StringVar(&f.host, "host", "127.0.0.1", "interface to listen on")
	fl.IntVar(&f.port, "port", 8999, "port to listen on")
	fl.DurationVar(&f.heartbeat, "heartbeat", ssehttp.DefaultHeartbeatInterval, "idle interval between ping events")
	fl.IntVar(&f.queueSize, "queue-size", sessions.DefaultQueueSize, "maximum queued messages per session")
	fl.StringVar(&f.backend, "backend", config.BackendMemory, "session registry backend (memory or redis)")
	fl.StringVar(&f.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

// apply overlays flags the user set explicitly onto cfg.
func (f *serverFlags) apply(cmd *cobra.Command, cfg *config.Server) error {
	fl := cmd.Flags()
	if fl.Changed("host") {
		cfg.Host = f.host
	}
	if fl.Changed("port") {
		cfg.Port = f.port
	}
	if fl.Changed("heartbeat") {
		cfg.Heartbeat = f.heartbeat
	}
	if fl.Changed("queue-size") {
		cfg.QueueSize = f.queueSize
	}
	if fl.Changed("backend") {
		cfg.Backend = f.backend
	}
	if fl.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}

func serve(ctx context.Context, cfg *config.Server, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	lvl := new(slog.LevelVar)
	if level, err := config.ParseLevel(cfg.LogLevel); err == nil {
		lvl.Set(level)
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))

	if configPath != "" {
		go func() {
			err := config.WatchLogLevel(ctx, configPath, log, lvl, func(p string) (string, error) {
				next, err := config.LoadServer(p)
				if err != nil {
					return "", err
				}
				return next.LogLevel, nil
			})
			if err != nil {
				log.WarnContext(ctx, "config.watch.fail", slog.String("err", err.Error()))
			}
		}()
	}

	host, closeHost, err := openHost(cfg)
	if err != nil {
		return err
	}
	defer closeHost()

	tools := mcpservice.NewToolsContainer(hellotools.Tools(mcpservice.DefaultServerInfo, time.Now)...)
	tools.SetLogger(log)
	tools.Use(mcpservice.Timing(log))

	srv := mcpservice.NewServer(
		mcpservice.WithLogger(log),
		mcpservice.WithTools(tools),
	)

	h, err := ssehttp.New(host, srv,
		ssehttp.WithLogger(log),
		ssehttp.WithHeartbeatInterval(cfg.Heartbeat),
		ssehttp.WithServiceInfo(srv.Info()),
	)
	if err != nil {
		return fmt.Errorf("failed to create handler: %w", err)
	}

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		// Open streams observe the signal through their request context,
		// which lets Shutdown drain them.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, "server.listen",
			slog.String("addr", cfg.Addr()),
			slog.String("backend", cfg.Backend),
			slog.Int("tools", tools.Len()),
		)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.InfoContext(ctx, "server.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openHost(cfg *config.Server) (sessions.Host, func(), error) {
	switch cfg.Backend {
	case config.BackendRedis:
		rc := cfg.Redis
		rc.QueueSize = cfg.QueueSize
		h, err := redishost.New(rc)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open redis session host: %w", err)
		}
		return h, func() { _ = h.Shutdown() }, nil
	default:
		return memoryhost.New(memoryhost.WithQueueSize(cfg.QueueSize)), func() {}, nil
	}
}
