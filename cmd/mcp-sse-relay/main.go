// Command mcp-sse-relay bridges a line-delimited JSON-RPC stdio client to an
// mcp-sse-server. Envelopes read from stdin are posted to the server and
// envelopes pushed on the event stream are written to stdout. Logs go to
// stderr.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ggoodman/mcp-sse-relay/internal/config"
	"github.com/ggoodman/mcp-sse-relay/relay"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		serverURL  string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:          "mcp-sse-relay",
		Short:        "Relays stdio JSON-RPC to an MCP server over HTTP and SSE",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadRelay(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("url") {
				cfg.URL = serverURL
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid flags: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&configPath, "config", "", "path to a YAML config file")
	fl.StringVar(&serverURL, "url", relay.DefaultURL, "base URL of the MCP SSE server")
	fl.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	return cmd
}

func run(ctx context.Context, cfg *config.Relay) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	r, err := relay.New(cfg.URL,
		relay.WithLogger(log),
		relay.WithReadyWindow(cfg.ReadyAttempts, cfg.ReadyInterval),
		relay.WithRequestTimeout(cfg.RequestTimeout),
	)
	if err != nil {
		return err
	}

	err = r.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
