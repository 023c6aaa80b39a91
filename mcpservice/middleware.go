package mcpservice

import (
	"context"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-sse-relay/mcp"
)

// ToolMiddleware wraps a ToolHandler.
type ToolMiddleware func(next ToolHandler) ToolHandler

// Timing logs the outcome and duration of every tool call.
func Timing(log *slog.Logger) ToolMiddleware {
	return func(next ToolHandler) ToolHandler {
		return func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
			start := time.Now()
			res, err := next(ctx, req)
			if err != nil {
				log.InfoContext(ctx, "tool.call.fail", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
				return res, err
			}
			log.InfoContext(ctx, "tool.call.ok", slog.Bool("is_error", res != nil && res.IsError), slog.Duration("dur", time.Since(start)))
			return res, nil
		}
	}
}
