// Package hellotools is the demonstration tool set served by mcp-sse-server.
package hellotools

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/ggoodman/mcp-sse-relay/mcp"
	"github.com/ggoodman/mcp-sse-relay/mcpservice"
)

// MaxNameLength bounds the hello tool's name argument.
const MaxNameLength = 50

// ErrDivisionByZero is returned by the divide tool when b is zero.
var ErrDivisionByZero = errors.New("division by zero is not allowed")

type helloArgs struct {
	Name string `json:"name" jsonschema:"description=Name of the person to greet,maxLength=50"`
}

func (a helloArgs) Validate() error {
	if err := mcpservice.CheckRequired("name", a.Name); err != nil {
		return err
	}
	return mcpservice.CheckMaxLen("name", a.Name, MaxNameLength)
}

type operands struct {
	A float64 `json:"a" jsonschema:"description=First operand"`
	B float64 `json:"b" jsonschema:"description=Second operand"`
}

type noArgs struct{}

// Tools returns the demonstration tools. now supplies the clock for get_time;
// info is reported by server_info.
func Tools(info mcp.ImplementationInfo, now func() time.Time) []mcpservice.StaticTool {
	if now == nil {
		now = time.Now
	}
	return []mcpservice.StaticTool{
		mcpservice.NewTool("hello", func(ctx context.Context, a helloArgs) (*mcp.CallToolResult, error) {
			return mcpservice.TextResult("Hello, " + a.Name + "! 🎉\nGreetings from the MCP server over SSE."), nil
		}, mcpservice.WithToolDescription("Returns a simple greeting")),

		mcpservice.NewTool("add", func(ctx context.Context, a operands) (*mcp.CallToolResult, error) {
			return arithmetic(a.A, "+", a.B, a.A+a.B), nil
		}, mcpservice.WithToolDescription("Adds two numbers")),

		mcpservice.NewTool("multiply", func(ctx context.Context, a operands) (*mcp.CallToolResult, error) {
			return arithmetic(a.A, "×", a.B, a.A*a.B), nil
		}, mcpservice.WithToolDescription("Multiplies two numbers")),

		mcpservice.NewTool("divide", func(ctx context.Context, a operands) (*mcp.CallToolResult, error) {
			if a.B == 0 {
				return nil, ErrDivisionByZero
			}
			return arithmetic(a.A, "÷", a.B, a.A/a.B), nil
		}, mcpservice.WithToolDescription("Divides two numbers")),

		mcpservice.NewTool("get_time", func(ctx context.Context, _ noArgs) (*mcp.CallToolResult, error) {
			return mcpservice.TextResult("Current time: " + now().Format("2006-01-02 15:04:05")), nil
		}, mcpservice.WithToolDescription("Returns the current date and time")),

		mcpservice.NewTool("server_info", func(ctx context.Context, _ noArgs) (*mcp.CallToolResult, error) {
			return mcpservice.TextResult(serverInfo(info)), nil
		}, mcpservice.WithToolDescription("Returns information about this server")),
	}
}

func arithmetic(a float64, op string, b, result float64) *mcp.CallToolResult {
	return mcpservice.TextResult("Result: " + formatNumber(a) + " " + op + " " + formatNumber(b) + " = " + formatNumber(result))
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func serverInfo(info mcp.ImplementationInfo) string {
	var b strings.Builder
	b.WriteString("Server information:\n")
	b.WriteString("Name: " + info.Name + "\n")
	b.WriteString("Version: " + info.Version + "\n")
	b.WriteString("Transport: SSE (Server-Sent Events)\n")
	b.WriteString("Protocol: MCP over SSE/HTTP\n")
	b.WriteString("Endpoints:\n")
	b.WriteString("  - GET /sse (event stream)\n")
	b.WriteString("  - POST /messages (message submission)\n")
	b.WriteString("  - GET /health (health check)")
	return b.String()
}
