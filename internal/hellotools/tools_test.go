package hellotools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-sse-relay/mcp"
	"github.com/ggoodman/mcp-sse-relay/mcpservice"
)

var testInfo = mcp.ImplementationInfo{Name: "hello-world-mcp", Version: "2.0.0"}

func newContainer() *mcpservice.ToolsContainer {
	fixed := func() time.Time { return time.Date(2024, 3, 9, 7, 5, 3, 0, time.UTC) }
	return mcpservice.NewToolsContainer(Tools(testInfo, fixed)...)
}

func call(t *testing.T, tc *mcpservice.ToolsContainer, name, args string) (string, error) {
	t.Helper()
	res, err := tc.Call(context.Background(), &mcp.CallToolRequestReceived{Name: name, Arguments: json.RawMessage(args)})
	if err != nil {
		return "", err
	}
	if len(res.Content) != 1 {
		t.Fatalf("expected one content block, got %d", len(res.Content))
	}
	return res.Content[0].Text, nil
}

func TestToolNames(t *testing.T) {
	got := strings.Join(newContainer().Names(), ",")
	if want := "hello,add,multiply,divide,get_time,server_info"; got != want {
		t.Fatalf("tools = %s; want %s", got, want)
	}
}

func TestArithmetic(t *testing.T) {
	tc := newContainer()
	tests := []struct {
		tool string
		args string
		want string
	}{
		{tool: "add", args: `{"a":2,"b":3}`, want: "Result: 2 + 3 = 5"},
		{tool: "add", args: `{"a":0.5,"b":-1.25}`, want: "Result: 0.5 + -1.25 = -0.75"},
		{tool: "multiply", args: `{"a":4,"b":2.5}`, want: "Result: 4 × 2.5 = 10"},
		{tool: "divide", args: `{"a":9,"b":3}`, want: "Result: 9 ÷ 3 = 3"},
	}
	for _, tt := range tests {
		t.Run(tt.tool+tt.args, func(t *testing.T) {
			got, err := call(t, tc, tt.tool, tt.args)
			if err != nil {
				t.Fatalf("call: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q; want %q", got, tt.want)
			}
		})
	}
}

func TestDivideByZero(t *testing.T) {
	_, err := call(t, newContainer(), "divide", `{"a":1,"b":0}`)
	if !errors.Is(err, ErrDivisionByZero) {
		t.Fatalf("want ErrDivisionByZero, got %v", err)
	}
}

func TestHello(t *testing.T) {
	tc := newContainer()
	got, err := call(t, tc, "hello", `{"name":"Ada"}`)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.HasPrefix(got, "Hello, Ada!") {
		t.Fatalf("unexpected greeting %q", got)
	}

	_, err = call(t, tc, "hello", `{"name":"`+strings.Repeat("x", MaxNameLength+1)+`"}`)
	var vErr *mcpservice.ValidationError
	if !errors.As(err, &vErr) || vErr.Field != "name" {
		t.Fatalf("expected name validation error, got %v", err)
	}

	if _, err := call(t, tc, "hello", `{"name":""}`); !errors.As(err, &vErr) {
		t.Fatalf("expected validation error for empty name, got %v", err)
	}
}

func TestGetTimeAndServerInfo(t *testing.T) {
	tc := newContainer()
	got, err := call(t, tc, "get_time", `{}`)
	if err != nil || got != "Current time: 2024-03-09 07:05:03" {
		t.Fatalf("get_time = %q, %v", got, err)
	}
	got, err = call(t, tc, "server_info", `{}`)
	if err != nil {
		t.Fatalf("server_info: %v", err)
	}
	if !strings.Contains(got, "Name: hello-world-mcp") || !strings.Contains(got, "Version: 2.0.0") {
		t.Fatalf("server_info missing identity: %q", got)
	}
}
