// Package mcpservice provides the protocol dispatcher and the tool registry
// it serves. A Server maps JSON-RPC method names to handlers and wraps each
// outcome in a response envelope; it keeps no per-session state, so one
// Server is shared by every session.
//
// Tools are declared with typed argument structs. The input schema is
// reflected from the struct and arguments are decoded strictly:
//
//	type EchoArgs struct {
//	    Message string `json:"message" jsonschema:"description=Text to echo"`
//	}
//
//	tools := mcpservice.NewToolsContainer(
//	    mcpservice.NewTool("echo", func(ctx context.Context, a EchoArgs) (*mcp.CallToolResult, error) {
//	        return mcpservice.TextResult("you said: " + a.Message), nil
//	    }, mcpservice.WithToolDescription("Echo a message back to the caller")),
//	)
//
//	srv := mcpservice.NewServer(
//	    mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "example", Version: "1.0.0"}),
//	    mcpservice.WithTools(tools),
//	)
//
// Tool failures follow a two-tier model. Unknown tools, invalid arguments and
// errors returned by a handler become a successful tools/call result with
// isError set. Only protocol problems (unknown method, malformed params,
// panics) become JSON-RPC errors.
package mcpservice
