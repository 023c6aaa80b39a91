package mcpservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/mcp-sse-relay/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-relay/internal/logctx"
	"github.com/ggoodman/mcp-sse-relay/mcp"
)

// DefaultServerInfo is advertised when no WithServerInfo option is given.
var DefaultServerInfo = mcp.ImplementationInfo{Name: "hello-world-mcp", Version: "2.0.0"}

type methodHandler func(ctx context.Context, req *jsonrpc.Request) (any, error)

// Server is the protocol dispatcher. The method table is fixed at
// construction and never mutated, so a Server is safe for concurrent use.
type Server struct {
	log          *slog.Logger
	info         mcp.ImplementationInfo
	instructions string
	tools        *ToolsContainer
	methods      map[string]methodHandler
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the logger used for dispatch events.
func WithLogger(log *slog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// WithServerInfo sets the implementation info returned by initialize.
func WithServerInfo(info mcp.ImplementationInfo) ServerOption {
	return func(s *Server) { s.info = info }
}

// WithInstructions sets human-readable instructions returned during initialize.
func WithInstructions(instr string) ServerOption {
	return func(s *Server) { s.instructions = instr }
}

// WithTools sets the tool registry served by tools/list and tools/call.
func WithTools(tools *ToolsContainer) ServerOption {
	return func(s *Server) { s.tools = tools }
}

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		log:  slog.Default(),
		info: DefaultServerInfo,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tools == nil {
		s.tools = NewToolsContainer()
	}
	s.methods = map[string]methodHandler{
		string(mcp.InitializeMethod):    s.handleInitialize,
		string(mcp.PingMethod):          s.handlePing,
		string(mcp.ToolsListMethod):     s.handleToolsList,
		string(mcp.ToolsCallMethod):     s.handleToolsCall,
		string(mcp.PromptsListMethod):   s.handlePromptsList,
		string(mcp.ResourcesListMethod): s.handleResourcesList,
	}
	return s
}

// Info returns the advertised implementation info.
func (s *Server) Info() mcp.ImplementationInfo { return s.info }

// Dispatch routes msg to its handler and returns the response envelope to
// deliver, or nil when msg needs no reply (notifications and responses).
// Handler failures are reported inside the returned envelope; the error
// return is reserved for a cancelled context.
func (s *Server) Dispatch(ctx context.Context, msg *jsonrpc.AnyMessage) (resp *jsonrpc.Response, err error) {
	if msg == nil {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch msg.Type() {
	case "response":
		s.log.DebugContext(ctx, "rpc.response.ignored", slog.String("id", msg.ID.String()))
		return nil, nil
	case "notification":
		s.log.DebugContext(ctx, "rpc.notification", slog.String("method", msg.Method))
		return nil, nil
	}
	if strings.HasSuffix(msg.Method, "/initialized") {
		s.log.DebugContext(ctx, "rpc.notification", slog.String("method", msg.Method))
		return nil, nil
	}

	req := msg.AsRequest()
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: "request"})
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			s.log.ErrorContext(ctx, "rpc.handle.panic", slog.String("err", fmt.Sprint(r)))
			resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, fmt.Sprintf("Internal error: %v", r), nil)
			err = nil
		}
	}()

	h, ok := s.methods[req.Method]
	if !ok {
		s.log.InfoContext(ctx, "rpc.handle.not_found", slog.Duration("dur", time.Since(start)))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "Method not found", nil), nil
	}

	result, herr := h(ctx, req)
	if herr != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(herr, &rpcErr) {
			s.log.InfoContext(ctx, "rpc.handle.invalid", slog.String("err", rpcErr.Message), slog.Duration("dur", time.Since(start)))
			return jsonrpc.NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data), nil
		}
		s.log.ErrorContext(ctx, "rpc.handle.fail", slog.String("err", herr.Error()), slog.Duration("dur", time.Since(start)))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "Internal error: "+herr.Error(), nil), nil
	}

	out, merr := jsonrpc.NewResultResponse(req.ID, result)
	if merr != nil {
		s.log.ErrorContext(ctx, "rpc.handle.fail", slog.String("err", merr.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "Internal error: "+merr.Error(), nil), nil
	}
	s.log.DebugContext(ctx, "rpc.handle.ok", slog.Duration("dur", time.Since(start)))
	return out, nil
}

func invalidParams(err error) error {
	return &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "Invalid params: " + err.Error()}
}

func (s *Server) handleInitialize(ctx context.Context, req *jsonrpc.Request) (any, error) {
	if len(req.Params) > 0 {
		var params mcp.InitializeRequest
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, invalidParams(err)
		}
		s.log.InfoContext(ctx, "rpc.initialize",
			slog.String("client", params.ClientInfo.Name),
			slog.String("client_version", params.ClientInfo.Version),
			slog.String("protocol_version", params.ProtocolVersion),
		)
	}
	return &mcp.InitializeResult{
		ProtocolVersion: mcp.ProtocolVersion,
		Capabilities: mcp.ServerCapabilities{
			Tools:     &mcp.ToolsCapability{},
			Prompts:   &mcp.PromptsCapability{},
			Resources: &mcp.ResourcesCapability{},
		},
		ServerInfo:   s.info,
		Instructions: s.instructions,
	}, nil
}

func (s *Server) handlePing(context.Context, *jsonrpc.Request) (any, error) {
	return mcp.EmptyResult{}, nil
}

func (s *Server) handleToolsList(context.Context, *jsonrpc.Request) (any, error) {
	return &mcp.ListToolsResult{Tools: s.tools.List()}, nil
}

func (s *Server) handleToolsCall(ctx context.Context, req *jsonrpc.Request) (any, error) {
	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, invalidParams(err)
	}

	res, err := s.tools.Call(ctx, &params)
	if err == nil {
		return res, nil
	}

	var notFound *ToolNotFoundError
	if errors.As(err, &notFound) {
		return Errorf("Error: %s", notFound.Error()), nil
	}
	var execErr *ToolExecutionError
	if errors.As(err, &execErr) {
		return Errorf("Error: %s", execErr.Err.Error()), nil
	}
	return nil, err
}

func (s *Server) handlePromptsList(context.Context, *jsonrpc.Request) (any, error) {
	return &mcp.ListPromptsResult{Prompts: []mcp.Prompt{}}, nil
}

func (s *Server) handleResourcesList(context.Context, *jsonrpc.Request) (any, error) {
	return &mcp.ListResourcesResult{Resources: []mcp.Resource{}}, nil
}
