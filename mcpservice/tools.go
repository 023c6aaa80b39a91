package mcpservice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/ggoodman/mcp-sse-relay/internal/logctx"
	"github.com/ggoodman/mcp-sse-relay/mcp"
)

// ToolHandler is the function signature used to handle a tool invocation.
type ToolHandler func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

// StaticTool pairs an MCP tool descriptor with its handler.
type StaticTool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
}

// Validator is implemented by argument structs that need checks beyond what
// the reflected schema expresses.
type Validator interface {
	Validate() error
}

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description               string
	allowAdditionalProperties bool // default false (strict)
}

// WithToolDescription sets the tool description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolAllowAdditionalProperties controls whether unknown fields are allowed.
// When false (default), the generated schema sets additionalProperties=false and
// runtime decoding rejects unknown fields.
func WithToolAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// NewTool constructs a StaticTool from a typed args struct A. It:
//   - reflects a JSON Schema from A using invopop/jsonschema
//   - down-converts it to MCP's simplified ToolInputSchema
//   - wraps fn with required-field checks, strict decoding and, when A
//     implements Validator, a call to Validate.
//
// Every failure before fn runs is returned as a *ValidationError.
func NewTool[A any](name string, fn func(ctx context.Context, args A) (*mcp.CallToolResult, error), opts ...ToolOption) StaticTool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	input := reflectInputSchema[A](cfg.allowAdditionalProperties)
	desc := mcp.Tool{
		Name:        name,
		Description: cfg.description,
		InputSchema: input,
	}

	handler := func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		raw := req.Arguments
		if len(raw) == 0 || string(raw) == "null" {
			raw = json.RawMessage("{}")
		}
		if err := checkPresent(raw, input.Required); err != nil {
			return nil, err
		}
		args, err := decodeArgs[A](raw, !cfg.allowAdditionalProperties)
		if err != nil {
			return nil, err
		}
		if v, ok := any(&args).(Validator); ok {
			if err := v.Validate(); err != nil {
				return nil, err
			}
		}
		return fn(ctx, args)
	}

	return StaticTool{Descriptor: desc, Handler: handler}
}

// reflectInputSchema reflects a Go type A into a jsonschema.Schema, and
// converts it to the simplified mcp.ToolInputSchema.
func reflectInputSchema[A any](allowAdditional bool) mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true, // inline defs
		ExpandedStruct:            true, // put struct at root
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))

	out := mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           map[string]mcp.SchemaProperty{},
		Required:             []string{},
		AdditionalProperties: allowAdditional,
	}
	// Only object schemas map cleanly to MCP ToolInputSchema.
	if s == nil || s.Type != "object" {
		return out
	}
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			out.Properties[el.Key] = toMCPProperty(el.Value)
		}
	}
	out.Required = append(out.Required, s.Required...)
	return out
}

// toMCPProperty recursively maps a jsonschema.Schema to the simplified MCP SchemaProperty.
func toMCPProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
		MaxLength:   s.MaxLength,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toMCPProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toMCPProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}

// ToolsContainer owns a mutable, threadsafe set of tool descriptors and
// handlers. Listing order is registration order.
type ToolsContainer struct {
	mu         sync.RWMutex
	order      []string
	tools      map[string]StaticTool
	middleware []ToolMiddleware
	log        *slog.Logger
}

// NewToolsContainer constructs a new ToolsContainer with the given tool definitions.
func NewToolsContainer(defs ...StaticTool) *ToolsContainer {
	tc := &ToolsContainer{
		tools: make(map[string]StaticTool, len(defs)),
		log:   slog.Default(),
	}
	for _, d := range defs {
		tc.Register(d)
	}
	return tc
}

// SetLogger replaces the logger used for registry warnings.
func (tc *ToolsContainer) SetLogger(log *slog.Logger) {
	if log == nil {
		return
	}
	tc.mu.Lock()
	tc.log = log
	tc.mu.Unlock()
}

// Use appends middleware applied to every tool call. The first middleware
// given is the outermost.
func (tc *ToolsContainer) Use(mw ...ToolMiddleware) {
	tc.mu.Lock()
	tc.middleware = append(tc.middleware, mw...)
	tc.mu.Unlock()
}

// Register adds def, replacing any tool of the same name. It reports whether
// an existing tool was replaced.
func (tc *ToolsContainer) Register(def StaticTool) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	name := def.Descriptor.Name
	_, exists := tc.tools[name]
	if exists {
		tc.log.Warn("tools.register.overwrite", slog.String("tool", name))
	} else {
		tc.order = append(tc.order, name)
	}
	tc.tools[name] = def
	return exists
}

// Unregister removes a tool by name. Returns true if removed.
func (tc *ToolsContainer) Unregister(name string) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if _, ok := tc.tools[name]; !ok {
		return false
	}
	delete(tc.tools, name)
	for i, n := range tc.order {
		if n == name {
			tc.order = append(tc.order[:i], tc.order[i+1:]...)
			break
		}
	}
	return true
}

// Names returns the registered tool names in registration order.
func (tc *ToolsContainer) Names() []string {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	out := make([]string, len(tc.order))
	copy(out, tc.order)
	return out
}

func (tc *ToolsContainer) Len() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return len(tc.order)
}

// List returns a copy of the current tool descriptors.
func (tc *ToolsContainer) List() []mcp.Tool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	out := make([]mcp.Tool, 0, len(tc.order))
	for _, n := range tc.order {
		out = append(out, tc.tools[n].Descriptor)
	}
	return out
}

// Call dispatches a request to the named tool. Failures are returned as
// *ToolNotFoundError or *ToolExecutionError.
func (tc *ToolsContainer) Call(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
	tc.mu.RLock()
	def, ok := tc.tools[req.Name]
	mw := tc.middleware
	tc.mu.RUnlock()
	if !ok || def.Handler == nil {
		return nil, &ToolNotFoundError{Name: req.Name}
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: req.Name})

	h := def.Handler
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	res, err := h(ctx, req)
	if err != nil {
		return nil, &ToolExecutionError{Name: req.Name, Err: err}
	}
	if res == nil {
		return nil, &ToolExecutionError{Name: req.Name, Err: fmt.Errorf("handler returned no result")}
	}
	return res, nil
}

// TextResult is a small helper to build a text CallToolResult.
func TextResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: s}}}
}

// Errorf returns an error CallToolResult with a single text block and IsError=true.
func Errorf(format string, a ...any) *mcp.CallToolResult {
	msg := fmt.Sprintf(format, a...)
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: msg}}, IsError: true}
}
