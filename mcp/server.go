package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

var (
	// ErrUnknownTool is returned when tools/call names an unregistered tool
	ErrUnknownTool = errors.New("unknown tool")
	// ErrDuplicateTool is returned when a tool name is registered twice
	ErrDuplicateTool = errors.New("tool already registered")
)

// ToolError wraps an internal failure raised by a tool handler
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

type contextKey int

const (
	requestIDKey contextKey = iota
	failureKey
)

// WithRequestID stores the JSON-RPC id of the request being served
func WithRequestID(ctx context.Context, id json.RawMessage) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the JSON-RPC id stored by the server, unquoted
// when it is a string
func RequestIDFromContext(ctx context.Context) string {
	id, ok := ctx.Value(requestIDKey).(json.RawMessage)
	if !ok || len(id) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(id, &s); err == nil {
		return s
	}
	return string(id)
}

// toolFailure receives the internal error of a tool called for one message
type toolFailure struct {
	err *ToolError
}

// Server dispatches MCP messages to registered tools.
//
// Protocol handling is done by mcp-go; Server validates the JSON-RPC
// envelope first and keeps its own tool registry so that tool failures can
// be reported to the caller instead of being folded into a result.
type Server struct {
	name    string
	version string
	logger  *slog.Logger
	mcp     *mcpserver.MCPServer

	mu    sync.RWMutex
	tools map[string]Tool
}

// NewServer creates an MCP server advertising the given name and version
func NewServer(name, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		name:    name,
		version: version,
		logger:  logger,
		mcp:     mcpserver.NewMCPServer(name, version, mcpserver.WithToolCapabilities(false)),
		tools:   make(map[string]Tool),
	}
}

// Name returns the advertised server name
func (s *Server) Name() string {
	return s.name
}

// Version returns the advertised server version
func (s *Server) Version() string {
	return s.version
}

// AddTool registers a tool
func (s *Server) AddTool(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %s has no handler", tool.Name)
	}
	if tool.InputSchema == nil {
		tool.InputSchema = map[string]interface{}{"type": "object"}
	}
	schema, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return fmt.Errorf("tool %s has an invalid input schema: %w", tool.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tools[tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, tool.Name)
	}
	s.tools[tool.Name] = tool
	s.mcp.AddTool(mcpgo.NewToolWithRawSchema(tool.Name, tool.Description, schema), s.toolHandler(tool))
	return nil
}

// Tools returns the registered tools sorted by name
func (s *Server) Tools() []Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := make([]Tool, 0, len(s.tools))
	for _, t := range s.tools {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

func (s *Server) hasTool(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tools[name]
	return ok
}

// HandleMessage processes a single raw JSON-RPC message.
//
// Notifications yield a nil response. Protocol problems are reported inside
// the response; a non-nil error means a tool failed internally.
func (s *Server) HandleMessage(ctx context.Context, raw json.RawMessage) (*Response, error) {
	if !json.Valid(raw) {
		return errorResponse(nil, CodeParseError, "Parse error"), nil
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(nil, CodeInvalidRequest, "Invalid Request"), nil
	}
	if req.JSONRPC != JSONRPCVersion || req.Method == "" {
		return errorResponse(req.ID, CodeInvalidRequest, "Invalid Request"), nil
	}

	if req.IsNotification() {
		s.logger.Debug("MCP notification received", "method", req.Method)
		s.mcp.HandleMessage(ctx, raw)
		return nil, nil
	}

	if req.Method == string(mcpgo.MethodToolsCall) {
		var params callToolParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			return errorResponse(req.ID, CodeInvalidParams, "Invalid tools/call params: tool name is required"), nil
		}
		if !s.hasTool(params.Name) {
			return errorResponse(req.ID, CodeInvalidParams, fmt.Sprintf("%v: %s", ErrUnknownTool, params.Name)), nil
		}
	}

	failure := &toolFailure{}
	ctx = context.WithValue(WithRequestID(ctx, req.ID), failureKey, failure)

	out := s.mcp.HandleMessage(ctx, raw)
	if failure.err != nil {
		return nil, failure.err
	}
	return decodeResponse(req.ID, out)
}

// toolHandler adapts a Tool to the mcp-go handler signature
func (s *Server) toolHandler(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		args, err := json.Marshal(request.Params.Arguments)
		if err != nil || string(args) == "null" {
			args = json.RawMessage(`{}`)
		}

		s.logger.Info("Calling tool", "tool", tool.Name, "request_id", RequestIDFromContext(ctx))
		result, err := tool.Handler(ctx, args)
		if err != nil {
			toolErr := &ToolError{Tool: tool.Name, Err: err}
			if failure, ok := ctx.Value(failureKey).(*toolFailure); ok {
				failure.err = toolErr
			}
			return nil, toolErr
		}
		return toLibraryResult(result), nil
	}
}

func toLibraryResult(result *CallToolResult) *mcpgo.CallToolResult {
	out := &mcpgo.CallToolResult{Content: []mcpgo.Content{}}
	if result == nil {
		return out
	}
	out.IsError = result.IsError
	for _, c := range result.Content {
		out.Content = append(out.Content, mcpgo.NewTextContent(c.Text))
	}
	return out
}

// decodeResponse converts an mcp-go message into a Response carrying the
// id exactly as the client sent it
func decodeResponse(id json.RawMessage, message any) (*Response, error) {
	if message == nil {
		return nil, nil
	}
	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to encode MCP response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode MCP response: %w", err)
	}
	resp.JSONRPC = JSONRPCVersion
	resp.ID = normalizeID(id)
	return &resp, nil
}

func errorResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{
		JSONRPC: JSONRPCVersion,
		ID:      normalizeID(id),
		Error:   &Error{Code: code, Message: message},
	}
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
