package mcp

import (
	"context"
	"encoding/json"
	"strings"
)

const JSONRPCVersion = "2.0"

// JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is the JSON-RPC 2.0 envelope checked before a message is dispatched
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is a JSON-RPC 2.0 response
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// TextContent is a text block of a tool result
type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// NewTextContent returns a text content block
func NewTextContent(text string) TextContent {
	return TextContent{Type: "text", Text: text}
}

// CallToolResult is the result of tools/call
type CallToolResult struct {
	Content []TextContent `json:"content"`
	IsError bool          `json:"isError"`
}

// TextResult wraps a single text block into a tool result
func TextResult(text string, isError bool) *CallToolResult {
	return &CallToolResult{
		Content: []TextContent{NewTextContent(text)},
		IsError: isError,
	}
}

// Text joins the text blocks of the result
func (r *CallToolResult) Text() string {
	if r == nil {
		return ""
	}
	texts := make([]string, 0, len(r.Content))
	for _, c := range r.Content {
		texts = append(texts, c.Text)
	}
	return strings.Join(texts, "\n")
}

// ToolHandler runs a tool with its raw JSON arguments.
// A returned error is an internal failure, not a tool-level error result.
type ToolHandler func(ctx context.Context, arguments json.RawMessage) (*CallToolResult, error)

// Tool is a callable exposed through tools/list and tools/call
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
	Handler     ToolHandler
}

type callToolParams struct {
	Name string `json:"name"`
}
