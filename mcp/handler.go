package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/getsentry/sentry-go"
)

// MaxBodySize bounds the size of an MCP request body
const MaxBodySize = 1 << 20

// HandlerOptions controls request/response logging of the HTTP handler
type HandlerOptions struct {
	LogRequests  bool
	LogResponses bool
}

// Handler serves MCP over HTTP POST
type Handler struct {
	server  *Server
	logger  *slog.Logger
	options HandlerOptions
}

// NewHandler creates the HTTP handler for an MCP server
func NewHandler(server *Server, logger *slog.Logger, options HandlerOptions) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{server: server, logger: logger, options: options}
}

// ServeHTTP implements the http.Handler interface
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodySize+1))
	if err != nil {
		h.logger.Warn("Failed to read MCP request body", "error", err)
		h.writeJSON(w, http.StatusBadRequest, errorResponse(nil, CodeParseError, "Failed to read request body"))
		return
	}
	if len(body) > MaxBodySize {
		h.writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse(nil, CodeInvalidRequest, "Request body too large"))
		return
	}
	if h.options.LogRequests {
		h.logger.Debug("MCP request received", "body", string(body))
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		h.writeJSON(w, http.StatusBadRequest, errorResponse(nil, CodeParseError, "Parse error: empty request body"))
		return
	}
	if !json.Valid(trimmed) {
		h.writeJSON(w, http.StatusBadRequest, errorResponse(nil, CodeParseError, "Parse error: request body is not valid JSON"))
		return
	}

	if trimmed[0] == '[' {
		h.serveBatch(w, r, trimmed)
		return
	}

	resp, err := h.server.HandleMessage(r.Context(), trimmed)
	if err != nil {
		h.reportError(r, err)
		h.writeJSON(w, http.StatusInternalServerError, errorResponse(messageID(trimmed), CodeInternalError, fmt.Sprintf("MCP request handling failed: %v", err)))
		return
	}
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) serveBatch(w http.ResponseWriter, r *http.Request, body []byte) {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse(nil, CodeParseError, fmt.Sprintf("Parse error: %v", err)))
		return
	}
	if len(raw) == 0 {
		h.writeJSON(w, http.StatusBadRequest, errorResponse(nil, CodeInvalidRequest, "Invalid Request: empty batch"))
		return
	}

	status := http.StatusOK
	responses := make([]*Response, 0, len(raw))
	for _, item := range raw {
		resp, err := h.server.HandleMessage(r.Context(), item)
		if err != nil {
			h.reportError(r, err)
			status = http.StatusInternalServerError
			responses = append(responses, errorResponse(messageID(item), CodeInternalError, fmt.Sprintf("MCP request handling failed: %v", err)))
			continue
		}
		if resp != nil {
			responses = append(responses, resp)
		}
	}

	if len(responses) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	h.writeJSON(w, status, responses)
}

// messageID extracts the id of a message, nil when it has none
func messageID(raw json.RawMessage) json.RawMessage {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil
	}
	return req.ID
}

func (h *Handler) reportError(r *http.Request, err error) {
	h.logger.Error("MCP request handling failed", "error", err)

	hub := sentry.GetHubFromContext(r.Context())
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		hub.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("mcp.tool", toolErr.Tool)
			hub.CaptureException(err)
		})
		return
	}
	hub.CaptureException(err)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("Failed to encode MCP response", "error", err)
		http.Error(w, `{"error":"Unable to serialize response"}`, http.StatusInternalServerError)
		return
	}
	if h.options.LogResponses {
		h.logger.Debug("MCP response", "status", status, "body", string(data))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		h.logger.Warn("Failed to write MCP response", "error", err)
	}
}
