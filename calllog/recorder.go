package calllog

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hannes/weather-mcp/mcp"
	"github.com/hannes/weather-mcp/requestid"
)

const insertTimeout = 5 * time.Second

// Recorder stores every call made to the tools it wraps
type Recorder struct {
	db     LoggingDB
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a recorder writing to db
func NewRecorder(db LoggingDB, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{db: db, logger: logger, now: time.Now}
}

// Wrap returns a copy of tool whose handler records each call.
// Storage failures are logged and never reach the MCP client.
func (r *Recorder) Wrap(tool mcp.Tool) mcp.Tool {
	next := tool.Handler
	tool.Handler = func(ctx context.Context, arguments json.RawMessage) (*mcp.CallToolResult, error) {
		start := r.now()
		result, err := next(ctx, arguments)

		record := CallRecord{
			ID:            uuid.New(),
			RequestID:     mcp.RequestIDFromContext(ctx),
			HTTPRequestID: requestid.FromContext(ctx),
			Tool:          tool.Name,
			Arguments:     arguments,
			DurationMS:    r.now().Sub(start).Milliseconds(),
			CreatedAt:     start.UTC(),
		}
		switch {
		case err != nil:
			record.Result = err.Error()
			record.IsError = true
		case result != nil:
			record.Result = result.Text()
			record.IsError = result.IsError
		}

		insertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), insertTimeout)
		defer cancel()
		if insertErr := r.db.InsertCall(insertCtx, record); insertErr != nil {
			r.logger.Warn("Failed to record tool call", "tool", tool.Name, "error", insertErr)
		}

		return result, err
	}
	return tool
}
