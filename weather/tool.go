package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hannes/weather-mcp/mcp"
)

const ToolName = "get_weather"

// ToolArguments are the arguments accepted by the get_weather tool
type ToolArguments struct {
	City    *string `json:"city,omitempty"`
	ZIPCode *string `json:"zip_code,omitempty"`
}

// Forecaster is the part of Service the tool depends on
type Forecaster interface {
	GetWeather(ctx context.Context, city, zipCode string) (string, error)
}

// Tool exposes the forecaster as the get_weather MCP tool.
//
// Lookup failures are reported as error results so the client can show them;
// only malformed arguments fail the call itself.
func Tool(f Forecaster) mcp.Tool {
	return mcp.Tool{
		Name:        ToolName,
		Description: "Get weather information for a city or ZIP code",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"city": map[string]interface{}{
					"type":        "string",
					"description": "City name, e.g. \"Boston\" or \"Boston, MA\"",
				},
				"zip_code": map[string]interface{}{
					"type":        "string",
					"description": "US ZIP code, e.g. \"02101\"; takes precedence over city",
				},
			},
		},
		Handler: func(ctx context.Context, arguments json.RawMessage) (*mcp.CallToolResult, error) {
			var args ToolArguments
			if err := json.Unmarshal(arguments, &args); err != nil {
				return nil, fmt.Errorf("invalid get_weather arguments: %w", err)
			}
			return ResultFor(ctx, f, args), nil
		},
	}
}

// ResultFor runs a lookup and renders it as a tool result
func ResultFor(ctx context.Context, f Forecaster, args ToolArguments) *mcp.CallToolResult {
	city, zipCode := deref(args.City), deref(args.ZIPCode)

	text, err := f.GetWeather(ctx, city, zipCode)
	if err == nil {
		return mcp.TextResult(text, false)
	}

	var msg string
	switch {
	case errors.Is(err, ErrLocationUnresolved):
		msg = fmt.Sprintf("Could not resolve location: city=%s, zip_code=%s", display(args.City), display(args.ZIPCode))
	case errors.Is(err, ErrForecastUnavailable):
		msg = "Failed to fetch weather forecast"
	default:
		msg = fmt.Sprintf("Weather service error: %v", err)
	}
	return mcp.TextResult("Error: "+msg, true)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// display renders an absent argument as None
func display(s *string) string {
	if s == nil {
		return "None"
	}
	return *s
}
