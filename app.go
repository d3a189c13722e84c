package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/hannes/weather-mcp/calllog"
	"github.com/hannes/weather-mcp/config"
	"github.com/hannes/weather-mcp/mcp"
	"github.com/hannes/weather-mcp/providers"
	"github.com/hannes/weather-mcp/weather"
)

const (
	serverName    = "weather-server"
	serverVersion = "1.0"
)

// application holds everything built before the listener opens
type application struct {
	mcp       *mcp.Server
	weather   *weather.Service
	loggingDB calllog.LoggingDB
}

// buildApplication wires geocoders, the weather service, the call log and the MCP server
func buildApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	client := &http.Client{Timeout: 30 * time.Second}

	geocoder := providers.NewChain(logger,
		providers.NewCensusGeocoder(client, cfg.CensusAPI.URL(), cfg.UserAgent, logger),
		providers.NewNominatimGeocoder(client, cfg.NominatimAPI.URL(), cfg.NominatimUserAgent, nil, logger),
	)

	svc := weather.NewService(geocoder, weather.Options{
		Client:     client,
		BaseURL:    cfg.WeatherAPI.BaseURL(),
		PointsPath: cfg.WeatherAPI.Path,
		UserAgent:  cfg.UserAgent,
		MaxRetries: 2,
		Logger:     logger,
	})

	loggingDB, err := openLoggingDB(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	server := mcp.NewServer(serverName, serverVersion, logger)
	recorder := calllog.NewRecorder(loggingDB, logger)
	if err := server.AddTool(recorder.Wrap(weather.Tool(svc))); err != nil {
		_ = loggingDB.Close()
		return nil, fmt.Errorf("failed to register weather tool: %w", err)
	}

	return &application{mcp: server, weather: svc, loggingDB: loggingDB}, nil
}

// openLoggingDB uses Postgres when enabled and falls back to memory when it is unreachable
func openLoggingDB(ctx context.Context, cfg *config.Config, logger *slog.Logger) (calllog.LoggingDB, error) {
	if !cfg.Database.Enabled {
		return calllog.NewInMemoryLoggingDB(cfg.Database.MaxEntries), nil
	}

	dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	db, err := calllog.NewPostgresLoggingDB(dbCtx, calllog.DatabaseConfig{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		Database:     cfg.Database.Database,
		Username:     cfg.Database.Username,
		Password:     cfg.Database.Password,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		MaxLifetime:  time.Duration(cfg.Database.MaxLifetime) * time.Second,
	})
	if err != nil {
		logger.Warn("Failed to connect to call log database, using in-memory storage", "error", err)
		return calllog.NewInMemoryLoggingDB(cfg.Database.MaxEntries), nil
	}
	logger.Info("Connected to call log database", "host", cfg.Database.Host, "database", cfg.Database.Database)
	return db, nil
}

// newLogger builds the process logger and installs it as the slog default
func newLogger(cfg *config.Config) *slog.Logger {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Logging.SlogLevel(),
	}))
	slog.SetDefault(logger)
	return logger
}

// initSentry enables error reporting when a DSN is configured.
// The returned func flushes pending events.
func initSentry(cfg *config.Config, logger *slog.Logger) (func(), error) {
	if cfg.Sentry.DSN == "" {
		return func() {}, nil
	}

	environment := cfg.Sentry.Environment
	if environment == "" {
		environment = cfg.Environment
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.Sentry.DSN,
		Environment:      environment,
		Release:          serverName + "@" + serverVersion,
		SampleRate:       cfg.Sentry.SampleRate,
		AttachStacktrace: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sentry: %w", err)
	}
	logger.Info("Sentry error reporting enabled", "environment", environment)

	return func() { sentry.Flush(2 * time.Second) }, nil
}
