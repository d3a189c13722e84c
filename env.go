package main

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/hannes/weather-mcp/config"
)

const TRUE = "true"

// loadConfigFromEnv loads configuration from environment variables
func loadConfigFromEnv(cfg *config.Config) {
	loadApplicationConfig(cfg)
	loadAPIConfig(cfg)
	loadServerConfig(cfg)
	loadDatabaseConfig(cfg)
	loadLoggingConfig(cfg)
	loadSentryConfig(cfg)
}

// loadApplicationConfig loads application configuration from environment variables
func loadApplicationConfig(cfg *config.Config) {
	if host := os.Getenv("HOST"); host != "" {
		cfg.Host = host
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = normalizePort(port)
	}

	if env := os.Getenv("APP_ENV"); env != "" {
		cfg.Environment = env
	} else if env := os.Getenv("FLASK_ENV"); env != "" {
		cfg.Environment = env
	}

	if userAgent := os.Getenv("NWS_USER_AGENT"); userAgent != "" {
		cfg.UserAgent = userAgent
	}

	if userAgent := os.Getenv("NOMINATIM_USER_AGENT"); userAgent != "" {
		cfg.NominatimUserAgent = userAgent
	}
}

// loadAPIConfig loads upstream API endpoints from environment variables
func loadAPIConfig(cfg *config.Config) {
	loadEndpoint("WEATHER_API", "POINTS_PATH", &cfg.WeatherAPI)
	loadEndpoint("CENSUS_API", "PATH", &cfg.CensusAPI)
	loadEndpoint("NOMINATIM_API", "PATH", &cfg.NominatimAPI)
}

func loadEndpoint(prefix, pathKey string, ep *config.APIEndpoint) {
	if host := os.Getenv(prefix + "_HOST"); host != "" {
		ep.Host = host
	}
	if port := os.Getenv(prefix + "_PORT"); port != "" {
		ep.Port = port
	}
	if protocol := os.Getenv(prefix + "_PROTOCOL"); protocol != "" {
		ep.Protocol = protocol
	}
	if path := os.Getenv(prefix + "_" + pathKey); path != "" {
		ep.Path = path
	}
}

// loadServerConfig loads supervisor settings from environment variables
func loadServerConfig(cfg *config.Config) {
	loadInt("WORKERS", &cfg.Server.Workers)
	loadInt("THREADS", &cfg.Server.Threads)
	loadInt("WORKER_CONNECTIONS", &cfg.Server.WorkerConnections)
	loadInt("MAX_REQUESTS", &cfg.Server.MaxRequests)
	loadInt("MAX_REQUESTS_JITTER", &cfg.Server.MaxRequestsJitter)

	if timeout := os.Getenv("TIMEOUT"); timeout != "" {
		if d, err := config.ParseSeconds(timeout); err == nil {
			cfg.Server.Timeout = d
		} else {
			slog.Warn("Ignoring invalid TIMEOUT", "value", timeout, "error", err)
		}
	}

	if keepAlive := os.Getenv("KEEP_ALIVE"); keepAlive != "" {
		if d, err := config.ParseSeconds(keepAlive); err == nil {
			cfg.Server.KeepAlive = d
		} else {
			slog.Warn("Ignoring invalid KEEP_ALIVE", "value", keepAlive, "error", err)
		}
	}

	if preload := os.Getenv("PRELOAD"); preload != "" {
		cfg.Server.Preload = preload == TRUE
	}
}

// loadDatabaseConfig loads database configuration from environment variables
func loadDatabaseConfig(cfg *config.Config) {
	if dbEnabled := os.Getenv("DB_ENABLED"); dbEnabled != "" {
		cfg.Database.Enabled = dbEnabled == TRUE
	}

	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.Database.Host = host
	}

	loadInt("DB_PORT", &cfg.Database.Port)

	if dbName := os.Getenv("DB_NAME"); dbName != "" {
		cfg.Database.Database = dbName
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.Database.Username = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.Database.Password = password
	}

	if sslMode := os.Getenv("DB_SSL_MODE"); sslMode != "" {
		cfg.Database.SSLMode = sslMode
	}

	loadInt("DB_MAX_ENTRIES", &cfg.Database.MaxEntries)
	loadInt("DB_CLEANUP_HOURS", &cfg.Database.CleanupHours)
}

// loadLoggingConfig loads logging configuration from environment variables
func loadLoggingConfig(cfg *config.Config) {
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = strings.ToUpper(level)
	}

	if logRequests := os.Getenv("LOG_REQUESTS"); logRequests != "" {
		cfg.Logging.LogRequests = logRequests == TRUE
	}

	if logResponses := os.Getenv("LOG_RESPONSES"); logResponses != "" {
		cfg.Logging.LogResponses = logResponses == TRUE
	}
}

// loadSentryConfig loads error reporting configuration from environment variables
func loadSentryConfig(cfg *config.Config) {
	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		cfg.Sentry.DSN = dsn
	}

	if env := os.Getenv("SENTRY_ENVIRONMENT"); env != "" {
		cfg.Sentry.Environment = env
	}

	if rate := os.Getenv("SENTRY_SAMPLE_RATE"); rate != "" {
		if r, err := strconv.ParseFloat(rate, 64); err == nil {
			cfg.Sentry.SampleRate = r
		}
	}
}

func loadInt(key string, dst *int) {
	raw := os.Getenv(key)
	if raw == "" {
		return
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("Ignoring invalid integer setting", "key", key, "value", raw)
		return
	}
	*dst = n
}

// normalizePort turns "8080" into ":8080"; values already in ":PORT" form pass through
func normalizePort(port string) string {
	port = strings.TrimSpace(port)
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}
