package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// APIEndpoint describes how to reach an upstream HTTP API
type APIEndpoint struct {
	Protocol string `json:"protocol"`
	Host     string `json:"host"`
	Port     string `json:"port"`
	Path     string `json:"path"`
}

// BaseURL returns protocol://host[:port] without the path.
// Standard ports (80, 443) are omitted.
func (e APIEndpoint) BaseURL() string {
	return BuildAPIURL(e.Host, e.Port, e.Protocol, "")
}

// URL returns the full endpoint URL including the path
func (e APIEndpoint) URL() string {
	return BuildAPIURL(e.Host, e.Port, e.Protocol, e.Path)
}

// BuildAPIURL builds an API URL from its components
func BuildAPIURL(host, port, protocol, path string) string {
	portStr := ""
	if port != "" && port != "443" && port != "80" {
		portStr = ":" + port
	}
	return fmt.Sprintf("%s://%s%s%s", protocol, host, portStr, path)
}

// ServerConfig holds the process supervision settings applied to the HTTP server
type ServerConfig struct {
	Workers           int           `json:"workers"`            // Worker pools sharing the listener
	Threads           int           `json:"threads"`            // Concurrent requests per worker
	WorkerConnections int           `json:"worker_connections"` // Maximum simultaneous client connections
	Timeout           time.Duration `json:"timeout"`            // Per-request deadline
	KeepAlive         time.Duration `json:"keep_alive"`         // Idle keep-alive window
	Preload           bool          `json:"preload"`            // Build the application before accepting traffic
	MaxRequests       int           `json:"max_requests"`       // Requests served per connection before it is recycled (0 disables)
	MaxRequestsJitter int           `json:"max_requests_jitter"`
}

// MaxInFlight returns how many requests may be handled at the same time
func (sc ServerConfig) MaxInFlight() int {
	return sc.Workers * sc.Threads
}

// DatabaseConfig holds call log database configuration
type DatabaseConfig struct {
	Enabled      bool   // Whether to use database storage
	Host         string // Database host
	Port         int    // Database port
	Database     string // Database name
	Username     string // Database username
	Password     string // Database password
	SSLMode      string // SSL mode (disable, require, etc.)
	MaxOpenConns int    // Maximum open connections
	MaxIdleConns int    // Maximum idle connections
	MaxLifetime  int    // Connection max lifetime in seconds
	MaxEntries   int    // Entries kept by the in-memory fallback
	CleanupHours int    // Hours after which to cleanup old call records
}

// LoggingConfig holds logging configuration options
type LoggingConfig struct {
	Level        string // DEBUG, INFO, WARNING, ERROR or CRITICAL
	LogRequests  bool   // Log MCP request bodies at debug level
	LogResponses bool   // Log MCP response bodies at debug level
}

// SentryConfig holds error reporting configuration
type SentryConfig struct {
	DSN         string
	Environment string
	SampleRate  float64
}

// Config holds all configuration for the weather MCP service
type Config struct {
	Host               string
	Port               string
	Environment        string
	UserAgent          string
	NominatimUserAgent string
	WeatherAPI         APIEndpoint
	CensusAPI          APIEndpoint
	NominatimAPI       APIEndpoint
	Server             ServerConfig
	Database           DatabaseConfig
	Logging            LoggingConfig
	Sentry             SentryConfig
}

const (
	EnvironmentProduction  = "production"
	EnvironmentDevelopment = "development"
)

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:               "0.0.0.0",
		Port:               ":5001",
		Environment:        EnvironmentDevelopment,
		UserAgent:          "test@example.com",
		NominatimUserAgent: "weather-mcp",
		WeatherAPI: APIEndpoint{
			Protocol: "https",
			Host:     "api.weather.gov",
			Port:     "443",
			Path:     "/points",
		},
		CensusAPI: APIEndpoint{
			Protocol: "https",
			Host:     "geocoding.geo.census.gov",
			Port:     "443",
			Path:     "/geocoder/locations/onelineaddress",
		},
		NominatimAPI: APIEndpoint{
			Protocol: "https",
			Host:     "nominatim.openstreetmap.org",
			Port:     "443",
			Path:     "/search",
		},
		Server: ServerConfig{
			Workers:           2,
			Threads:           8,
			WorkerConnections: 1000,
			Timeout:           60 * time.Second,
			KeepAlive:         10 * time.Second,
			Preload:           true,
			MaxRequests:       1000,
			MaxRequestsJitter: 50,
		},
		Database: DatabaseConfig{
			Enabled:      false,
			Host:         "localhost",
			Port:         5432,
			Database:     "weather",
			Username:     "postgres",
			Password:     "",
			SSLMode:      "disable",
			MaxOpenConns: 25,
			MaxIdleConns: 25,
			MaxLifetime:  300,
			MaxEntries:   5000,
			CleanupHours: 24,
		},
		Logging: LoggingConfig{
			Level:        "INFO",
			LogRequests:  true,
			LogResponses: true,
		},
		Sentry: SentryConfig{
			SampleRate: 1.0,
		},
	}
}

// Address returns the listen address
func (c *Config) Address() string {
	return c.Host + c.Port
}

// IsCloud reports whether the service runs on the managed cloud platform
func (c *Config) IsCloud() bool {
	return os.Getenv("K_SERVICE") != "" || c.Port == ":8080"
}

// IsProduction reports whether the production environment is selected
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, EnvironmentProduction)
}

// SlogLevel maps the configured level name onto a slog level.
// Unknown names fall back to info.
func (lc LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToUpper(lc.Level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARNING", "WARN":
		return slog.LevelWarn
	case "ERROR", "CRITICAL":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Validate checks the configuration and returns the first problem found
func (c *Config) Validate() error {
	if err := validatePort(c.Port, "Port"); err != nil {
		return err
	}
	if c.Host != "" {
		if err := validateDomain(c.Host, "Host"); err != nil {
			return err
		}
	}

	endpoints := []struct {
		name string
		ep   APIEndpoint
	}{
		{"WeatherAPI", c.WeatherAPI},
		{"CensusAPI", c.CensusAPI},
		{"NominatimAPI", c.NominatimAPI},
	}
	for _, e := range endpoints {
		if err := validateEndpoint(e.ep, e.name); err != nil {
			return err
		}
	}

	if err := validateLogLevel(c.Logging.Level); err != nil {
		return err
	}

	if c.Server.Workers < 1 {
		return fmt.Errorf("Server.Workers: must be at least 1 (current value: %d)", c.Server.Workers)
	}
	if c.Server.Threads < 1 {
		return fmt.Errorf("Server.Threads: must be at least 1 (current value: %d)", c.Server.Threads)
	}
	if c.Server.WorkerConnections < 1 {
		return fmt.Errorf("Server.WorkerConnections: must be at least 1 (current value: %d)", c.Server.WorkerConnections)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("Server.Timeout: must be positive (current value: %s)", c.Server.Timeout)
	}
	if c.Server.MaxRequests < 0 || c.Server.MaxRequestsJitter < 0 {
		return fmt.Errorf("Server.MaxRequests: values cannot be negative")
	}

	if c.Database.Enabled && c.Database.Port < 1 {
		return fmt.Errorf("Database.Port: port must be between 1 and 65535 (current value: %d)", c.Database.Port)
	}

	return nil
}

var domainPattern = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

// validatePort checks a port in ':PORT' form
func validatePort(port, fieldName string) error {
	if port == "" {
		return fmt.Errorf("%s: port cannot be empty", fieldName)
	}
	if !strings.HasPrefix(port, ":") {
		return fmt.Errorf("%s: port must be in format ':PORT' where PORT is numeric (current value: %s)", fieldName, port)
	}
	n, err := strconv.Atoi(port[1:])
	if err != nil {
		return fmt.Errorf("%s: port must be in format ':PORT' where PORT is numeric (current value: %s)", fieldName, port)
	}
	if n < 1 || n > 65535 {
		return fmt.Errorf("%s: port must be between 1 and 65535 (current value: %d)", fieldName, n)
	}
	return nil
}

// validateDomain checks that a host is an IP address or a plausible domain name
func validateDomain(domain, fieldName string) error {
	if domain == "" {
		return fmt.Errorf("%s: domain cannot be empty", fieldName)
	}
	if net.ParseIP(domain) != nil {
		return nil
	}
	if len(domain) > 253 || !domainPattern.MatchString(domain) {
		return fmt.Errorf("%s: invalid domain name (current value: %s)", fieldName, domain)
	}
	return nil
}

func validateEndpoint(ep APIEndpoint, fieldName string) error {
	if ep.Protocol != "http" && ep.Protocol != "https" {
		return fmt.Errorf("%s: protocol must be http or https (current value: %s)", fieldName, ep.Protocol)
	}
	if err := validateDomain(ep.Host, fieldName); err != nil {
		return err
	}
	if ep.Port != "" {
		if err := validatePort(":"+ep.Port, fieldName); err != nil {
			return err
		}
	}
	if ep.Path != "" && !strings.HasPrefix(ep.Path, "/") {
		return fmt.Errorf("%s: path must start with '/' (current value: %s)", fieldName, ep.Path)
	}
	return nil
}

func validateLogLevel(level string) error {
	switch strings.ToUpper(level) {
	case "DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL":
		return nil
	}
	return fmt.Errorf("Logging.Level: must be one of DEBUG, INFO, WARNING, ERROR, CRITICAL (current value: %s)", level)
}

// LogSummary logs the resolved configuration at startup
func (c *Config) LogSummary(logger *slog.Logger) {
	logger.Info("Weather MCP Server configuration")
	logger.Info("API configuration",
		"weather_api", c.WeatherAPI.URL(),
		"census_api", c.CensusAPI.URL(),
		"nominatim_api", c.NominatimAPI.URL(),
		"user_agent", c.UserAgent,
		"log_level", strings.ToUpper(c.Logging.Level),
	)
	logger.Info("Server configuration",
		"address", c.Address(),
		"environment", c.Environment,
		"workers", c.Server.Workers,
		"threads", c.Server.Threads,
		"worker_connections", c.Server.WorkerConnections,
		"timeout", c.Server.Timeout,
		"keep_alive", c.Server.KeepAlive,
		"max_requests", c.Server.MaxRequests,
		"max_requests_jitter", c.Server.MaxRequestsJitter,
	)
}
