package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dagger.io/dagger"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/hannes/weather-mcp/config"
	"github.com/hannes/weather-mcp/container"
	"github.com/hannes/weather-mcp/server"
	"github.com/hannes/weather-mcp/weather"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// serveFlags mirror the process supervisor settings of the Alpine image
type serveFlags struct {
	bind              string
	workers           int
	threads           int
	workerConnections int
	timeout           int
	keepAlive         int
	preload           bool
	maxRequests       int
	maxRequestsJitter int
}

func newRootCmd() *cobra.Command {
	var configPath string
	flags := &serveFlags{}

	root := &cobra.Command{
		Use:          "weather-mcp",
		Short:        "Weather MCP server for US cities and ZIP codes",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, flags)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to JSON config file")
	addServeFlags(root, flags)

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, flags)
		},
	}
	addServeFlags(serve, flags)

	root.AddCommand(serve, newWeatherCmd(&configPath), newImageCmd())
	return root
}

func addServeFlags(cmd *cobra.Command, f *serveFlags) {
	defaults := config.DefaultConfig().Server
	fs := cmd.Flags()
	fs.StringVar(&f.bind, "bind", "", "Listen address as HOST:PORT")
	fs.IntVar(&f.workers, "workers", defaults.Workers, "Worker pools")
	fs.IntVar(&f.threads, "threads", defaults.Threads, "Concurrent requests per worker")
	fs.IntVar(&f.workerConnections, "worker-connections", defaults.WorkerConnections, "Maximum simultaneous connections")
	fs.IntVar(&f.timeout, "timeout", int(defaults.Timeout/time.Second), "Request timeout in seconds")
	fs.IntVar(&f.keepAlive, "keep-alive", int(defaults.KeepAlive/time.Second), "Keep-alive idle timeout in seconds")
	fs.BoolVar(&f.preload, "preload", defaults.Preload, "Accepted for compatibility; the application is always built before accepting connections")
	fs.IntVar(&f.maxRequests, "max-requests", defaults.MaxRequests, "Requests per connection before it is recycled (0 disables)")
	fs.IntVar(&f.maxRequestsJitter, "max-requests-jitter", defaults.MaxRequestsJitter, "Random extra requests added to max-requests")
}

// loadConfig layers defaults, the JSON file, .env and the environment
func loadConfig(configPath string) (*config.Config, error) {
	if err := godotenv.Load(); err == nil {
		slog.Debug("Loaded .env file from current directory")
	}

	cfg := config.DefaultConfig()
	if configPath != "" {
		if err := config.LoadFile(configPath, cfg); err != nil {
			return nil, err
		}
	}
	loadConfigFromEnv(cfg)
	return cfg, nil
}

// applyServeFlags overrides cfg with flags set on the command line
func applyServeFlags(cmd *cobra.Command, f *serveFlags, cfg *config.Config) error {
	changed := cmd.Flags().Changed

	if changed("bind") {
		host, port, err := net.SplitHostPort(f.bind)
		if err != nil {
			return fmt.Errorf("invalid --bind %q: %w", f.bind, err)
		}
		cfg.Host = host
		cfg.Port = ":" + port
	}
	if changed("workers") {
		cfg.Server.Workers = f.workers
	}
	if changed("threads") {
		cfg.Server.Threads = f.threads
	}
	if changed("worker-connections") {
		cfg.Server.WorkerConnections = f.workerConnections
	}
	if changed("timeout") {
		cfg.Server.Timeout = time.Duration(f.timeout) * time.Second
	}
	if changed("keep-alive") {
		cfg.Server.KeepAlive = time.Duration(f.keepAlive) * time.Second
	}
	if changed("preload") {
		cfg.Server.Preload = f.preload
	}
	if changed("max-requests") {
		cfg.Server.MaxRequests = f.maxRequests
	}
	if changed("max-requests-jitter") {
		cfg.Server.MaxRequestsJitter = f.maxRequestsJitter
	}
	return nil
}

func runServe(cmd *cobra.Command, configPath string, flags *serveFlags) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := applyServeFlags(cmd, flags, cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cfg)
	cfg.LogSummary(logger)
	if !cfg.Server.Preload {
		logger.Info("Preload disabled, but the application is always built before accepting connections")
	}

	flush, err := initSentry(cfg, logger)
	if err != nil {
		return err
	}
	defer flush()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}

	srv, err := server.NewServer(cfg, app.mcp, app.loggingDB, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Warn("Failed to close call log", "error", err)
		}
	}()

	if err := srv.Start(ctx); err != nil {
		logger.Error("Server stopped with error", "error", err)
		return err
	}
	logger.Info("Server stopped")
	return nil
}

func newWeatherCmd(configPath *string) *cobra.Command {
	var city, zipCode string

	cmd := &cobra.Command{
		Use:   "weather",
		Short: "Print the current forecast for a city or ZIP code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logger := newLogger(cfg)

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			app, err := buildApplication(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = app.loggingDB.Close() }()

			result := weather.ResultFor(ctx, app.weather, weather.ToolArguments{
				City:    optional(city),
				ZIPCode: optional(zipCode),
			})
			fmt.Fprintln(cmd.OutOrStdout(), result.Text())
			if result.IsError {
				return errors.New("weather lookup failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&city, "city", "", "City name, e.g. \"Boston, MA\"")
	cmd.Flags().StringVar(&zipCode, "zip", "", "US ZIP code")
	return cmd
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func newImageCmd() *cobra.Command {
	image := &cobra.Command{
		Use:   "image",
		Short: "Render or build the container images",
	}
	image.AddCommand(newImageRenderCmd(), newImageBuildCmd())
	return image
}

func newImageRenderCmd() *cobra.Command {
	var variantName, output string

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print the Dockerfile for an image variant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			variant, err := container.ParseVariant(variantName)
			if err != nil {
				return err
			}
			dockerfile, err := container.Render(container.DefaultOptions(variant))
			if err != nil {
				return err
			}
			if output == "" {
				_, err = fmt.Fprint(cmd.OutOrStdout(), dockerfile)
				return err
			}
			if err := os.WriteFile(output, []byte(dockerfile), 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&variantName, "variant", string(container.VariantAlpine), "Image variant: alpine or slim")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to this file instead of stdout")
	return cmd
}

func newImageBuildCmd() *cobra.Command {
	var variantName, contextDir, publish string

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build an image variant with dagger and check its runtime contract",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			variant, err := container.ParseVariant(variantName)
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

			ctx := cmd.Context()
			client, err := dagger.Connect(ctx, dagger.WithLogOutput(os.Stderr))
			if err != nil {
				return fmt.Errorf("failed to connect to dagger: %w", err)
			}
			defer func() { _ = client.Close() }()

			result, err := container.NewBuilder(client, logger).Build(ctx, contextDir, container.DefaultOptions(variant), publish)
			if err != nil {
				return err
			}
			logger.Info("Image built", "variant", result.Variant, "user", result.Facts.User, "port", result.Facts.Port, "ref", result.Ref)
			return nil
		},
	}
	cmd.Flags().StringVar(&variantName, "variant", string(container.VariantAlpine), "Image variant: alpine or slim")
	cmd.Flags().StringVar(&contextDir, "context", ".", "Build context directory")
	cmd.Flags().StringVar(&publish, "publish", "", "Registry reference to publish to")
	return cmd
}
