package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/hannes/weather-mcp/calllog"
	"github.com/hannes/weather-mcp/config"
	"github.com/hannes/weather-mcp/mcp"
)

const (
	shutdownTimeout  = 10 * time.Second
	cleanupInterval  = time.Hour
	defaultLogsLimit = 100
	maxLogsLimit     = 1000
)

// Server represents the HTTP server
type Server struct {
	config    *config.Config
	mcp       *mcp.Server
	loggingDB calllog.LoggingDB
	logger    *slog.Logger
	handler   http.Handler
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, mcpServer *mcp.Server, loggingDB calllog.LoggingDB, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if mcpServer == nil {
		return nil, fmt.Errorf("mcp server is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:    cfg,
		mcp:       mcpServer,
		loggingDB: loggingDB,
		logger:    logger,
	}
	s.handler = s.buildHandler()
	return s, nil
}

// Handler returns the fully wrapped HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthCheck)
	mux.Handle("/mcp", mcp.NewHandler(s.mcp, s.logger, mcp.HandlerOptions{
		LogRequests:  s.config.Logging.LogRequests,
		LogResponses: s.config.Logging.LogResponses,
	}))
	mux.HandleFunc("/logs", s.logsHandler)

	sc := s.config.Server
	var h http.Handler = mux
	h = limitRequests(h, sc.MaxInFlight(), sc.Timeout, s.logger)
	h = recycleConnections(h)
	h = accessLog(h, s.logger)
	h = requestID(h)
	h = reportPanics(h)
	h = recoverPanics(h, s.logger)
	return h
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	listener, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener)
}

// Listen opens the configured address, accepting at most WorkerConnections
// connections at a time
func (s *Server) Listen() (net.Listener, error) {
	listener, err := net.Listen("tcp", s.config.Address())
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.config.Address(), err)
	}
	if n := s.config.Server.WorkerConnections; n > 0 {
		listener = netutil.LimitListener(listener, n)
	}
	return listener, nil
}

// newHTTPServer maps the supervisor settings onto an http.Server.
// Queueing and handling share one Timeout budget, so writes get a small
// margin on top of it.
func (s *Server) newHTTPServer() *http.Server {
	sc := s.config.Server
	return &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: sc.Timeout,
		ReadTimeout:       sc.Timeout,
		WriteTimeout:      sc.Timeout + 5*time.Second,
		IdleTimeout:       sc.KeepAlive,
		ConnContext:       connContext(sc.MaxRequests, sc.MaxRequestsJitter),
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
}

// Serve accepts connections on listener until ctx is cancelled
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	sc := s.config.Server
	httpServer := s.newHTTPServer()

	environment := "Local"
	if s.config.IsCloud() {
		environment = "Cloud"
	}
	s.logger.Info("Starting Weather MCP Server",
		"address", listener.Addr().String(),
		"environment", environment,
		"max_in_flight", sc.MaxInFlight(),
		"worker_connections", sc.WorkerConnections,
	)
	if s.config.Database.Enabled {
		s.logger.Info("Database call log enabled")
	} else {
		s.logger.Info("Using in-memory call log")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		sentry.Flush(2 * time.Second)
		return err
	})

	if s.loggingDB != nil && s.config.Database.CleanupHours > 0 {
		g.Go(func() error {
			s.runCleanup(gctx, time.Duration(s.config.Database.CleanupHours)*time.Hour)
			return nil
		})
	}

	return g.Wait()
}

// runCleanup periodically drops call records older than retention
func (s *Server) runCleanup(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.loggingDB.CleanupOldCalls(ctx, retention)
			if err != nil {
				s.logger.Warn("Call log cleanup failed", "error", err)
				continue
			}
			if removed > 0 {
				s.logger.Info("Call log cleanup", "removed", removed)
			}
		}
	}
}

// Close releases the call log storage
func (s *Server) Close() error {
	if s.loggingDB != nil {
		return s.loggingDB.Close()
	}
	return nil
}

type healthResponse struct {
	Status    string          `json:"status"`
	Server    string          `json:"server"`
	Version   string          `json:"version"`
	Timestamp float64         `json:"timestamp"`
	Services  map[string]bool `json:"services"`
}

// healthCheck reports service status
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	s.corsHandler(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := healthResponse{
		Status:    "healthy",
		Server:    s.mcp.Name(),
		Version:   s.mcp.Version(),
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		Services: map[string]bool{
			"weather_api":   true,
			"census_api":    true,
			"nominatim_api": true,
			"mcp_protocol":  true,
		},
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type logsResponse struct {
	Calls  []calllog.CallRecord `json:"calls"`
	Total  int                  `json:"total"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

// logsHandler lists or clears recorded tool calls
func (s *Server) logsHandler(w http.ResponseWriter, r *http.Request) {
	s.corsHandler(w, r)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodGet, http.MethodDelete:
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.loggingDB == nil {
		http.Error(w, "Call log not enabled", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if r.Method == http.MethodDelete {
		if err := s.loggingDB.ClearCalls(ctx); err != nil {
			s.logger.Error("Failed to clear call log", "error", err)
			s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to clear logs"})
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
		return
	}

	limit := queryInt(r, "limit", defaultLogsLimit)
	if limit < 1 {
		limit = defaultLogsLimit
	}
	if limit > maxLogsLimit {
		limit = maxLogsLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	calls, err := s.loggingDB.GetCalls(ctx, limit, offset)
	if err != nil {
		s.logger.Error("Failed to read call log", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to read logs"})
		return
	}
	total, err := s.loggingDB.GetCallsCount(ctx)
	if err != nil {
		s.logger.Error("Failed to count call log", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to read logs"})
		return
	}

	s.writeJSON(w, http.StatusOK, logsResponse{Calls: calls, Total: total, Limit: limit, Offset: offset})
}

// corsHandler adds CORS headers to the response
func (s *Server) corsHandler(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Credentials", "false")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}

	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
