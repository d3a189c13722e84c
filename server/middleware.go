package server

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/hannes/weather-mcp/requestid"
)

type contextKey int

const connStateKey contextKey = iota

// requestID assigns an id to every request, honouring one sent by the client
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestid.Header)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(requestid.Header, id)

		if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
			hub.Scope().SetTag("request_id", id)
		}
		next.ServeHTTP(w, r.WithContext(requestid.NewContext(r.Context(), id)))
	})
}

// statusRecorder captures the response status for the access log
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += n
	return n, err
}

func accessLog(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logger.LogAttrs(r.Context(), level, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Int("bytes", rec.bytes),
			slog.Duration("duration", time.Since(start)),
			slog.String("remote", r.RemoteAddr),
			slog.String("request_id", requestid.FromContext(r.Context())),
		)
	})
}

// connState counts requests served on one connection
type connState struct {
	served atomic.Int64
	limit  int64
}

// connContext returns an http.Server.ConnContext hook giving each
// connection a request budget of maxRequests plus up to jitter extra.
// A zero maxRequests disables recycling.
func connContext(maxRequests, jitter int) func(context.Context, net.Conn) context.Context {
	return func(ctx context.Context, _ net.Conn) context.Context {
		if maxRequests <= 0 {
			return ctx
		}
		limit := int64(maxRequests)
		if jitter > 0 {
			limit += rand.Int64N(int64(jitter) + 1)
		}
		return context.WithValue(ctx, connStateKey, &connState{limit: limit})
	}
}

// recycleConnections closes a connection once it has served its budget
func recycleConnections(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if state, ok := r.Context().Value(connStateKey).(*connState); ok {
			if state.served.Add(1) >= state.limit {
				w.Header().Set("Connection", "close")
			}
		}
		next.ServeHTTP(w, r)
	})
}

const timeoutBody = `{"error":"request timed out"}`

// limitRequests gives every request one deadline of timeout that covers both
// waiting for one of maxInFlight slots and running the handler. A request
// that gets no slot in time, or whose handler overruns, is answered with 503.
func limitRequests(next http.Handler, maxInFlight int, timeout time.Duration, logger *slog.Logger) http.Handler {
	var sem *semaphore.Weighted
	if maxInFlight > 0 {
		sem = semaphore.NewWeighted(int64(maxInFlight))
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline := time.Now().Add(timeout)

		if sem != nil {
			ctx, cancel := context.WithDeadline(r.Context(), deadline)
			err := sem.Acquire(ctx, 1)
			cancel()
			if err != nil {
				logger.Warn("Server busy, rejecting request", "path", r.URL.Path, "request_id", requestid.FromContext(r.Context()))
				w.Header().Set("Retry-After", "1")
				http.Error(w, "Server busy", http.StatusServiceUnavailable)
				return
			}
			defer sem.Release(1)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			http.Error(w, timeoutBody, http.StatusServiceUnavailable)
			return
		}
		http.TimeoutHandler(next, remaining, timeoutBody).ServeHTTP(w, r)
	})
}

// reportPanics sends panics to Sentry and re-raises them
func reportPanics(next http.Handler) http.Handler {
	return sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle(next)
}

// recoverPanics turns a panicking handler into a 500
func recoverPanics(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("Handler panic", "path", r.URL.Path, "panic", rec)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
