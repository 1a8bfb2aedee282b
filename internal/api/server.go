// Package api exposes the run lifecycle over the GA4GH WES HTTP routes.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aki/wesd/internal/core/lifecycle"
	"github.com/aki/wesd/internal/core/logger"
	"github.com/aki/wesd/internal/core/run"
)

// BasePath prefixes every route
const BasePath = "/ga4gh/wes/v1"

const maxBodyBytes = 10 << 20

// Server serves the WES API over an orchestrator
type Server struct {
	orch   *lifecycle.Orchestrator
	tokens map[string]string
	logger logger.Logger
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithAuth enables bearer authentication; tokens maps a token to its username
func WithAuth(tokens map[string]string) Option {
	return func(s *Server) {
		s.tokens = tokens
	}
}

// NewServer creates a Server
func NewServer(orch *lifecycle.Orchestrator, opts ...Option) *Server {
	s := &Server{
		orch:   orch,
		logger: logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+BasePath+"/service-info", s.handleServiceInfo)

	protected := http.NewServeMux()
	protected.HandleFunc("GET "+BasePath+"/runs", s.handleListRuns)
	protected.HandleFunc("POST "+BasePath+"/runs", s.handleSubmitRun)
	protected.HandleFunc("DELETE "+BasePath+"/runs", s.handleBulkDelete)
	protected.HandleFunc("GET "+BasePath+"/runs/{run_id}", s.handleGetRun)
	protected.HandleFunc("DELETE "+BasePath+"/runs/{run_id}", s.handleDeleteRun)
	protected.HandleFunc("GET "+BasePath+"/runs/{run_id}/status", s.handleRunStatus)
	protected.HandleFunc("POST "+BasePath+"/runs/{run_id}/cancel", s.handleCancelRun)
	protected.HandleFunc("GET "+BasePath+"/runs/{run_id}/ro-crate", s.handleRoCrate)
	protected.HandleFunc("GET "+BasePath+"/runs/{run_id}/outputs/{path...}", s.handleOutput)
	mux.Handle(BasePath+"/runs", s.authMiddleware(protected))
	mux.Handle(BasePath+"/runs/", s.authMiddleware(protected))

	return s.logMiddleware(s.corsMiddleware(mux))
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully within shutdownTimeout
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln, shutdownTimeout)
}

// Serve serves on ln until ctx is done
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()
	s.logger.Info("API server listening", "addr", ln.Addr().String(), "base_path", BasePath)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down API server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type callerKey struct{}

func callerFrom(ctx context.Context) run.Caller {
	c, _ := ctx.Value(callerKey{}).(run.Caller)
	return c
}

// authMiddleware maps a bearer token to the caller's username. With
// authentication off every request is anonymous.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokens == nil {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		username, ok := s.lookup(token)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}

		ctx := context.WithValue(r.Context(), callerKey{}, run.Caller{Username: username})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) lookup(token string) (string, bool) {
	var username string
	var found bool
	for t, u := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			username, found = u, true
		}
	}
	return username, found
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
