package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	mcpsrv "github.com/mark3labs/mcp-go/server"

	"github.com/opsloop/dispatchd/internal/telemetry"
)

// HTTPServer exposes the MCP server over a streamable-HTTP endpoint plus a
// health check, routed with chi the way the teacher's transport layer
// extracts its route pattern for metrics.
type HTTPServer struct {
	addr   string
	router chi.Router
	server *http.Server
	logger *slog.Logger
}

// NewHTTPServer builds the chi router for addr, mounting the MCP
// streamable-HTTP handler at /mcp, a liveness probe at /healthz, and,
// when metrics is non-nil, the Prometheus scrape endpoint at /metrics.
func NewHTTPServer(s *Server, addr string, metrics *telemetry.Metrics, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger, metrics))
	r.Use(middleware.Recoverer)

	streamable := mcpsrv.NewStreamableHTTPServer(s.inner)
	r.Handle("/mcp", streamable)
	r.Handle("/mcp/*", streamable)
	r.Get("/healthz", handleHealthz)
	if metrics != nil {
		r.Handle("/metrics", metrics.Handler())
	}

	return &HTTPServer{addr: addr, router: r, logger: logger}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// statusWriter wraps http.ResponseWriter to capture the status code, so the
// metrics/logging middleware can record what went out after the handler
// returns.
type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func requestLogger(logger *slog.Logger, metrics *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			duration := time.Since(start)

			routePattern := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				routePattern = rctx.RoutePattern()
			}
			logger.Debug("http request", "method", r.Method, "path", routePattern, "status", wrapped.statusCode, "duration", duration)
			metrics.RecordHTTPRequest(r.Method, routePattern, wrapped.statusCode, duration)
		})
	}
}

// Start blocks serving HTTP until ctx is cancelled, then shuts down
// gracefully.
func (h *HTTPServer) Start(ctx context.Context) error {
	h.server = &http.Server{
		Addr:         h.addr,
		Handler:      h.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return h.server.Shutdown(shutdownCtx)
	}
}
