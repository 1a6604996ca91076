// Package api exposes the job queue service over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/mwhitton/conveyor/internal/logger"
	"github.com/mwhitton/conveyor/internal/metrics"
	"github.com/mwhitton/conveyor/internal/service"
)

// Version reported by the health endpoint.
const Version = "1.2.0"

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	log        logger.Logger
}

// New constructs the HTTP server over the boundary service. The metrics
// collector may be nil, in which case /metrics is not registered.
func New(port int, svc *service.Service, m *metrics.Collector, log logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	apiLog := log.WithComponent(logger.ComponentAPI)

	h := &handlers{svc: svc, log: apiLog}

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(requestLogger(apiLog))
	router.Use(recoverer(apiLog))

	router.Get("/health", h.Health)
	router.Post("/api/jobs", h.CreateJob)
	router.Get("/api/jobs", h.ListJobs)
	router.Get("/api/jobs/stats", h.JobStats)
	router.Get("/api/jobs/{id}", h.GetJob)
	router.Delete("/api/jobs/{id}", h.CancelJob)

	if m != nil {
		router.Method(http.MethodGet, "/metrics", m.Handler())
	}

	router.NotFound(h.NotFound)
	router.MethodNotAllowed(h.MethodNotAllowed)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{httpServer: srv, log: apiLog}
}

// Start begins serving HTTP traffic.
func (s *Server) Start() error {
	s.log.Info("API server listening", "address", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// requestLogger logs one line per request with the chi request id.
func requestLogger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			ctx := logger.WithRequestID(r.Context(), chimw.GetReqID(r.Context()))
			next.ServeHTTP(ww, r.WithContext(ctx))

			log.DebugContext(ctx, "Request handled",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start))
		})
	}
}

// recoverer converts handler panics into a well-formed 500 envelope so no
// partial response escapes.
func recoverer(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.ErrorContext(r.Context(), "Handler panic", "panic_value", rec)
					writeErrorEnvelope(w, r, http.StatusInternalServerError,
						"internal server error", nil)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
