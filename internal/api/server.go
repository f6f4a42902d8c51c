package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/insight-technology/restful-functions/internal/backend"
	"github.com/insight-technology/restful-functions/internal/engine"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Server wraps the chi router and application dependencies.
type Server struct {
	router  *chi.Mux
	engine  *engine.Engine
	workers *backend.Registry
	logger  *slog.Logger
	addr    string
}

// NewServer creates and configures a new HTTP server. Function routes are
// derived from the engine's registry.
func NewServer(addr string, eng *engine.Engine, workers *backend.Registry, logger *slog.Logger) *Server {
	srv := &Server{
		router:  chi.NewRouter(),
		engine:  eng,
		workers: workers,
		logger:  logger,
		addr:    addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(middleware.StripSlashes)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/", s.handleIndex)
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())
	s.router.Get("/workers", s.handleListWorkers)

	s.router.Route("/function", func(r chi.Router) {
		r.Get("/list/data", s.handleListFunctionsData)
		r.Get("/list/text", s.handleListFunctionsText)
		r.Get("/definition/{function}", s.handleGetDefinition)
		r.Get("/running-count/{function}", s.handleRunningCount)
	})

	s.router.Route("/task", func(r chi.Router) {
		r.Get("/info/{task_id}", s.handleTaskInfo)
		r.Get("/done/{task_id}", s.handleTaskDone)
		r.Get("/result/{task_id}", s.handleTaskResult)
		r.Get("/list/{function}", s.handleListTasks)
		r.Get("/logs/{task_id}", s.handleStreamLogs)
		r.Get("/stats", s.handleGetStats)
	})

	s.router.Route("/terminate", func(r chi.Router) {
		r.Post("/function/{function}", s.handleTerminateFunction)
		r.Post("/task/{task_id}", s.handleTerminateTask)
	})

	s.router.Post("/{function}", s.handleCall)
	s.router.Post("/{function}/keep-connection", s.handleCallBlocking)
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP until ctx is done, then shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down http server")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
