package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"standgroup/internal/web/middleware"
)

// Server is the HTTP server for the stand manager.
type Server struct {
	httpServer *http.Server
}

// New creates a new web server. metricsHandler serves GET /metrics and may
// be nil when metrics are disabled.
func New(addr string, e Engine, domainName string, log *slog.Logger, metricsHandler http.Handler) *Server {
	h := NewHandlers(e, domainName, log)
	massLimit := middleware.MassActionLimit(1, 2)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", h.MainPage)
	mux.HandleFunc("GET /s/{name}", h.StandAction)
	mux.HandleFunc("GET /s/{name}/{action}", h.StandAction)
	mux.HandleFunc("GET /admin/", h.AdminPage)
	mux.HandleFunc("GET /api/stands", h.APIStands)
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	// Mass actions live at the root, e.g. GET /backup_all. Registered last
	// so the more specific routes above win.
	mux.Handle("GET /{action}", massLimit(http.HandlerFunc(h.MassAction)))

	return &Server{
		httpServer: &http.Server{
			Addr:    addr,
			Handler: middleware.RequestLog(log)(mux),
			// No WriteTimeout: start and stop wait for tomcat, which can
			// take up to a minute.
			ReadTimeout: 10 * time.Second,
		},
	}
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
